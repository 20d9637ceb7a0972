package parser

import (
	"regexp"

	"github.com/crossretail/harvester/models"
)

var (
	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaPattern  = regexp.MustCompile(`(?is)<meta\s+[^>]*?(?:property|name)=["']([^"']+)["'][^>]*?content=["']([^"']*)["'][^>]*>`)
)

// Fields lifted from Open Graph and product meta tags into raw record keys.
var metaFieldNames = map[string]string{
	"og:title":                 "title",
	"og:description":           "description",
	"og:image":                 "image_urls",
	"product:price:amount":     "price",
	"product:price:currency":   "currency",
	"og:price:amount":          "price",
	"og:price:currency":        "currency",
	"product:availability":     "availability",
	"og:availability":          "availability",
	"product:retailer_item_id": "product_id",
}

// GenericHTML extracts a raw record from page metadata alone: the document
// title plus Open Graph and product meta tags. It is the fallback strategy
// for sites without a dedicated extractor and never errors.
func GenericHTML() Extractor {
	return ExtractorFunc(func(site, url string, body []byte) (*models.RawRecord, error) {
		fields := make(map[string]any)
		for _, m := range metaPattern.FindAllSubmatch(body, -1) {
			key, ok := metaFieldNames[string(m[1])]
			if !ok || len(m[2]) == 0 {
				continue
			}
			if _, seen := fields[key]; !seen {
				fields[key] = string(m[2])
			}
		}
		if _, ok := fields["title"]; !ok {
			if m := titlePattern.FindSubmatch(body); m != nil {
				fields["title"] = string(m[1])
			}
		}
		if len(fields) == 0 {
			return nil, nil
		}
		return &models.RawRecord{Site: site, URL: url, Fields: fields}, nil
	})
}
