// Package normalizer maps raw extracted fields to the canonical record
// schema. Every function here is pure and total: bad input degrades to nil
// or a documented default, never an error, so records can be normalized in
// parallel without coordination.
package normalizer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/crossretail/harvester/models"
)

var (
	productIDPattern  = regexp.MustCompile(`[A-Z0-9]{10,}`)
	numberRunPattern  = regexp.MustCompile(`[0-9.]+`)
	intRunPattern     = regexp.MustCompile(`[0-9,]+`)
	currencyPattern   = regexp.MustCompile(`[A-Z]{3}|[$€£¥]`)
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	imageSplitPattern = regexp.MustCompile(`[,\s]+`)
	httpShapePattern  = regexp.MustCompile(`^https?://.+`)
)

var siteAliases = map[string]string{
	"amazon":      "amazon",
	"amazon.com":  "amazon",
	"walmart":     "walmart",
	"walmart.com": "walmart",
	"kmart":       "kmart",
	"kmart.com":   "kmart",
	"kohls":       "kohls",
	"kohls.com":   "kohls",
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

// Fallback timestamp layouts tried in order after RFC 3339.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalize maps a raw record to the canonical schema. It never fails:
// missing fields become nil or a documented default, never omitted keys.
func Normalize(raw models.RawRecord) models.NormalizedRecord {
	fields := raw.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	url := raw.URL
	if s, ok := stringField(fields, "url"); ok && s != "" {
		url = s
	}
	site := raw.Site
	if s, ok := stringField(fields, "site"); ok && s != "" {
		site = s
	}

	return models.NormalizedRecord{
		ProductID:    ProductID(fields["product_id"]),
		Site:         Site(site),
		URL:          url,
		Title:        Text(fields["title"]),
		Description:  Text(fields["description"]),
		Price:        Price(fields["price"]),
		Currency:     Currency(fields["currency"], fields["price"]),
		Rating:       Rating(fields["rating"]),
		ReviewCount:  ReviewCount(fields["review_count"]),
		Availability: Availability(fields["availability"]),
		ImageURLs:    ImageURLs(fields["image_urls"]),
		ScrapedAt:    Timestamp(fields["scraped_at"]),
	}
}

// ProductID trims the value and extracts a contiguous uppercase-alphanumeric
// run of length >= 10 when one exists; otherwise the trimmed original is
// kept. Absent or empty input yields nil.
func ProductID(v any) *string {
	s := strings.TrimSpace(asString(v))
	if s == "" {
		return nil
	}
	if match := productIDPattern.FindString(s); match != "" {
		return &match
	}
	return &s
}

// Site lowercases, trims and maps the value through the canonical alias
// table. Unknown values pass through; missing input becomes "unknown".
func Site(v string) string {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return "unknown"
	}
	if canonical, ok := siteAliases[s]; ok {
		return canonical
	}
	return s
}

// Text joins list inputs with single spaces, strips HTML tags and collapses
// whitespace runs. Empty results become nil.
func Text(v any) *string {
	if v == nil {
		return nil
	}
	var s string
	if list, ok := v.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if item == nil {
				continue
			}
			parts = append(parts, asString(item))
		}
		s = strings.Join(parts, " ")
	} else {
		s = asString(v)
	}
	s = htmlTagPattern.ReplaceAllString(s, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Price casts numeric input directly; for strings the first contiguous
// digits/decimal-point run is parsed. Unparsable input yields nil.
func Price(v any) *float64 {
	if v == nil {
		return nil
	}
	if f, ok := asFloat(v); ok {
		return &f
	}
	if match := numberRunPattern.FindString(asString(v)); match != "" {
		if f, err := strconv.ParseFloat(match, 64); err == nil {
			return &f
		}
	}
	return nil
}

// Currency resolves an explicit value to a 3-letter code (mapping the common
// symbols), infers a symbol present in the raw price string otherwise, and
// defaults to USD.
func Currency(v, price any) string {
	if s := strings.ToUpper(strings.TrimSpace(asString(v))); s != "" {
		if match := currencyPattern.FindString(s); match != "" {
			if code, ok := currencySymbols[match]; ok {
				return code
			}
			return match
		}
		if len(s) >= 3 {
			return s[:3]
		}
		return s
	}
	if price != nil {
		priceStr := asString(price)
		for _, symbol := range []string{"$", "€", "£", "¥"} {
			if strings.Contains(priceStr, symbol) {
				return currencySymbols[symbol]
			}
		}
	}
	return "USD"
}

// Rating parses a numeric rating; values above 5 are treated as a 10-point
// scale and halved onto 0-5.
func Rating(v any) *float64 {
	if v == nil {
		return nil
	}
	f, ok := asFloat(v)
	if !ok {
		match := numberRunPattern.FindString(asString(v))
		if match == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(match, 64)
		if err != nil {
			return nil
		}
		f = parsed
	}
	if f > 5 {
		f = f / 2
	}
	return &f
}

// ReviewCount strips thousands separators and parses an integer. Unparsable
// input yields nil.
func ReviewCount(v any) *int64 {
	if v == nil {
		return nil
	}
	if f, ok := asFloat(v); ok {
		n := int64(f)
		return &n
	}
	if match := intRunPattern.FindString(asString(v)); match != "" {
		if n, err := strconv.ParseInt(strings.ReplaceAll(match, ",", ""), 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

// Availability keyword classes. "unavailable" is checked before the in-stock
// keywords so its "available" substring cannot misclassify it.
var availabilityClasses = []struct {
	label    string
	keywords []string
}{
	{"out_of_stock", []string{"out of stock", "unavailable", "sold out"}},
	{"pre_order", []string{"pre-order", "preorder"}},
	{"in_stock", []string{"in stock", "available", "add to cart"}},
}

// Availability lowercases the value and classifies it by keyword
// containment. Unmatched text passes through verbatim; absent input is nil.
func Availability(v any) *string {
	s := strings.ToLower(strings.TrimSpace(asString(v)))
	if s == "" {
		return nil
	}
	for _, class := range availabilityClasses {
		for _, keyword := range class.keywords {
			if strings.Contains(s, keyword) {
				label := class.label
				return &label
			}
		}
	}
	return &s
}

// ImageURLs splits delimited strings on commas/whitespace and retains only
// http(s)-shaped entries. Non-matching entries are dropped silently.
func ImageURLs(v any) []string {
	if v == nil {
		return []string{}
	}
	var candidates []string
	switch val := v.(type) {
	case string:
		candidates = imageSplitPattern.Split(val, -1)
	case []string:
		candidates = val
	case []any:
		for _, item := range val {
			candidates = append(candidates, asString(item))
		}
	default:
		candidates = []string{asString(v)}
	}
	out := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if httpShapePattern.MatchString(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// Timestamp parses ISO-8601 first, then the fixed fallback layouts in order.
// When every layout fails the current processing time is substituted, never
// an error. This is the one documented non-idempotent path.
func Timestamp(v any) time.Time {
	switch val := v.(type) {
	case nil:
	case time.Time:
		return val
	default:
		s := strings.TrimSpace(asString(val))
		if s == "" {
			break
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Now().UTC()
}

func stringField(fields map[string]any, key string) (string, bool) {
	s, ok := fields[key].(string)
	return s, ok
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}
