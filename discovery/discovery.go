// Package discovery passively mines fetched bodies for hidden data API
// endpoints. Discovery is advisory: it informs telemetry and caching but
// never triggers follow-up fetches on its own.
package discovery

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/crossretail/harvester/models"
)

// Per-site allow-lists of known endpoint URL fragments.
var sitePatterns = map[string][]*regexp.Regexp{
	"amazon": {
		regexp.MustCompile(`(?i)api\.amazon\.com`),
		regexp.MustCompile(`(?i)atv-.*\.amazon\.com`),
		regexp.MustCompile(`(?i)completion\.amazon\.com`),
		regexp.MustCompile(`(?i)/api/.*`),
		regexp.MustCompile(`(?i)/gp/product/.*/dp/`),
	},
	"walmart": {
		regexp.MustCompile(`(?i)walmart\.com/.*api.*`),
		regexp.MustCompile(`(?i)api\.walmart\.com`),
		regexp.MustCompile(`(?i)/api/.*`),
		regexp.MustCompile(`(?i)/product/.*`),
	},
}

// Fixed marker patterns for embedded JSON state blobs.
var jsonBlobPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)window\.__APOLLO_STATE__\s*=\s*(\{.+?\});`),
	regexp.MustCompile(`(?s)window\.__INITIAL_STATE__\s*=\s*(\{.+?\});`),
	regexp.MustCompile(`(?s)data-product="(\{.+?\})"`),
	regexp.MustCompile(`(?s)data-product-info="(\{.+?\})"`),
}

// Inline script bodies, scanned for absolute URLs carrying the generic API
// indicator token.
var scriptBlockPattern = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)
var scriptURLPattern = regexp.MustCompile(`(?i)https?://[^\s"'<>]+api[^\s"'<>]+`)

// Any absolute URL, for matching against the per-site allow-lists.
var absoluteURLPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

// Discoverer scans bodies and caches qualifying endpoints per
// (site, endpoint) key.
type Discoverer struct {
	cache *lru.Cache[string, models.DiscoveredEndpoint]
}

// New builds a discoverer with an endpoint cache of the given capacity.
func New(cacheSize int) (*Discoverer, error) {
	if cacheSize <= 0 {
		cacheSize = 2048
	}
	cache, err := lru.New[string, models.DiscoveredEndpoint](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Discoverer{cache: cache}, nil
}

// Discover scans a fetched body (HTML or JSON) for callable data endpoints.
// The result is recomputed on each call; all strategies are applied as a
// union, and malformed URLs are skipped, never fatal.
func (d *Discoverer) Discover(body []byte, baseURL, site string) []models.DiscoveredEndpoint {
	text := string(body)
	var found []models.DiscoveredEndpoint
	seen := make(map[string]struct{})

	add := func(raw string) {
		if _, dup := seen[raw]; dup {
			return
		}
		ep, ok := d.describe(raw)
		if !ok {
			return
		}
		seen[raw] = struct{}{}
		found = append(found, ep)
		d.cache.Add(ep.CacheKey(site), ep)
	}

	// Strategy: absolute URLs matching the site's allow-list.
	if patterns := sitePatterns[site]; len(patterns) > 0 {
		for _, raw := range absoluteURLPattern.FindAllString(text, -1) {
			for _, pattern := range patterns {
				if pattern.MatchString(raw) {
					add(raw)
					break
				}
			}
		}
	}

	// Strategy: embedded JSON state blobs, walked recursively.
	for _, pattern := range jsonBlobPatterns {
		for _, match := range pattern.FindAllStringSubmatch(text, -1) {
			var blob any
			if err := json.Unmarshal([]byte(match[1]), &blob); err != nil {
				continue
			}
			for _, candidate := range urlStrings(blob) {
				if d.qualifies(candidate, site) {
					add(candidate)
				}
			}
		}
	}

	// Strategy: absolute URLs inside inline script bodies.
	for _, match := range scriptBlockPattern.FindAllStringSubmatch(text, -1) {
		for _, raw := range scriptURLPattern.FindAllString(match[1], -1) {
			if d.qualifies(raw, site) {
				add(raw)
			}
		}
	}

	if len(found) > 0 {
		log.Debug().
			Str("site", site).
			Str("url", baseURL).
			Int("endpoints", len(found)).
			Msg("discovered api endpoints")
	}
	return found
}

// Cached returns the cached endpoint for a (site, endpoint) key.
func (d *Discoverer) Cached(site, endpoint string) (models.DiscoveredEndpoint, bool) {
	return d.cache.Get(site + ":" + endpoint)
}

// qualifies applies the candidate rule: a site-specific allow-list match, a
// generic API indicator in the URL, or an api-prefixed host.
func (d *Discoverer) qualifies(raw, site string) bool {
	if raw == "" {
		return false
	}
	for _, pattern := range sitePatterns[site] {
		if pattern.MatchString(raw) {
			return true
		}
	}
	lower := strings.ToLower(raw)
	for _, indicator := range []string{"/api/", ".json", "?format=json"} {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	if u, err := url.Parse(raw); err == nil && strings.HasPrefix(u.Host, "api.") {
		return true
	}
	return false
}

// describe parses a candidate into a DiscoveredEndpoint. Unparsable URLs are
// dropped silently.
func (d *Discoverer) describe(raw string) (models.DiscoveredEndpoint, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return models.DiscoveredEndpoint{}, false
	}
	return models.DiscoveredEndpoint{
		Endpoint: raw,
		BaseURL:  u.Scheme + "://" + u.Host,
		Path:     u.Path,
		Params:   u.Query(),
		Method:   "GET",
	}, true
}

// urlStrings walks a decoded JSON value collecting every http(s)-shaped
// string leaf.
func urlStrings(v any) []string {
	var out []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "http") {
			out = append(out, val)
		}
	case map[string]any:
		for _, child := range val {
			out = append(out, urlStrings(child)...)
		}
	case []any:
		for _, child := range val {
			out = append(out, urlStrings(child)...)
		}
	}
	return out
}
