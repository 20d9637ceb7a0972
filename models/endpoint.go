package models

import "net/url"

// DiscoveredEndpoint is a hidden API candidate mined from a fetched body.
// Advisory only: it never mutates harvest behavior by itself.
type DiscoveredEndpoint struct {
	Endpoint string
	BaseURL  string
	Path     string
	Params   url.Values
	Method   string
}

// CacheKey identifies the endpoint within the per-site discovery cache.
func (d DiscoveredEndpoint) CacheKey(site string) string {
	return site + ":" + d.Endpoint
}
