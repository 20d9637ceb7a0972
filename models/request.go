package models

import (
	"net/http"
	"time"
)

// HarvestRequest is one unit of acquisition work. It is owned exclusively by
// the dispatch loop while in flight and destroyed on terminal outcome.
type HarvestRequest struct {
	ID      string
	URL     string
	Method  string
	Site    string
	Headers http.Header

	// Attempt counts retries consumed so far; it never exceeds the
	// configured maximum.
	Attempt int

	// Channel is the transport path chosen by the router for the next
	// dispatch of this request.
	Channel ChannelKind

	// NotBefore is the earliest eligible dispatch time for a scheduled
	// retry. Zero means immediately eligible.
	NotBefore time.Time
}

// NewHarvestRequest builds a GET request for url tagged with site.
func NewHarvestRequest(id, site, url string) *HarvestRequest {
	return &HarvestRequest{
		ID:      id,
		URL:     url,
		Method:  http.MethodGet,
		Site:    site,
		Headers: make(http.Header),
	}
}

// Eligible reports whether the request may be dispatched at t.
func (r *HarvestRequest) Eligible(t time.Time) bool {
	return r.NotBefore.IsZero() || !t.Before(r.NotBefore)
}
