// Package parser defines the boundary to the per-site extraction
// collaborators. Extraction itself is presentation-specific and lives
// outside the core; the core only requires a raw field map plus the page
// body for each successfully fetched page.
package parser

import "github.com/crossretail/harvester/models"

// Extractor turns one fetched page into a raw record. Implementations are
// registered per site tag; the core makes no assumptions about extraction
// correctness and normalizes whatever comes back.
type Extractor interface {
	// Extract builds the raw field map for a fetched body. A nil record
	// means the page yielded no product.
	Extract(site, url string, body []byte) (*models.RawRecord, error)
}

// Registry maps site tags to their extractor, tried in registration order
// when a site has several strategies: the first non-empty result wins.
type Registry struct {
	bySite map[string][]Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySite: make(map[string][]Extractor)}
}

// Register appends an extractor strategy for a site tag.
func (r *Registry) Register(site string, e Extractor) {
	r.bySite[site] = append(r.bySite[site], e)
}

// Extract runs the site's strategies in order and returns the first
// non-nil record. Strategy errors are skipped, not fatal: a later strategy
// may still succeed.
func (r *Registry) Extract(site, url string, body []byte) *models.RawRecord {
	for _, e := range r.bySite[site] {
		record, err := e.Extract(site, url, body)
		if err != nil {
			continue
		}
		if record != nil {
			return record
		}
	}
	return nil
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(site, url string, body []byte) (*models.RawRecord, error)

// Extract implements Extractor.
func (f ExtractorFunc) Extract(site, url string, body []byte) (*models.RawRecord, error) {
	return f(site, url, body)
}
