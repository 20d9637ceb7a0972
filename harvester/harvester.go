// Package harvester runs the acquisition pipeline: a single dispatch loop
// pulls requests off the schedule queue, fetches them over the routed
// channel, and hands successful pages to extraction, normalization, and the
// ingestion batcher. Failed dispatches come back through the resilience
// controller as scheduled retries.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crossretail/harvester/config"
	"github.com/crossretail/harvester/discovery"
	"github.com/crossretail/harvester/models"
	"github.com/crossretail/harvester/normalizer"
	"github.com/crossretail/harvester/parser"
	"github.com/crossretail/harvester/pipeline"
	"github.com/crossretail/harvester/router"
	"github.com/crossretail/harvester/transport"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("harvester: closed")

// domainRetryDelay is the short hold applied when a request's domain is at
// its concurrency limit and the request must yield its dispatch slot.
const domainRetryDelay = 50 * time.Millisecond

// Statuses that indicate the routed channel failed the request; these are
// retried so routing gets a chance to fail over.
var channelFailureStatuses = map[int]struct{}{
	http.StatusForbidden:          {},
	http.StatusProxyAuthRequired:  {},
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
}

// Archiver stores one raw page body and returns its storage key.
type Archiver interface {
	Put(ctx context.Context, site, productID string, scrapedAt time.Time, body []byte) (string, error)
}

// Harvester wires the acquisition components together and owns the dispatch
// loop. Requests are submitted up front or while the loop runs; Run returns
// once the queue is drained and no request is in flight.
type Harvester struct {
	cfg        *config.Config
	router     *router.Router
	resilience *Resilience
	queue      *scheduleQueue
	extractors *parser.Registry
	batcher    *pipeline.Batcher
	discoverer *discovery.Discoverer
	archive    Archiver
	metrics    *Metrics

	sem        chan struct{}
	domainMu   sync.Mutex
	domainLoad map[string]int

	wg       sync.WaitGroup
	inflight atomic.Int64
	closed   atomic.Bool

	mu     sync.Mutex
	result models.HarvestResult
}

// Option customizes an optional collaborator.
type Option func(*Harvester)

// WithArchive enables raw body archival.
func WithArchive(a Archiver) Option {
	return func(h *Harvester) { h.archive = a }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(h *Harvester) { h.metrics = m }
}

// WithDiscoverer overrides the default endpoint discoverer.
func WithDiscoverer(d *discovery.Discoverer) Option {
	return func(h *Harvester) { h.discoverer = d }
}

// New builds a harvester over the given router, batcher, and extractor
// registry.
func New(cfg *config.Config, rt *router.Router, batcher *pipeline.Batcher, extractors *parser.Registry, opts ...Option) *Harvester {
	concurrency := cfg.Dispatch.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	disc, _ := discovery.New(0)
	h := &Harvester{
		cfg:        cfg,
		router:     rt,
		resilience: NewResilience(cfg.Backoff),
		queue:      newScheduleQueue(),
		extractors: extractors,
		batcher:    batcher,
		discoverer: disc,
		sem:        make(chan struct{}, concurrency),
		domainLoad: make(map[string]int),
		result: models.HarvestResult{
			ErrorsByType: make(map[string]int),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Submit enqueues one request for dispatch.
func (h *Harvester) Submit(req *models.HarvestRequest) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.mu.Lock()
	h.result.RequestCount++
	h.mu.Unlock()
	h.queue.Push(req)
	return nil
}

// Cancel removes a queued request, including a scheduled retry, before it is
// dispatched. In-flight requests are not interrupted.
func (h *Harvester) Cancel(id string) bool {
	return h.queue.Cancel(id)
}

// Run drives the dispatch loop until the queue is drained and all in-flight
// requests have completed, or until ctx is cancelled. The loop sleeps only
// on scheduled waits and dispatch-slot availability.
func (h *Harvester) Run(ctx context.Context) (*models.HarvestResult, error) {
	h.mu.Lock()
	h.result.StartTime = time.Now().UTC()
	h.mu.Unlock()

	var runErr error
loop:
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		req, wait := h.queue.Next(time.Now())
		if req == nil {
			if wait > 0 {
				if !h.sleep(ctx, wait) {
					runErr = ctx.Err()
					break
				}
				continue
			}
			if h.inflight.Load() == 0 {
				break // drained
			}
			select {
			case <-h.queue.wake:
			case <-ctx.Done():
				runErr = ctx.Err()
				break loop
			}
			continue
		}

		select {
		case h.sem <- struct{}{}:
		case <-ctx.Done():
			h.queue.Push(req)
			runErr = ctx.Err()
			break loop
		}

		if !h.acquireDomain(req) {
			<-h.sem
			req.NotBefore = time.Now().Add(domainRetryDelay)
			h.queue.Push(req)
			continue
		}

		h.inflight.Add(1)
		h.wg.Add(1)
		go h.dispatch(ctx, req)
	}

	h.wg.Wait()

	h.mu.Lock()
	h.result.EndTime = time.Now().UTC()
	result := h.result
	result.FailedURLs = append([]string(nil), h.result.FailedURLs...)
	result.ErrorsByType = make(map[string]int, len(h.result.ErrorsByType))
	for k, v := range h.result.ErrorsByType {
		result.ErrorsByType[k] = v
	}
	h.mu.Unlock()

	log.Info().
		Int("requests", result.RequestCount).
		Int("success", result.SuccessCount).
		Int("retries", result.RetryCount).
		Int("errors", result.ErrorCount).
		Dur("elapsed", result.EndTime.Sub(result.StartTime)).
		Msg("harvest run finished")
	return &result, runErr
}

// Shutdown stops accepting submissions, waits for in-flight requests, and
// flushes the batcher's remaining partial batch.
func (h *Harvester) Shutdown(ctx context.Context) error {
	h.closed.Store(true)
	h.wg.Wait()
	return h.batcher.Shutdown(ctx)
}

// Health reports the router's per-channel health records.
func (h *Harvester) Health() []router.ChannelHealth {
	return h.router.Health()
}

// sleep waits for d, an earlier wake signal, or cancellation. It reports
// false only on cancellation.
func (h *Harvester) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-h.queue.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch executes one routed fetch and routes the outcome to success
// handling, a scheduled retry, or terminal failure.
func (h *Harvester) dispatch(ctx context.Context, req *models.HarvestRequest) {
	defer func() {
		h.releaseDomain(req)
		<-h.sem
		h.inflight.Add(-1)
		h.wg.Done()
		h.queue.signal()
	}()

	prev := req.Channel
	ch := h.router.Route(req)
	if prev != "" && prev != ch {
		h.metrics.IncFailover()
	}

	resp, err := h.router.Acquire(ctx, req)
	if err != nil {
		h.router.RecordError(req.Channel)
		label := transport.ErrorLabel(err)
		h.metrics.IncError(label)
		h.metrics.IncRequest(string(req.Channel), "error")
		if transport.IsRetryable(err) {
			h.retry(req, h.resilience.ForFailure(req, label), err)
		} else {
			h.fail(req, label, err)
		}
		return
	}

	h.metrics.ObserveDuration(string(req.Channel), resp.Elapsed)
	h.router.RecordOutcome(req.Channel, resp.Status)

	switch {
	case resp.Status == http.StatusTooManyRequests:
		h.metrics.IncRequest(string(req.Channel), "rate_limited")
		h.retry(req, h.resilience.ForRateLimit(req, resp.Headers), errRateLimited)
	case isChannelFailure(resp.Status):
		h.metrics.IncRequest(string(req.Channel), "channel_failure")
		h.retry(req, h.resilience.ForFailure(req, "channel_failure"), &httpStatusError{status: resp.Status})
	case resp.Status != http.StatusOK:
		h.metrics.IncRequest(string(req.Channel), "http_error")
		h.fail(req, "http_status", &httpStatusError{status: resp.Status})
	default:
		h.metrics.IncRequest(string(req.Channel), "success")
		h.succeed(ctx, req, resp)
	}
}

// retry reschedules the request per the decision, or fails it terminally
// when the attempt budget is spent.
func (h *Harvester) retry(req *models.HarvestRequest, d Decision, cause error) {
	if !d.Retry {
		h.fail(req, d.Reason, cause)
		return
	}
	req.Attempt++
	req.NotBefore = time.Now().Add(d.Delay)
	h.metrics.IncRetry(d.Reason)
	h.mu.Lock()
	h.result.RetryCount++
	h.mu.Unlock()
	log.Debug().
		Str("url", req.URL).
		Int("attempt", req.Attempt).
		Dur("delay", d.Delay).
		Str("reason", d.Reason).
		Msg("retry scheduled")
	h.queue.Push(req)
}

// fail records a terminal failure and destroys the request.
func (h *Harvester) fail(req *models.HarvestRequest, label string, cause error) {
	h.mu.Lock()
	h.result.ErrorCount++
	h.result.ErrorsByType[label]++
	h.result.FailedURLs = append(h.result.FailedURLs, req.URL)
	h.mu.Unlock()
	log.Error().
		Str("url", req.URL).
		Str("channel", string(req.Channel)).
		Int("attempts", req.Attempt+1).
		Err(cause).
		Msg("request failed")
}

// succeed runs the post-fetch pipeline: advisory endpoint discovery,
// extraction, normalization, optional archival, and batching.
func (h *Harvester) succeed(ctx context.Context, req *models.HarvestRequest, resp *transport.Response) {
	h.mu.Lock()
	h.result.SuccessCount++
	h.mu.Unlock()

	if h.discoverer != nil {
		endpoints := h.discoverer.Discover(resp.Body, req.URL, req.Site)
		h.metrics.IncEndpoints(len(endpoints))
	}

	raw := h.extractors.Extract(req.Site, req.URL, resp.Body)
	if raw == nil {
		log.Debug().Str("url", req.URL).Msg("page yielded no record")
		return
	}
	if raw.Site == "" {
		raw.Site = req.Site
	}
	if raw.URL == "" {
		raw.URL = req.URL
	}
	raw.Body = resp.Body

	record := normalizer.Normalize(*raw)

	if h.archive != nil {
		productID := "unknown"
		if record.ProductID != nil {
			productID = *record.ProductID
		}
		key, err := h.archive.Put(ctx, record.Site, productID, record.ScrapedAt, resp.Body)
		if err != nil {
			log.Warn().Str("url", req.URL).Err(err).Msg("raw body archival failed")
		} else {
			record.ArchivePath = key
		}
	}

	if err := h.batcher.Add(ctx, record); err != nil {
		log.Error().Str("url", req.URL).Err(err).Msg("record dropped, batcher closed")
		return
	}
	h.metrics.IncRecords()
}

// acquireDomain claims a per-domain slot, reporting false when the domain is
// at its limit.
func (h *Harvester) acquireDomain(req *models.HarvestRequest) bool {
	limit := h.cfg.Dispatch.DomainConcurrency
	if limit <= 0 {
		return true
	}
	key := domainKey(req)
	h.domainMu.Lock()
	defer h.domainMu.Unlock()
	if h.domainLoad[key] >= limit {
		return false
	}
	h.domainLoad[key]++
	return true
}

func (h *Harvester) releaseDomain(req *models.HarvestRequest) {
	if h.cfg.Dispatch.DomainConcurrency <= 0 {
		return
	}
	key := domainKey(req)
	h.domainMu.Lock()
	if h.domainLoad[key] > 0 {
		h.domainLoad[key]--
	}
	if h.domainLoad[key] == 0 {
		delete(h.domainLoad, key)
	}
	h.domainMu.Unlock()
}

func domainKey(req *models.HarvestRequest) string {
	if u, err := url.Parse(req.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return req.Site
}

func isChannelFailure(status int) bool {
	_, ok := channelFailureStatuses[status]
	return ok
}

var errRateLimited = errors.New("harvester: rate limited")

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.status, http.StatusText(e.status))
}
