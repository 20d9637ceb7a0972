// Package router selects the transport path for each harvest request and
// tracks per-channel health for failover.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/crossretail/harvester/config"
	"github.com/crossretail/harvester/models"
	"github.com/crossretail/harvester/transport"
)

// Statuses that count as a channel failure. Anything else leaves the
// counter untouched; a 200 resets it.
var failureStatuses = map[int]struct{}{
	http.StatusForbidden:          {},
	http.StatusProxyAuthRequired:  {},
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
}

// ChannelHealth is a read-only snapshot of one channel's health record.
type ChannelHealth struct {
	Kind     models.ChannelKind
	Failures int64
	State    models.ChannelState
}

// Router owns the per-channel health records. All mutation goes through
// RecordOutcome/RecordError; the counters are atomics so concurrent
// completions never lose updates.
type Router struct {
	cfg       config.ChannelsConfig
	transport *transport.Transport
	api       *resty.Client

	primary   models.ChannelKind
	secondary models.ChannelKind

	failures map[models.ChannelKind]*atomic.Int64
}

// New builds a router over the configured channels.
func New(cfg config.ChannelsConfig, tr *transport.Transport) (*Router, error) {
	r := &Router{
		cfg:       cfg,
		transport: tr,
		failures: map[models.ChannelKind]*atomic.Int64{
			models.ChannelAPI:         {},
			models.ChannelProxy:       {},
			models.ChannelResidential: {},
		},
	}

	var configured []models.ChannelKind
	if cfg.API.Configured() {
		configured = append(configured, models.ChannelAPI)
	}
	if cfg.Proxy.Configured() {
		configured = append(configured, models.ChannelProxy)
	}
	if cfg.Residential.Configured() {
		configured = append(configured, models.ChannelResidential)
	}
	if len(configured) == 0 {
		return nil, fmt.Errorf("router: no acquisition channel configured")
	}
	r.primary = configured[0]
	if len(configured) > 1 {
		r.secondary = configured[1]
	}

	if cfg.API.Configured() {
		r.api = resty.New().
			SetBaseURL(cfg.API.Endpoint).
			SetAuthToken(cfg.API.Token).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(0)
	}

	log.Info().
		Str("policy", cfg.Policy).
		Str("primary", string(r.primary)).
		Str("secondary", string(r.secondary)).
		Msg("router initialized")
	return r, nil
}

// WithRoundTripper replaces the API client's round tripper. Used by tests to
// substitute a mock exchange.
func (r *Router) WithRoundTripper(rt http.RoundTripper) {
	if r.api != nil {
		r.api.SetTransport(rt)
	}
}

// Route picks a channel for the request and annotates it with the choice.
// It performs no network calls and never mutates anything but the request.
func (r *Router) Route(req *models.HarvestRequest) models.ChannelKind {
	var ch models.ChannelKind
	switch models.SelectionPolicy(r.cfg.Policy) {
	case models.PolicyFixedAPI:
		ch = models.ChannelAPI
	case models.PolicyFixedProxy:
		if r.cfg.Proxy.Configured() {
			ch = models.ChannelProxy
		} else {
			ch = models.ChannelResidential
		}
	default:
		ch = r.autoSelect()
	}
	req.Channel = ch
	return ch
}

// autoSelect prefers the primary channel until it degrades, then holds on
// the secondary until it degrades too. With both degraded the lower failure
// count wins, so routing can never ping-pong forever between two exhausted
// channels.
func (r *Router) autoSelect() models.ChannelKind {
	if r.secondary == "" {
		return r.primary
	}
	threshold := int64(r.cfg.FailoverThreshold)
	pFail := r.failures[r.primary].Load()
	sFail := r.failures[r.secondary].Load()
	switch {
	case pFail < threshold:
		return r.primary
	case sFail < threshold:
		return r.secondary
	case pFail <= sFail:
		return r.primary
	default:
		return r.secondary
	}
}

// RecordOutcome updates channel health from a response status. Safe under
// concurrent invocation from many in-flight requests.
func (r *Router) RecordOutcome(ch models.ChannelKind, status int) {
	counter, ok := r.failures[ch]
	if !ok {
		return
	}
	if status == http.StatusOK {
		counter.Store(0)
		return
	}
	if _, failed := failureStatuses[status]; failed {
		n := counter.Add(1)
		if n == int64(r.cfg.FailoverThreshold) {
			log.Warn().
				Str("channel", string(ch)).
				Int64("consecutive_failures", n).
				Msg("channel degraded")
		}
	}
}

// RecordError counts a transport-level failure against the channel.
func (r *Router) RecordError(ch models.ChannelKind) {
	if counter, ok := r.failures[ch]; ok {
		counter.Add(1)
	}
}

// Health snapshots every configured channel's health record.
func (r *Router) Health() []ChannelHealth {
	threshold := int64(r.cfg.FailoverThreshold)
	var out []ChannelHealth
	for _, kind := range []models.ChannelKind{models.ChannelAPI, models.ChannelProxy, models.ChannelResidential} {
		if !r.configured(kind) {
			continue
		}
		n := r.failures[kind].Load()
		state := models.ChannelHealthy
		if n >= threshold {
			state = models.ChannelDegraded
		}
		out = append(out, ChannelHealth{Kind: kind, Failures: n, State: state})
	}
	return out
}

// Acquire executes the request over its routed channel. The caller is
// responsible for feeding the outcome back via RecordOutcome/RecordError.
func (r *Router) Acquire(ctx context.Context, req *models.HarvestRequest) (*transport.Response, error) {
	switch req.Channel {
	case models.ChannelAPI:
		return r.fetchViaAPI(ctx, req)
	case models.ChannelProxy:
		return r.transport.Fetch(ctx, req.URL, transport.Options{
			Method:   req.Method,
			Headers:  req.Headers,
			ProxyURL: r.cfg.Proxy.URL(),
		})
	case models.ChannelResidential:
		return r.transport.Fetch(ctx, req.URL, transport.Options{
			Method:   req.Method,
			Headers:  req.Headers,
			ProxyURL: r.cfg.Residential.URL(),
		})
	default:
		return nil, fmt.Errorf("router: request %s has no routed channel", req.ID)
	}
}

func (r *Router) configured(kind models.ChannelKind) bool {
	switch kind {
	case models.ChannelAPI:
		return r.cfg.API.Configured()
	case models.ChannelProxy:
		return r.cfg.Proxy.Configured()
	case models.ChannelResidential:
		return r.cfg.Residential.Configured()
	}
	return false
}

// fallbackProxy returns the proxy channel used when the API loop exhausts
// its budget, or "" when none is configured.
func (r *Router) fallbackProxy() models.ChannelKind {
	if r.cfg.Proxy.Configured() {
		return models.ChannelProxy
	}
	if r.cfg.Residential.Configured() {
		return models.ChannelResidential
	}
	return ""
}

type apiPayload struct {
	Zone    string            `json:"zone"`
	URL     string            `json:"url"`
	Format  string            `json:"format"`
	Headers map[string]string `json:"headers,omitempty"`
}

// fetchViaAPI runs the token-API bounded retry loop: per-attempt timeout
// doubles from the configured base and is capped, and after the attempt
// budget the request falls back exactly once to a configured proxy channel.
// With no proxy available the original failure is surfaced unmodified.
func (r *Router) fetchViaAPI(ctx context.Context, req *models.HarvestRequest) (*transport.Response, error) {
	if r.api == nil {
		return nil, fmt.Errorf("router: api channel not configured")
	}

	payload := apiPayload{
		Zone:   r.cfg.API.Zone,
		URL:    req.URL,
		Format: "raw",
	}
	if len(req.Headers) > 0 {
		payload.Headers = make(map[string]string, len(req.Headers))
		for key, values := range req.Headers {
			payload.Headers[key] = values[0]
		}
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.API.MaxAttempts; attempt++ {
		timeout := r.cfg.API.BaseTimeout << attempt
		if timeout > r.cfg.API.MaxTimeout {
			timeout = r.cfg.API.MaxTimeout
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)

		start := time.Now()
		resp, err := r.api.R().
			SetContext(attemptCtx).
			SetBody(payload).
			Post("")
		cancel()

		if err != nil {
			lastErr = transport.Classify(err)
			log.Warn().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Dur("timeout", timeout).
				Err(err).
				Msg("acquisition api attempt failed")
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			lastErr = fmt.Errorf("acquisition api status %d: %s", resp.StatusCode(), truncate(resp.Body(), 200))
			log.Warn().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Int("status", resp.StatusCode()).
				Msg("acquisition api rejected request")
			continue
		}

		return &transport.Response{
			Status:  resp.StatusCode(),
			Headers: resp.Header(),
			Body:    resp.Body(),
			Elapsed: time.Since(start),
		}, nil
	}

	fallback := r.fallbackProxy()
	if fallback == "" {
		return nil, lastErr
	}

	log.Warn().
		Str("url", req.URL).
		Int("attempts", r.cfg.API.MaxAttempts).
		Str("fallback", string(fallback)).
		Msg("acquisition api exhausted, falling back to proxy")

	prev := req.Channel
	req.Channel = fallback
	resp, err := r.Acquire(ctx, req)
	if err != nil {
		req.Channel = prev
		// Both paths failed: pass the original API failure through.
		return nil, &FailoverExhaustedError{APIErr: lastErr, ProxyErr: err}
	}
	return resp, nil
}

// FailoverExhaustedError reports that both the API channel and its proxy
// fallback failed. Unwrap yields the original API failure so callers see it
// unmodified.
type FailoverExhaustedError struct {
	APIErr   error
	ProxyErr error
}

func (e *FailoverExhaustedError) Error() string {
	return fmt.Sprintf("channel failover exhausted: api: %v; proxy: %v", e.APIErr, e.ProxyErr)
}

func (e *FailoverExhaustedError) Unwrap() error {
	return e.APIErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
