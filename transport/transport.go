// Package transport executes HTTP exchanges while presenting a fixed
// browser fingerprint profile.
package transport

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"
)

// Response is the outcome of one successful HTTP exchange. A non-2xx status
// is still a Response; only transport-level failures become errors.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	Elapsed time.Duration
}

// Options modifies a single Fetch call.
type Options struct {
	Method   string
	Headers  http.Header
	Body     []byte
	ProxyURL string // route the exchange through this proxy when set
}

// Transport maintains one connection-pooled session per (profile, proxy)
// pair, reused across calls within the process and released by Close.
type Transport struct {
	profile Profile
	timeout time.Duration
	verify  bool

	mu           sync.Mutex
	sessions     map[string]*resty.Client
	roundTripper http.RoundTripper
	closed       bool
}

// New builds a transport presenting the named fingerprint profile.
func New(profileName string, timeout time.Duration, verify bool) *Transport {
	return &Transport{
		profile:  LookupProfile(profileName),
		timeout:  timeout,
		verify:   verify,
		sessions: make(map[string]*resty.Client),
	}
}

// WithRoundTripper replaces the round tripper on every session, existing and
// future. Used by tests to substitute a mock exchange.
func (t *Transport) WithRoundTripper(rt http.RoundTripper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roundTripper = rt
	for _, client := range t.sessions {
		client.SetTransport(rt)
	}
}

// Profile returns the fingerprint profile this transport presents.
func (t *Transport) Profile() Profile {
	return t.profile
}

// Fetch executes one exchange. Transport-level failures (timeout, connection
// reset, handshake failure) are surfaced through the retryable error
// taxonomy; they are never converted into an empty success.
func (t *Transport) Fetch(ctx context.Context, url string, opts Options) (*Response, error) {
	client, err := t.session(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req := client.R().SetContext(ctx)
	for key, values := range t.profile.Headers {
		req.SetHeader(key, values[0])
	}
	req.SetHeader("User-Agent", t.profile.UserAgent)
	for key, values := range opts.Headers {
		req.SetHeader(key, values[0])
	}
	if len(opts.Body) > 0 {
		req.SetBody(bytes.NewReader(opts.Body))
	}

	start := time.Now()
	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, Classify(err)
	}

	body, err := decodeBody(resp.Header().Get("Content-Encoding"), resp.Body())
	if err != nil {
		return nil, ErrExchange{Err: err}
	}

	return &Response{
		Status:  resp.StatusCode(),
		Headers: resp.Header(),
		Body:    body,
		Elapsed: time.Since(start),
	}, nil
}

// decodeBody reverses Content-Encoding values the session does not inflate
// itself. The profiles advertise gzip, deflate and br; the resty client only
// handles gzip.
func decodeBody(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "br":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("decode brotli body: %w", err)
		}
		return decoded, nil
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decode deflate body: %w", err)
		}
		return decoded, nil
	default:
		// gzip is inflated by the session; anything else passes through.
		return body, nil
	}
}

// Close releases all pooled sessions. The transport is unusable afterwards.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, client := range t.sessions {
		client.GetClient().CloseIdleConnections()
		delete(t.sessions, key)
	}
	t.closed = true
}

func (t *Transport) session(proxyURL string) (*resty.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrConnection{Err: fmt.Errorf("transport closed")}
	}

	key := t.profile.Name
	if proxyURL != "" {
		key += "|" + proxyURL
	}
	if client, ok := t.sessions[key]; ok {
		return client, nil
	}

	client := resty.New().
		SetTimeout(t.timeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: !t.verify}).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		// The resilience layer owns retries; the session must not retry.
		SetRetryCount(0)
	if proxyURL != "" {
		client.SetProxy(proxyURL)
	}
	if t.roundTripper != nil {
		client.SetTransport(t.roundTripper)
	}

	t.sessions[key] = client
	return client, nil
}
