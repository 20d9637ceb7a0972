package harvester

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/crossretail/harvester/config"
	"github.com/crossretail/harvester/models"
	"github.com/crossretail/harvester/parser"
	"github.com/crossretail/harvester/pipeline"
	"github.com/crossretail/harvester/router"
	"github.com/crossretail/harvester/transport"
)

type memorySink struct {
	mu      sync.Mutex
	records []models.NormalizedRecord
}

func (ms *memorySink) EnsureSchema(context.Context) error { return nil }

func (ms *memorySink) InsertBatch(_ context.Context, records []models.NormalizedRecord) ([]models.RowError, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records = append(ms.records, records...)
	return nil, nil
}

func (ms *memorySink) Close() error { return nil }

func (ms *memorySink) all() []models.NormalizedRecord {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]models.NormalizedRecord, len(ms.records))
	copy(out, ms.records)
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Channels.Policy = "fixed-proxy"
	cfg.Channels.Proxy = config.ProxyChannel{
		Username: "user",
		Password: "pass",
		Endpoint: "proxy.example.test:8080",
	}
	cfg.Backoff = config.BackoffConfig{
		BaseDelay:  time.Millisecond,
		MaxRetries: 3,
		MaxWait:    20 * time.Millisecond,
	}
	cfg.Dispatch.Concurrency = 4
	cfg.Dispatch.DomainConcurrency = 2
	return cfg
}

func productPage(title string) string {
	return `<html><head>
		<meta property="og:title" content="` + title + `">
		<meta property="product:price:amount" content="19.99">
		<meta property="product:price:currency" content="USD">
		<meta property="og:availability" content="in stock">
	</head></html>`
}

func newTestHarvester(t *testing.T, cfg *config.Config, mock *httpmock.MockTransport, sink pipeline.Sink) *Harvester {
	t.Helper()
	tr := transport.New("chrome110", 5*time.Second, true)
	t.Cleanup(tr.Close)
	tr.WithRoundTripper(mock)

	rt, err := router.New(cfg.Channels, tr)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	rt.WithRoundTripper(mock)

	batcher, err := pipeline.NewBatcher(context.Background(), sink, 2)
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}

	registry := parser.NewRegistry()
	registry.Register("shop", parser.GenericHTML())

	return New(cfg, rt, batcher, registry, WithMetrics(NewMetrics()))
}

func TestHarvestEndToEnd(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "https://shop.example.test/p/ok",
		htmlResponder(200, productPage("Widget Deluxe")))
	mock.RegisterResponder("GET", "https://shop.example.test/p/gone",
		httpmock.NewStringResponder(404, "nope"))

	var limitedCalls, flakyCalls int
	var callMu sync.Mutex
	mock.RegisterResponder("GET", "https://shop.example.test/p/limited",
		func(*http.Request) (*http.Response, error) {
			callMu.Lock()
			defer callMu.Unlock()
			limitedCalls++
			if limitedCalls == 1 {
				resp := httpmock.NewStringResponse(429, "slow down")
				resp.Header.Set("Retry-After", "0")
				return resp, nil
			}
			return htmlResponse(200, productPage("Limited Widget")), nil
		})
	mock.RegisterResponder("GET", "https://shop.example.test/p/flaky",
		func(*http.Request) (*http.Response, error) {
			callMu.Lock()
			defer callMu.Unlock()
			flakyCalls++
			if flakyCalls == 1 {
				return nil, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}
			}
			return htmlResponse(200, productPage("Flaky Widget")), nil
		})

	sink := &memorySink{}
	h := newTestHarvester(t, testConfig(), mock, sink)

	for _, target := range []string{
		"https://shop.example.test/p/ok",
		"https://shop.example.test/p/limited",
		"https://shop.example.test/p/flaky",
		"https://shop.example.test/p/gone",
	} {
		if err := h.Submit(models.NewHarvestRequest(target, "shop", target)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if result.RequestCount != 4 {
		t.Fatalf("requests = %d, want 4", result.RequestCount)
	}
	if result.SuccessCount != 3 {
		t.Fatalf("success = %d, want 3 (failed: %v, errors: %v)",
			result.SuccessCount, result.FailedURLs, result.ErrorsByType)
	}
	if result.ErrorCount != 1 || result.ErrorsByType["http_status"] != 1 {
		t.Fatalf("errors = %d %v, want one http_status failure", result.ErrorCount, result.ErrorsByType)
	}
	if result.RetryCount != 2 {
		t.Fatalf("retries = %d, want 2 (one 429, one connection reset)", result.RetryCount)
	}

	records := sink.all()
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	byTitle := make(map[string]models.NormalizedRecord)
	for _, rec := range records {
		if rec.Title == nil {
			t.Fatalf("record without title: %+v", rec)
		}
		byTitle[*rec.Title] = rec
	}
	rec, ok := byTitle["Widget Deluxe"]
	if !ok {
		t.Fatalf("missing record, got %v", byTitle)
	}
	if rec.Price == nil || *rec.Price != 19.99 || rec.Currency != "USD" {
		t.Fatalf("price = %v %s", rec.Price, rec.Currency)
	}
	if rec.Availability == nil || *rec.Availability != "in_stock" {
		t.Fatalf("availability = %v", rec.Availability)
	}
	if rec.Site != "shop" {
		t.Fatalf("site = %q", rec.Site)
	}
}

func TestHarvestRetriesExhaustTerminally(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "https://shop.example.test/p/always-limited",
		httpmock.NewStringResponder(429, "slow down"))

	cfg := testConfig()
	cfg.Backoff.MaxRetries = 2

	sink := &memorySink{}
	h := newTestHarvester(t, cfg, mock, sink)

	target := "https://shop.example.test/p/always-limited"
	if err := h.Submit(models.NewHarvestRequest("r1", "shop", target)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := h.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if result.RetryCount != 2 {
		t.Fatalf("retries = %d, want the full budget of 2", result.RetryCount)
	}
	if result.ErrorCount != 1 || result.ErrorsByType["rate_limited"] != 1 {
		t.Fatalf("errors = %v, want one terminal rate_limited", result.ErrorsByType)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != target {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("no records expected")
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	mock := httpmock.NewMockTransport()
	sink := &memorySink{}
	h := newTestHarvester(t, testConfig(), mock, sink)

	req := models.NewHarvestRequest("r1", "shop", "https://shop.example.test/p/1")
	req.NotBefore = time.Now().Add(time.Hour)
	if err := h.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !h.Cancel("r1") {
		t.Fatalf("cancel must succeed for a queued request")
	}

	done := make(chan *models.HarvestResult, 1)
	go func() {
		result, _ := h.Run(context.Background())
		done <- result
	}()

	select {
	case result := <-done:
		if result.SuccessCount != 0 || result.ErrorCount != 0 {
			t.Fatalf("cancelled request produced an outcome: %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not drain after cancellation")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "https://shop.example.test/p/1",
		htmlResponder(200, productPage("Widget")))

	sink := &memorySink{}
	h := newTestHarvester(t, testConfig(), mock, sink)

	req := models.NewHarvestRequest("r1", "shop", "https://shop.example.test/p/1")
	req.NotBefore = time.Now().Add(time.Hour)
	if err := h.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.Run(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop on cancellation")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	mock := httpmock.NewMockTransport()
	sink := &memorySink{}
	h := newTestHarvester(t, testConfig(), mock, sink)

	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := h.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.Submit(models.NewHarvestRequest("r1", "shop", "https://shop.example.test/p/1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after shutdown = %v, want ErrClosed", err)
	}
}

func htmlResponse(status int, body string) *http.Response {
	resp := httpmock.NewStringResponse(status, body)
	resp.Header.Set("Content-Type", "text/html")
	return resp
}

func htmlResponder(status int, body string) httpmock.Responder {
	return httpmock.ResponderFromResponse(htmlResponse(status, body))
}
