package harvester

import (
	"net/http"
	"testing"
	"time"

	"github.com/crossretail/harvester/config"
	"github.com/crossretail/harvester/models"
)

func backoffConfig() config.BackoffConfig {
	return config.BackoffConfig{
		BaseDelay:  time.Second,
		MaxRetries: 5,
		MaxWait:    300 * time.Second,
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	r := NewResilience(backoffConfig())
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 10, want: 300 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := r.backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestForRateLimitHonorsRetryAfter(t *testing.T) {
	r := NewResilience(backoffConfig())
	req := models.NewHarvestRequest("r1", "shop", "https://shop.test/p/1")

	headers := make(http.Header)
	headers.Set("Retry-After", "7")
	d := r.ForRateLimit(req, headers)
	if !d.Retry || d.Delay != 7*time.Second {
		t.Fatalf("decision = %+v, want retry in 7s", d)
	}

	// An unparseable header falls back to the computed backoff.
	headers.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	req.Attempt = 2
	d = r.ForRateLimit(req, headers)
	if !d.Retry || d.Delay != 4*time.Second {
		t.Fatalf("decision = %+v, want computed 4s backoff", d)
	}

	// Retry-After beyond the cap is clamped.
	headers.Set("Retry-After", "100000")
	d = r.ForRateLimit(req, headers)
	if d.Delay != 300*time.Second {
		t.Fatalf("delay = %s, want clamped to 300s", d.Delay)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	r := NewResilience(backoffConfig())
	req := models.NewHarvestRequest("r1", "shop", "https://shop.test/p/1")
	req.Attempt = 5

	if d := r.ForRateLimit(req, nil); d.Retry {
		t.Fatalf("rate limit decision = %+v, want terminal at max retries", d)
	}
	if d := r.ForFailure(req, "timeout"); d.Retry {
		t.Fatalf("failure decision = %+v, want terminal at max retries", d)
	}
}

func TestForFailureUsesSameAccounting(t *testing.T) {
	r := NewResilience(backoffConfig())
	req := models.NewHarvestRequest("r1", "shop", "https://shop.test/p/1")
	req.Attempt = 1

	d := r.ForFailure(req, "connection")
	if !d.Retry || d.Delay != 2*time.Second || d.Reason != "connection" {
		t.Fatalf("decision = %+v", d)
	}
}
