package harvester

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crossretail/harvester/config"
	"github.com/crossretail/harvester/models"
)

// Decision is the resilience verdict for one failed dispatch: either retry
// after Delay or give the request up.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Resilience decides whether and when a failed request is redispatched. It
// holds no timers and spawns nothing; retries become queue entries with a
// not-before time, consumed by the dispatch loop like any other request.
type Resilience struct {
	cfg config.BackoffConfig
}

// NewResilience builds a controller from the backoff configuration.
func NewResilience(cfg config.BackoffConfig) *Resilience {
	return &Resilience{cfg: cfg}
}

// ForRateLimit decides the retry for a 429 response. A parseable Retry-After
// header wins over the computed backoff; either way the wait is capped.
func (r *Resilience) ForRateLimit(req *models.HarvestRequest, headers http.Header) Decision {
	if req.Attempt >= r.cfg.MaxRetries {
		return Decision{Reason: "rate_limited"}
	}
	delay := r.backoff(req.Attempt)
	if headers != nil {
		if secs, err := strconv.Atoi(headers.Get("Retry-After")); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
		}
	}
	if delay > r.cfg.MaxWait {
		delay = r.cfg.MaxWait
	}
	return Decision{Retry: true, Delay: delay, Reason: "rate_limited"}
}

// ForFailure decides the retry for a transport error or a failed channel
// response, using the same attempt accounting as rate limits.
func (r *Resilience) ForFailure(req *models.HarvestRequest, reason string) Decision {
	if req.Attempt >= r.cfg.MaxRetries {
		return Decision{Reason: reason}
	}
	return Decision{Retry: true, Delay: r.backoff(req.Attempt), Reason: reason}
}

// backoff doubles the base delay per consumed attempt, capped at MaxWait.
func (r *Resilience) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= r.cfg.MaxWait {
			return r.cfg.MaxWait
		}
	}
	if delay > r.cfg.MaxWait {
		delay = r.cfg.MaxWait
	}
	return delay
}
