// Package jobs keeps the harvest job lifecycle records read by
// status-polling clients. Records expire after a bounded retention TTL.
package jobs

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/crossretail/harvester/models"
)

// Store is an in-process TTL'd key-value store of job records.
type Store struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, models.Job]
}

// NewStore builds a store retaining at most capacity records for ttl each.
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Store{
		cache: expirable.NewLRU[string, models.Job](capacity, nil, ttl),
	}
}

// Create registers a new pending job.
func (s *Store) Create(id string) models.Job {
	job := models.Job{
		ID:        id,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.cache.Add(id, job)
	s.mu.Unlock()
	return job
}

// SetStatus transitions a job, stamping completion time and error on the
// terminal states. Unknown ids are ignored (the record may have expired).
func (s *Store) SetStatus(id string, status models.JobStatus, jobErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.cache.Get(id)
	if !ok {
		return
	}
	job.Status = status
	if status == models.JobCompleted || status == models.JobFailed {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	if jobErr != nil {
		job.Error = jobErr.Error()
	}
	s.cache.Add(id, job)
}

// Get returns the job record for id.
func (s *Store) Get(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(id)
}
