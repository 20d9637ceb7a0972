// Package pipeline buffers canonical records and hands them to a storage
// sink in bounded batches.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/crossretail/harvester/models"
)

// ErrBatcherClosed is returned when Add is called after Shutdown.
var ErrBatcherClosed = errors.New("pipeline: batcher closed")

// Sink is the storage boundary consumed by the batcher.
type Sink interface {
	// EnsureSchema creates the target schema if missing and extends it if
	// present but schemaless. Never destructive.
	EnsureSchema(ctx context.Context) error
	// InsertBatch writes all records in one call, reporting per-row errors.
	InsertBatch(ctx context.Context, records []models.NormalizedRecord) ([]models.RowError, error)
	Close() error
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Added     int64
	Flushes   int64
	Inserted  int64
	Discarded int64
}

// Batcher accumulates normalized records and flushes the full buffer to the
// sink whenever it reaches the configured batch size. A batch is flushed in
// full or not at all; a failed flush is logged and the batch discarded after
// the single attempt.
type Batcher struct {
	sink Sink
	size int

	mu     sync.Mutex
	buf    []models.NormalizedRecord
	closed bool
	stats  Stats

	flushWG      sync.WaitGroup
	shutdownOnce sync.Once
}

// NewBatcher ensures the sink schema exists and returns a batcher flushing
// at batchSize records.
func NewBatcher(ctx context.Context, sink Sink, batchSize int) (*Batcher, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if err := sink.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &Batcher{
		sink: sink,
		size: batchSize,
		buf:  make([]models.NormalizedRecord, 0, batchSize),
	}, nil
}

// Add appends a record to the buffer, flushing when the batch size is
// reached. Safe for concurrent use by multiple normalization workers.
func (b *Batcher) Add(ctx context.Context, record models.NormalizedRecord) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBatcherClosed
	}
	b.buf = append(b.buf, record)
	b.stats.Added++

	var batch []models.NormalizedRecord
	if len(b.buf) >= b.size {
		batch = b.buf
		b.buf = make([]models.NormalizedRecord, 0, b.size)
		// Registered under the lock so Shutdown cannot miss this flush.
		b.flushWG.Add(1)
	}
	b.mu.Unlock()

	if batch != nil {
		defer b.flushWG.Done()
		b.flush(ctx, batch)
	}
	return nil
}

// Shutdown flushes any remaining partial buffer exactly once and closes the
// sink, waiting for size-triggered flushes already in flight. Further Adds
// fail with ErrBatcherClosed.
func (b *Batcher) Shutdown(ctx context.Context) error {
	var closeErr error
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		batch := b.buf
		b.buf = nil
		b.mu.Unlock()

		b.flushWG.Wait()
		if len(batch) > 0 {
			b.flush(ctx, batch)
		}
		closeErr = b.sink.Close()
	})
	return closeErr
}

// Stats returns a snapshot of the batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// flush writes one batch. Ingestion failures are swallowed here by design:
// the batch is discarded after a single attempt and the failure is
// observable via logs and counters.
func (b *Batcher) flush(ctx context.Context, batch []models.NormalizedRecord) {
	rowErrs, err := b.sink.InsertBatch(ctx, batch)

	b.mu.Lock()
	b.stats.Flushes++
	b.mu.Unlock()

	if err != nil {
		b.mu.Lock()
		b.stats.Discarded += int64(len(batch))
		b.mu.Unlock()
		log.Error().
			Int("batch_size", len(batch)).
			Err(err).
			Msg("batch insert failed, discarding batch")
		return
	}

	for _, rowErr := range rowErrs {
		log.Error().
			Int("row", rowErr.Index).
			Err(rowErr.Err).
			Msg("row rejected by sink")
	}

	b.mu.Lock()
	b.stats.Inserted += int64(len(batch) - len(rowErrs))
	b.stats.Discarded += int64(len(rowErrs))
	b.mu.Unlock()

	log.Debug().
		Int("batch_size", len(batch)).
		Int("row_errors", len(rowErrs)).
		Msg("batch flushed")
}
