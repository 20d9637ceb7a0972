package pipeline

import (
	"context"
	"errors"

	"github.com/crossretail/harvester/models"
)

// TeeSink fans every batch out to two sinks, typically the warehouse plus a
// local JSONL audit trail.
type TeeSink struct {
	primary   Sink
	secondary Sink
}

// NewTeeSink builds a sink writing to both arguments.
func NewTeeSink(primary, secondary Sink) *TeeSink {
	return &TeeSink{primary: primary, secondary: secondary}
}

// EnsureSchema ensures both target schemas.
func (t *TeeSink) EnsureSchema(ctx context.Context) error {
	if err := t.primary.EnsureSchema(ctx); err != nil {
		return err
	}
	return t.secondary.EnsureSchema(ctx)
}

// InsertBatch writes to both sinks. Per-row errors are reported from the
// primary; a secondary failure fails the call so the batcher's discard
// accounting stays honest.
func (t *TeeSink) InsertBatch(ctx context.Context, records []models.NormalizedRecord) ([]models.RowError, error) {
	rowErrs, err := t.primary.InsertBatch(ctx, records)
	if err != nil {
		return rowErrs, err
	}
	if _, err := t.secondary.InsertBatch(ctx, records); err != nil {
		return rowErrs, err
	}
	return rowErrs, nil
}

// Close closes both sinks, returning the first error.
func (t *TeeSink) Close() error {
	return errors.Join(t.primary.Close(), t.secondary.Close())
}
