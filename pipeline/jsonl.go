package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crossretail/harvester/models"
)

// JSONLSink appends newline-delimited JSON records to a local file. Useful
// for dry runs and as the default sink when no warehouse is configured.
type JSONLSink struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink builds a sink writing to the given path.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

// EnsureSchema creates the output directory and file. For a file sink the
// schema is the file itself; an existing file is appended to, never
// truncated.
func (s *JSONLSink) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open jsonl file: %w", err)
	}
	s.file = f
	return nil
}

// InsertBatch appends records in JSONL format. The whole batch is encoded
// before anything reaches the file, so a failed batch leaves no partial
// records behind.
func (s *JSONLSink) InsertBatch(ctx context.Context, records []models.NormalizedRecord) ([]models.RowError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, fmt.Errorf("jsonl sink: schema not ensured")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	if _, err := s.file.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write jsonl batch: %w", err)
	}
	return nil, nil
}

// Close closes the file handle.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
