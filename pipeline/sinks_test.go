package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crossretail/harvester/models"
)

func newSQLiteSink(t *testing.T) *PostgresSink {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sink := NewGormSink(db, "products")
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func sampleRecord(url string) models.NormalizedRecord {
	title := "Widget"
	price := 19.99
	return models.NormalizedRecord{
		Site:      "shop",
		URL:       url,
		Title:     &title,
		Price:     &price,
		Currency:  "USD",
		ImageURLs: []string{"https://img.test/a.jpg"},
		ScrapedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
}

func TestGormSinkEnsureSchemaIdempotent(t *testing.T) {
	sink := newSQLiteSink(t)
	ctx := context.Background()
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("second ensure must be a no-op: %v", err)
	}
}

func TestGormSinkInsertAndReadBack(t *testing.T) {
	sink := newSQLiteSink(t)
	ctx := context.Background()
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	batch := []models.NormalizedRecord{
		sampleRecord("https://shop.test/p/1"),
		sampleRecord("https://shop.test/p/2"),
	}
	rowErrs, err := sink.InsertBatch(ctx, batch)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("row errors = %v", rowErrs)
	}

	var count int64
	if err := sink.db.Table("products").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}

	var got models.NormalizedRecord
	if err := sink.db.Table("products").Where("url = ?", "https://shop.test/p/1").First(&got).Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.Title == nil || *got.Title != "Widget" {
		t.Fatalf("title = %v", got.Title)
	}
	if len(got.ImageURLs) != 1 || got.ImageURLs[0] != "https://img.test/a.jpg" {
		t.Fatalf("image urls = %v (json serializer round trip)", got.ImageURLs)
	}
}

func TestGormSinkEmptyBatchIsNoop(t *testing.T) {
	sink := newSQLiteSink(t)
	if _, err := sink.InsertBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestJSONLSinkWritesAndAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "products.jsonl")
	ctx := context.Background()

	sink := NewJSONLSink(path)
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := sink.InsertBatch(ctx, []models.NormalizedRecord{sampleRecord("https://shop.test/p/1")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening appends rather than truncates.
	sink = NewJSONLSink(path)
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if _, err := sink.InsertBatch(ctx, []models.NormalizedRecord{sampleRecord("https://shop.test/p/2")}); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec models.NormalizedRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid json: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

func TestJSONLSinkFailedBatchLeavesNoPartialRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "products.jsonl")
	ctx := context.Background()

	sink := NewJSONLSink(path)
	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	defer sink.Close()

	// The first record is large enough that a buffered writer would have
	// spilled it to disk before the second record fails to encode.
	big := sampleRecord("https://shop.test/p/1")
	title := strings.Repeat("x", 8192)
	big.Title = &title
	bad := sampleRecord("https://shop.test/p/2")
	nan := math.NaN()
	bad.Price = &nan

	if _, err := sink.InsertBatch(ctx, []models.NormalizedRecord{big, bad}); err == nil {
		t.Fatalf("expected encode error for NaN price")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("failed batch wrote %d bytes, want none", len(data))
	}
}

func TestTeeSinkFansOut(t *testing.T) {
	primary := &collectingSink{}
	secondary := &collectingSink{}
	tee := NewTeeSink(primary, secondary)
	ctx := context.Background()

	if err := tee.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := tee.InsertBatch(ctx, []models.NormalizedRecord{sampleRecord("https://shop.test/p/1")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(primary.batches) != 1 || len(secondary.batches) != 1 {
		t.Fatalf("batches = %d/%d, want 1/1", len(primary.batches), len(secondary.batches))
	}
	if err := tee.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !primary.closed || !secondary.closed {
		t.Fatalf("both sinks must close")
	}
}
