package pipeline

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/crossretail/harvester/models"
)

// PostgresSink streams batches into a warehouse table through gorm.
type PostgresSink struct {
	db    *gorm.DB
	table string
}

// NewPostgresSink connects to the warehouse. PreferSimpleProtocol keeps the
// sink compatible with transaction poolers.
func NewPostgresSink(dsn, table string) (*PostgresSink, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresSink{db: db, table: table}, nil
}

// NewGormSink wraps an existing gorm handle; used by tests to run the sink
// against sqlite.
func NewGormSink(db *gorm.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, table: table}
}

// EnsureSchema creates the target table if missing and adds any missing
// columns if it exists without them. AutoMigrate never drops or renames.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&models.NormalizedRecord{}); err != nil {
		return fmt.Errorf("ensure schema %q: %w", s.table, err)
	}
	return nil
}

// InsertBatch writes the batch in one statement. If the statement is
// rejected, rows are re-tried individually so callers learn exactly which
// rows failed; the batch as a whole is still reported inserted-or-discarded
// by the caller.
func (s *PostgresSink) InsertBatch(ctx context.Context, records []models.NormalizedRecord) ([]models.RowError, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Table(s.table).Create(&records).Error; err == nil {
		return nil, nil
	}

	var rowErrs []models.RowError
	for i := range records {
		if err := s.db.WithContext(ctx).Table(s.table).Create(&records[i]).Error; err != nil {
			rowErrs = append(rowErrs, models.RowError{Index: i, Err: err})
		}
	}
	if len(rowErrs) == len(records) {
		return rowErrs, fmt.Errorf("all %d rows rejected: %w", len(records), rowErrs[0].Err)
	}
	return rowErrs, nil
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
