// Package models defines data structures shared across the harvester.
package models

import "time"

// RawRecord is what the external parser collaborator hands the core for one
// successfully fetched page. The core makes no assumptions about extraction
// correctness; every field may be missing or garbage.
type RawRecord struct {
	Site   string
	URL    string
	Fields map[string]any
	Body   []byte
}

// NormalizedRecord is the canonical, schema-conformant product record.
// Missing values are nil pointers, never omitted keys. Immutable once
// produced by the normalizer.
type NormalizedRecord struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	ProductID    *string   `json:"product_id" gorm:"column:product_id;index"`
	Site         string    `json:"site" gorm:"column:site;index"`
	URL          string    `json:"url" gorm:"column:url"`
	Title        *string   `json:"title" gorm:"column:title"`
	Description  *string   `json:"description" gorm:"column:description"`
	Price        *float64  `json:"price" gorm:"column:price"`
	Currency     string    `json:"currency" gorm:"column:currency"`
	Rating       *float64  `json:"rating" gorm:"column:rating"`
	ReviewCount  *int64    `json:"review_count" gorm:"column:review_count"`
	Availability *string   `json:"availability" gorm:"column:availability"`
	ImageURLs    []string  `json:"image_urls" gorm:"serializer:json;column:image_urls"`
	ScrapedAt    time.Time `json:"scraped_at" gorm:"column:scraped_at;index"`
	ArchivePath  string    `json:"archive_path,omitempty" gorm:"column:archive_path"`
}

// RowError reports a sink-side failure for a single record within a batch.
type RowError struct {
	Index int
	Err   error
}

// HarvestResult summarizes a finished harvest run.
type HarvestResult struct {
	StartTime    time.Time
	EndTime      time.Time
	RequestCount int
	SuccessCount int
	RetryCount   int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
}
