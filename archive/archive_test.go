package archive

import (
	"testing"
	"time"
)

func TestObjectKeyLayout(t *testing.T) {
	scrapedAt := time.Date(2026, 8, 20, 23, 30, 0, 0, time.FixedZone("UTC+10", 10*3600))

	// The date component is always UTC, regardless of the record's zone.
	if got, want := objectKey("amazon", "B01N5IB20Q", scrapedAt), "raw/amazon/2026-08-20/B01N5IB20Q.html"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "minio.internal:9000", want: "minio.internal:9000"},
		{in: "http://minio.internal:9000", want: "minio.internal:9000"},
		{in: "https://storage.example.test/", want: "storage.example.test"},
	}
	for _, tt := range tests {
		if got := normalizeEndpoint(tt.in); got != tt.want {
			t.Fatalf("normalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
