// Package archive stores raw fetched bodies in S3-compatible object storage
// so normalized records can carry a reference back to the page they came
// from.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/crossretail/harvester/config"
)

// Store uploads raw page bodies. Archival is best-effort: a failed upload is
// logged and the record proceeds without a reference.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a store against the configured S3-compatible endpoint.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, normalizeEndpoint(cfg.Endpoint)))
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads one raw body under raw/{site}/{date}/{productID}.html and
// returns the object key. A missing product id is archived under "unknown".
func (s *Store) Put(ctx context.Context, site, productID string, scrapedAt time.Time, body []byte) (string, error) {
	if site == "" {
		site = "unknown"
	}
	if productID == "" {
		productID = "unknown"
	}
	key := objectKey(site, productID, scrapedAt)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/html"),
	})
	if err != nil {
		return "", fmt.Errorf("archive put %q: %w", key, err)
	}

	log.Debug().Str("key", key).Int("bytes", len(body)).Msg("raw body archived")
	return key, nil
}

func objectKey(site, productID string, scrapedAt time.Time) string {
	return fmt.Sprintf("raw/%s/%s/%s.html", site, scrapedAt.UTC().Format("2006-01-02"), productID)
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimSuffix(endpoint, "/")
}
