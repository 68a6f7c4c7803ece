package archive

import (
	"context"
	"fmt"
)

// Type selects an archive backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// Config selects and configures the backend.
type Config struct {
	Type       Type   `yaml:"type"`
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
}

// NewFromConfig builds the configured store. An empty type means fs.
func NewFromConfig(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeFS:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive dir is required for fs storage")
		}
		return NewFileStore(cfg.Dir)
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case TypeGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARCHIVE_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}
