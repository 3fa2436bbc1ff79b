package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/docat/internal/config"
	"github.com/fruitsalade/docat/internal/storage/local"
	s3backend "github.com/fruitsalade/docat/internal/storage/s3"
)

// NewBackendFromConfig creates the configured staging backend.
func NewBackendFromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StagingBackend {
	case "", "local":
		return local.New(cfg.StagingPath())
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown staging backend: %s", cfg.StagingBackend)
	}
}
