package blobstore

import (
	"context"
	"fmt"

	"locker-go/internal/config"
	"locker-go/internal/locker"
)

// NewBlobStoreFromConfig creates a BlobStore implementation based on the config type.
func NewBlobStoreFromConfig(ctx context.Context, cfg config.BlobStoreConfig, clock locker.Clock) (locker.BlobStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBlobStore(clock), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 blob store requires s3_bucket to be set")
		}
		return NewS3BlobStoreFromConfig(ctx, cfg)
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem blob store requires root to be set")
		}
		return NewFileSystemBlobStore(cfg.Root)
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}
