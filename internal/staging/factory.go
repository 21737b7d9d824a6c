package staging

import (
	"fmt"

	"locker-go/internal/config"
	"locker-go/internal/locker"
)

// NewStagingAreaFromConfig creates a StagingArea based on the config type.
// encryptor may be nil.
func NewStagingAreaFromConfig(cfg config.StagingConfig, encryptor locker.Encryptor) (*StagingArea, error) {
	opts := Options{Hash: cfg.Hash, Encryptor: encryptor}

	switch cfg.Type {
	case "memory":
		return NewMemoryStagingArea(cfg.MaxSize, opts)
	case "filesystem":
		if cfg.StagingDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires staging_dir to be set")
		}
		return NewFileSystemStagingArea(cfg.StagingDir, cfg.MaxSize, opts)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
