package database

import (
	"context"
	"fmt"
	"path/filepath"

	"locker-go/internal/config"
)

// NewDatabaseFromConfig opens and migrates the Database selected by cfg.Type.
func NewDatabaseFromConfig(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, "locker.db"))
	case "memory":
		return NewSQLiteDatabase(":memory:")
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for postgres database")
		}
		return NewPostgresDatabase(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
