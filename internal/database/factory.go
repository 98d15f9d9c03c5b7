package database

import (
	"fmt"
	"os"
	"path/filepath"

	"cbak-go/internal/cbak"
	"cbak-go/internal/config"
)

// NewIndexFromConfig opens the index described by the database config.
// A sqlite index lives at <data_dir>/<hostID>.db.
func NewIndexFromConfig(cfg config.DatabaseConfig, hostID string, clock cbak.Clock, idgen cbak.IDGenerator) (*SQLiteIndex, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteIndex(filepath.Join(cfg.DataDir, hostID+".db"), clock, idgen)
	case "memory":
		return NewSQLiteIndex(":memory:", clock, idgen)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
