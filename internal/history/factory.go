package history

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/config"
)

// FileName is the history database name inside the data directory.
const FileName = "history.db"

// NewHistoryFromConfig opens the history store named by cfg.Type.
func NewHistoryFromConfig(cfg config.DatabaseConfig, clock br.Clock) (*SQLiteHistory, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite history")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return Open(filepath.Join(cfg.DataDir, FileName), clock)
	case "memory":
		return Open(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
