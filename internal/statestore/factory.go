package statestore

import (
	"fmt"
	"os"
	"path/filepath"

	"preserve-go/internal/config"
	"preserve-go/internal/pv"
)

// NewStateStoreFromConfig creates a StateStore implementation based on the
// state store config type.
func NewStateStoreFromConfig(cfg config.StateStoreConfig, hostID string, clock pv.Clock) (pv.StateStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite state store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
		s, err := NewSQLiteStateStore(filepath.Join(cfg.DataDir, hostID+".db"), clock)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStateStore(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis_addr required for redis state store")
		}
		s, err := NewRedisStateStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state store type: %s", cfg.Type)
	}
}
