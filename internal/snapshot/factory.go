// SPDX-License-Identifier: MIT

package snapshot

import (
	"fmt"
	"path/filepath"

	"github.com/waitline/waitline/internal/config"
)

// NewKV builds the configured snapshot backend.
func NewKV(cfg config.Config) (KV, error) {
	switch cfg.SnapshotStore {
	case "memory":
		return NewMemoryKV(), nil
	case "redis":
		return NewRedisKV(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "badger":
		return OpenBadgerKV(filepath.Join(cfg.DataDir, "snapshots"))
	default:
		return nil, fmt.Errorf("snapshot: unknown backend %q", cfg.SnapshotStore)
	}
}
