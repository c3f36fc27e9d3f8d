// SPDX-License-Identifier: MIT

// Package snapshot holds the most recent serialized queue state per session.
// It is a small TTL'd key-value store with memory, Redis and Badger backends.
package snapshot

import (
	"context"
	"time"
)

// KV is the byte-level store behind the typed snapshot API.
type KV interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
