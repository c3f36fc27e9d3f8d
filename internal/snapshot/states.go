// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/waitline/waitline/internal/queue"
)

const stateKeyPrefix = "state:"

// StateStore adapts a KV into the typed queue.Snapshots port.
type StateStore struct {
	kv KV
}

// NewStateStore wraps a KV backend.
func NewStateStore(kv KV) *StateStore {
	return &StateStore{kv: kv}
}

func (s *StateStore) PutState(ctx context.Context, sessionID string, st *queue.State, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("snapshot: marshal state: %w", err)
	}
	return s.kv.Put(ctx, stateKeyPrefix+sessionID, data, ttl)
}

func (s *StateStore) GetState(ctx context.Context, sessionID string) (*queue.State, bool, error) {
	data, ok, err := s.kv.Get(ctx, stateKeyPrefix+sessionID)
	if err != nil || !ok {
		return nil, false, err
	}
	var st queue.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("snapshot: unmarshal state: %w", err)
	}
	return &st, true, nil
}

func (s *StateStore) DeleteState(ctx context.Context, sessionID string) error {
	return s.kv.Delete(ctx, stateKeyPrefix+sessionID)
}

var _ queue.Snapshots = (*StateStore)(nil)
