// SPDX-License-Identifier: MIT

package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/queue"
)

// kvContract exercises the behavior every backend must share.
func kvContract(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Put(ctx, "k", []byte("v1"), time.Hour))
	data, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), data)

	// Overwrite wins.
	require.NoError(t, kv.Put(ctx, "k", []byte("v2"), time.Hour))
	data, _, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing key is not an error.
	require.NoError(t, kv.Delete(ctx, "k"))
}

func TestMemoryKVContract(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	kvContract(t, kv)
}

func TestMemoryKVExpiry(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(10 * time.Millisecond)
	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKVCopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	ctx := context.Background()

	val := []byte("orig")
	require.NoError(t, kv.Put(ctx, "k", val, time.Hour))
	val[0] = 'X'

	data, _, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), data)
}

func TestRedisKVContract(t *testing.T) {
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer kv.Close()
	kvContract(t, kv)
}

func TestRedisKVTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerKVContract(t *testing.T) {
	kv, err := OpenBadgerKV(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()
	kvContract(t, kv)
}

func TestNewKVFactory(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		kv, err := NewKV(config.Config{SnapshotStore: "memory"})
		require.NoError(t, err)
		defer kv.Close()
		kvContract(t, kv)
	})

	t.Run("badger", func(t *testing.T) {
		kv, err := NewKV(config.Config{SnapshotStore: "badger", DataDir: t.TempDir()})
		require.NoError(t, err)
		defer kv.Close()
		kvContract(t, kv)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewKV(config.Config{SnapshotStore: "etcd"})
		assert.Error(t, err)
	})
}

func TestStateStoreRoundTrip(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	states := NewStateStore(kv)
	ctx := context.Background()

	deadline := int64(1_750_000_000_000)
	st := &queue.State{
		Queue: []*queue.Party{
			{ID: "p1", Name: "Alice", Size: 2, Status: queue.PartyWaiting, JoinedAt: 1},
		},
		NowServing:     &queue.Party{ID: "p0", Status: queue.PartyCalled, JoinedAt: 0},
		PendingPartyID: "p0",
		MaxGuests:      10,
		CallDeadline:   deadline,
	}
	require.NoError(t, states.PutState(ctx, "sess-1", st, time.Hour))

	got, ok, err := states.GetState(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, got)

	require.NoError(t, states.DeleteState(ctx, "sess-1"))
	_, ok, err = states.GetState(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
