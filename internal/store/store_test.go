// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waitline/waitline/internal/queue"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "waitline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createSession(t *testing.T, s *Store) *queue.Session {
	t.Helper()
	sess := &queue.Session{
		ID:        "sess-" + t.Name(),
		EventName: "Dinner Service",
		MaxGuests: 20,
		Status:    queue.SessionActive,
		CreatedAt: 1_750_000_000_000,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func TestCreateSessionAllocatesValidCode(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)

	require.Len(t, sess.Code, queue.CodeLength)
	for _, r := range sess.Code {
		assert.True(t, strings.ContainsRune(queue.CodeAlphabet, r), "glyph %q", r)
	}
}

func TestGetSessionByCodeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)

	got, err := s.GetSessionByCode(context.Background(), sess.Code)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, sess.EventName, got.EventName)
	assert.Equal(t, sess.MaxGuests, got.MaxGuests)
	assert.Equal(t, queue.SessionActive, got.Status)
}

func TestGetSessionByCodeUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSessionByCode(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestSetSessionStatus(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)

	require.NoError(t, s.SetSessionStatus(context.Background(), sess.ID, queue.SessionClosed))
	got, err := s.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.SessionClosed, got.Status)
}

func TestLivePartiesOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)
	ctx := context.Background()

	parties := []*queue.Party{
		{ID: "p1", Name: "Alice", Size: 2, Status: queue.PartyWaiting, JoinedAt: 100},
		{ID: "p2", Name: "Bob", Size: 1, Status: queue.PartyCalled, JoinedAt: 50},
		{ID: "p3", Name: "Carol", Size: 1, Status: queue.PartyWaiting, JoinedAt: 200},
	}
	for _, p := range parties {
		require.NoError(t, s.InsertParty(ctx, sess.ID, p))
	}
	require.NoError(t, s.UpdatePartyStatus(ctx, "p3", queue.PartyLeft))

	live, err := s.LiveParties(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, live, 2)
	// Ordered by joined-at.
	assert.Equal(t, "p2", live[0].ID)
	assert.Equal(t, "p1", live[1].ID)
}

func TestLivePartiesTiesBreakByInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)
	ctx := context.Background()

	// Same joined-at millisecond.
	require.NoError(t, s.InsertParty(ctx, sess.ID, &queue.Party{ID: "first", Status: queue.PartyWaiting, JoinedAt: 100}))
	require.NoError(t, s.InsertParty(ctx, sess.ID, &queue.Party{ID: "second", Status: queue.PartyWaiting, JoinedAt: 100}))

	live, err := s.LiveParties(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "first", live[0].ID)
	assert.Equal(t, "second", live[1].ID)
}

func TestSetPartyNearby(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.InsertParty(ctx, sess.ID, &queue.Party{ID: "p1", Status: queue.PartyWaiting, JoinedAt: 1}))
	require.NoError(t, s.SetPartyNearby(ctx, "p1", true))

	live, err := s.LiveParties(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.True(t, live[0].Nearby)
}

func TestEventsAndLastEventTS(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)
	ctx := context.Background()

	for _, ev := range []queue.EventRecord{
		{SessionID: sess.ID, PartyID: "p1", Type: queue.EvJoined, TS: 100},
		{SessionID: sess.ID, PartyID: "p1", Type: queue.EvCalled, TS: 200},
		{SessionID: sess.ID, PartyID: "p1", Type: queue.EvCalled, TS: 300},
		{SessionID: sess.ID, PartyID: "p2", Type: queue.EvCalled, TS: 400},
	} {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	ts, err := s.LastEventTS(ctx, sess.ID, "p1", queue.EvCalled)
	require.NoError(t, err)
	assert.Equal(t, int64(300), ts)

	ts, err = s.LastEventTS(ctx, sess.ID, "p1", queue.EvNoShow)
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestHasPushSentMatchesKind(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, queue.EventRecord{
		SessionID: sess.ID, PartyID: "p1", Type: queue.EvPushSent, TS: 100,
		Details: map[string]string{"kind": "called"},
	}))

	sent, err := s.HasPushSent(ctx, sess.ID, "p1", queue.PushCalled)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = s.HasPushSent(ctx, sess.ID, "p1", queue.PushPos2)
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = s.HasPushSent(ctx, sess.ID, "p2", queue.PushCalled)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestPushSubscriptionUpsertAndDelete(t *testing.T) {
	s := newTestStore(t)
	sess := createSession(t, s)
	ctx := context.Background()

	sub := queue.PushSubscription{
		SessionID: sess.ID, PartyID: "p1",
		Endpoint: "https://push.example/ep1", P256DH: "key", Auth: "auth",
	}
	require.NoError(t, s.UpsertPushSubscription(ctx, sub))

	// Re-opt-in with the same endpoint replaces the record.
	sub.PartyID = "p2"
	require.NoError(t, s.UpsertPushSubscription(ctx, sub))

	subs, err := s.PushSubscriptionsByParty(ctx, sess.ID, "p1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	subs, err = s.PushSubscriptionsByParty(ctx, sess.ID, "p2")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ep1", subs[0].Endpoint)

	require.NoError(t, s.DeletePushSubscription(ctx, sub.Endpoint))
	subs, err = s.PushSubscriptionsByParty(ctx, sess.ID, "p2")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waitline.db")
	s, err := New(path)
	require.NoError(t, err)
	sess := createSession(t, s)
	require.NoError(t, s.Close())

	// Reopen: schema version already current, data intact.
	s2, err := New(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Code, got.Code)
}
