// SPDX-License-Identifier: MIT

package push

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/waitline/waitline/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePushStore implements Store in memory.
type fakePushStore struct {
	mu     sync.Mutex
	subs   map[string][]queue.PushSubscription // sessionID/partyID -> subs
	events []queue.EventRecord
}

func newFakePushStore() *fakePushStore {
	return &fakePushStore{subs: make(map[string][]queue.PushSubscription)}
}

func (f *fakePushStore) addSub(sub queue.PushSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sub.SessionID + "/" + sub.PartyID
	f.subs[key] = append(f.subs[key], sub)
}

func (f *fakePushStore) PushSubscriptionsByParty(_ context.Context, sessionID, partyID string) ([]queue.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.PushSubscription(nil), f.subs[sessionID+"/"+partyID]...), nil
}

func (f *fakePushStore) DeletePushSubscription(_ context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, subs := range f.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.Endpoint != endpoint {
				kept = append(kept, s)
			}
		}
		f.subs[key] = kept
	}
	return nil
}

func (f *fakePushStore) HasPushSent(_ context.Context, sessionID, partyID string, kind queue.PushKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.SessionID == sessionID && ev.PartyID == partyID &&
			ev.Type == queue.EvPushSent && ev.Details["kind"] == string(kind) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePushStore) AppendEvent(_ context.Context, rec queue.EventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, rec)
	return nil
}

func (f *fakePushStore) pushSentCount(partyID string, kind queue.PushKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.PartyID == partyID && ev.Type == queue.EvPushSent && ev.Details["kind"] == string(kind) {
			n++
		}
	}
	return n
}

type sentMsg struct {
	endpoint string
	payload  payload
}

// fakeSender records deliveries and can fail per endpoint.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail map[string]error // endpoint -> error
}

func (s *fakeSender) Send(_ context.Context, sub queue.PushSubscription, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[sub.Endpoint]; err != nil {
		return err
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.sent = append(s.sent, sentMsg{endpoint: sub.Endpoint, payload: p})
	return nil
}

func (s *fakeSender) deliveries() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.sent...)
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchDeliversToAllSubscriptions(t *testing.T) {
	store := newFakePushStore()
	sender := &fakeSender{}
	store.addSub(queue.PushSubscription{SessionID: "s1", PartyID: "p1", Endpoint: "ep-1"})
	store.addSub(queue.PushSubscription{SessionID: "s1", PartyID: "p1", Endpoint: "ep-2"})

	d := NewDispatcher(store, sender, "https://app.example")
	runDispatcher(t, d)

	d.Enqueue([]queue.PushEvent{{SessionID: "s1", Code: "ABCDEF", PartyID: "p1", Kind: queue.PushPos2}})

	waitFor(t, func() bool { return len(sender.deliveries()) == 2 })
	got := sender.deliveries()[0].payload
	assert.Equal(t, "pos_2", got.Kind)
	assert.Equal(t, "https://app.example/q/ABCDEF", got.URL)
	assert.Equal(t, 1, store.pushSentCount("p1", queue.PushPos2))
}

func TestDispatchDedupsPerPartyAndKind(t *testing.T) {
	store := newFakePushStore()
	sender := &fakeSender{}
	store.addSub(queue.PushSubscription{SessionID: "s1", PartyID: "p1", Endpoint: "ep-1"})

	d := NewDispatcher(store, sender, "")
	runDispatcher(t, d)

	ev := queue.PushEvent{SessionID: "s1", PartyID: "p1", Kind: queue.PushCalled, Deadline: time.Now().Add(time.Minute).UnixMilli()}
	d.Enqueue([]queue.PushEvent{ev})
	waitFor(t, func() bool { return store.pushSentCount("p1", queue.PushCalled) == 1 })

	// Second emission of the same kind is skipped by the durable dedup.
	d.Enqueue([]queue.PushEvent{ev})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sender.deliveries(), 1)
	assert.Equal(t, 1, store.pushSentCount("p1", queue.PushCalled))
}

func TestDispatchTestKindBypassesDedup(t *testing.T) {
	store := newFakePushStore()
	sender := &fakeSender{}
	store.addSub(queue.PushSubscription{SessionID: "s1", PartyID: "p1", Endpoint: "ep-1"})

	d := NewDispatcher(store, sender, "")
	runDispatcher(t, d)

	ev := queue.PushEvent{SessionID: "s1", PartyID: "p1", Kind: queue.PushTest}
	d.Enqueue([]queue.PushEvent{ev})
	d.Enqueue([]queue.PushEvent{ev})

	waitFor(t, func() bool { return len(sender.deliveries()) == 2 })
	assert.Equal(t, 0, store.pushSentCount("p1", queue.PushTest))
}

func TestDispatchDeletesGoneSubscriptions(t *testing.T) {
	store := newFakePushStore()
	sender := &fakeSender{fail: map[string]error{"ep-dead": ErrSubscriptionGone}}
	store.addSub(queue.PushSubscription{SessionID: "s1", PartyID: "p1", Endpoint: "ep-dead"})
	store.addSub(queue.PushSubscription{SessionID: "s1", PartyID: "p1", Endpoint: "ep-live"})

	d := NewDispatcher(store, sender, "")
	runDispatcher(t, d)

	d.Enqueue([]queue.PushEvent{{SessionID: "s1", PartyID: "p1", Kind: queue.PushPos5}})

	waitFor(t, func() bool {
		subs, _ := store.PushSubscriptionsByParty(context.Background(), "s1", "p1")
		return len(subs) == 1
	})
	subs, err := store.PushSubscriptionsByParty(context.Background(), "s1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ep-live", subs[0].Endpoint)
	assert.Len(t, sender.deliveries(), 1)
}

func TestDispatchNoSubscriptionsRecordsNothing(t *testing.T) {
	store := newFakePushStore()
	sender := &fakeSender{}

	d := NewDispatcher(store, sender, "")
	runDispatcher(t, d)

	d.Enqueue([]queue.PushEvent{{SessionID: "s1", PartyID: "p-none", Kind: queue.PushCalled}})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.deliveries())
	assert.Equal(t, 0, store.pushSentCount("p-none", queue.PushCalled))
}

func TestComposeCalledPayloadRoundsUpMinutes(t *testing.T) {
	now := time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)

	cases := []struct {
		remaining time.Duration
		wantMins  string
	}{
		{90 * time.Second, "2"},
		{120 * time.Second, "2"},
		{30 * time.Second, "1"},
		{-10 * time.Second, "1"}, // past deadline still reads 1
	}
	for _, tc := range cases {
		data, err := composePayload(queue.PushEvent{
			Kind:     queue.PushCalled,
			Deadline: now.Add(tc.remaining).UnixMilli(),
		}, "", now)
		require.NoError(t, err)
		var p payload
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Contains(t, p.Body, tc.wantMins+" min", "remaining %s", tc.remaining)
	}
}
