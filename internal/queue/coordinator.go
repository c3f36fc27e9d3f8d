// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/metrics"
)

// storeTimeout bounds every durable write issued from inside the critical
// section. No call may block the coordinator indefinitely.
const storeTimeout = 5 * time.Second

// Coordinator is the singleton actor for one session. All mutations and all
// reads that could observe intermediate state run under mu; different
// sessions run in parallel.
type Coordinator struct {
	mu sync.Mutex

	sess    *Session
	queue   []*Party // waiting parties, oldest joined-at first
	serving *Party
	// deadline is the call deadline in unix ms; 0 iff serving is nil.
	deadline int64
	// pendingPartyID is the party the deadline was armed for; the alarm
	// only fires a no-show if that party still occupies the slot.
	pendingPartyID string
	closed         bool
	terminated     bool
	createdAt      int64 // unix ms
	lastActivity   int64 // unix ms

	subs      *subscribers
	hbRunning bool
	// lastPositions remembers the last position fanned out per waiting
	// party so that only changes produce frames.
	lastPositions map[string]int
	// slot0 and slot3 track who occupied queue indices 0 and 3 at the
	// last fan-out; a change while a party is serving triggers the
	// pos_2 / pos_5 push events.
	slot0, slot3 string

	alarm   *time.Timer
	alarmAt int64 // unix ms of the scheduled fire, 0 = none

	pendingPush     map[string]PushKind
	pendingDeadline map[string]int64
	pushTimer       *time.Timer

	store    DurableLog
	snaps    Snapshots
	push     PushSink
	now      func() time.Time
	testMode bool
	// onTerminate is invoked (on its own goroutine) when the session
	// reaches its terminal state, so the registry can evict the actor.
	onTerminate func(sessionID string)

	logger zerolog.Logger
}

// Deps carries the collaborators every coordinator needs.
type Deps struct {
	Store    DurableLog
	Snaps    Snapshots
	Push     PushSink
	Now      func() time.Time
	TestMode bool
	// OnTerminate is called after a session closes; optional.
	OnTerminate func(sessionID string)
}

func (d *Deps) fill() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Push == nil {
		d.Push = NopPushSink{}
	}
	if d.OnTerminate == nil {
		d.OnTerminate = func(string) {}
	}
}

// newCoordinator builds a coordinator around restored or fresh state.
// The caller hands over ownership of queue and serving.
func newCoordinator(sess *Session, st *State, deps Deps) *Coordinator {
	deps.fill()
	c := &Coordinator{
		sess:            sess,
		subs:            newSubscribers(),
		lastPositions:   make(map[string]int),
		pendingPush:     make(map[string]PushKind),
		pendingDeadline: make(map[string]int64),
		store:           deps.Store,
		snaps:           deps.Snaps,
		push:            deps.Push,
		now:             deps.Now,
		testMode:        deps.TestMode,
		onTerminate:     deps.OnTerminate,
		createdAt:       sess.CreatedAt,
		logger: log.WithComponent("coordinator").With().
			Str(log.FieldSessionID, sess.ID).
			Str(log.FieldCode, sess.Code).Logger(),
	}
	c.lastActivity = deps.Now().UnixMilli()
	if st != nil {
		c.queue = st.Queue
		c.serving = st.NowServing
		c.closed = st.Closed
		c.deadline = st.CallDeadline
		c.pendingPartyID = st.PendingPartyID
	}
	if c.serving != nil {
		// Track current slot occupants so restoration does not re-fire
		// pos_2 / pos_5 for parties already notified.
		if len(c.queue) > 0 {
			c.slot0 = c.queue[0].ID
		}
		if len(c.queue) > 3 {
			c.slot3 = c.queue[3].ID
		}
	}
	c.mu.Lock()
	c.scheduleAlarmLocked()
	c.mu.Unlock()
	return c
}

// Session returns a copy of the session identity.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.sess
}

// JoinResult is the response to a successful join.
type JoinResult struct {
	PartyID         string
	Position        int
	QueueLength     int
	EstimatedWaitMs int64
}

// Join appends a new waiting party. The durable insert is the one write
// where log truth comes before memory truth: if it fails, the join fails and
// nothing is mutated.
func (c *Coordinator) Join(ctx context.Context, name string, size int) (JoinResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return JoinResult{}, ErrSessionClosed
	}
	if size < 0 {
		return JoinResult{}, fmt.Errorf("%w: party size must be positive", ErrBadRequest)
	}
	if size == 0 {
		size = 1
	}
	if c.liveGuestCountLocked()+size > c.sess.MaxGuests {
		return JoinResult{}, ErrQueueFull
	}

	nowMs := c.now().UnixMilli()
	p := &Party{
		ID:       uuid.NewString(),
		Name:     name,
		Size:     size,
		Status:   PartyWaiting,
		JoinedAt: nowMs,
	}

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.store.InsertParty(sctx, c.sess.ID, p); err != nil {
		return JoinResult{}, fmt.Errorf("join: durable insert: %w", err)
	}
	if err := c.store.AppendEvent(sctx, EventRecord{
		SessionID: c.sess.ID, PartyID: p.ID, Type: EvJoined, TS: nowMs,
		Details: map[string]string{"size": fmt.Sprint(size)},
	}); err != nil {
		// Roll back: the party must not exist in the log without its event.
		if derr := c.store.UpdatePartyStatus(sctx, p.ID, PartyLeft); derr != nil {
			c.logger.Error().Err(derr).Str(log.FieldPartyID, p.ID).Msg("join rollback failed")
		}
		return JoinResult{}, fmt.Errorf("join: event append: %w", err)
	}

	ahead := len(c.queue) + c.servingCountLocked()
	c.queue = append(c.queue, p)
	c.touchLocked(nowMs)
	metrics.PartiesJoinedTotal.Inc()
	c.logger.Info().Str(log.FieldPartyID, p.ID).Int("size", size).Str(log.FieldEvent, "party.joined").Msg("party joined")

	c.enqueuePushLocked(p.ID, PushJoinConfirm, 0)
	c.fanOutLocked(ctx)

	return JoinResult{
		PartyID:         p.ID,
		Position:        ahead + 1,
		QueueLength:     len(c.queue) + c.servingCountLocked(),
		EstimatedWaitMs: int64(ahead) * AvgServiceTime.Milliseconds(),
	}, nil
}

// DeclareNearby flags a live party as nearby. Idempotent.
func (c *Coordinator) DeclareNearby(ctx context.Context, partyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.findLiveLocked(partyID)
	if p == nil {
		return ErrNotFound
	}
	already := p.Nearby
	p.Nearby = true

	nowMs := c.now().UnixMilli()
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if !already {
		if err := c.store.SetPartyNearby(sctx, partyID, true); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldPartyID, partyID).Msg("persist nearby flag failed")
		}
	}
	c.appendEventLocked(sctx, EventRecord{SessionID: c.sess.ID, PartyID: partyID, Type: EvNudgeAck, TS: nowMs})
	c.touchLocked(nowMs)
	c.fanOutLocked(ctx)
	return nil
}

// Leave removes a party at the guest's request.
func (c *Coordinator) Leave(ctx context.Context, partyID string) error {
	return c.removeParty(ctx, partyID, PartyLeft, "guest_left", "left")
}

// Kick removes a party at the host's request. Credential checks happen at
// the transport boundary.
func (c *Coordinator) Kick(ctx context.Context, partyID string) error {
	return c.removeParty(ctx, partyID, PartyKicked, "kicked", "kicked")
}

func (c *Coordinator) removeParty(ctx context.Context, partyID string, status PartyStatus, logReason, wireReason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.findLiveLocked(partyID)
	if p == nil {
		return ErrNotFound
	}
	c.detachLocked(partyID)
	p.Status = status

	nowMs := c.now().UnixMilli()
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.store.UpdatePartyStatus(sctx, partyID, status); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldPartyID, partyID).Msg("persist party status failed")
	}
	c.appendEventLocked(sctx, EventRecord{
		SessionID: c.sess.ID, PartyID: partyID, Type: EvLeft, TS: nowMs,
		Details: map[string]string{"reason": logReason},
	})
	c.touchLocked(nowMs)
	metrics.PartiesRemovedTotal.WithLabelValues(logReason).Inc()
	c.logger.Info().Str(log.FieldPartyID, partyID).Str(log.FieldReason, logReason).Str(log.FieldEvent, "party.removed").Msg("party removed")

	c.subs.dropGuest(partyID, RemovedNotice{Type: "removed", Reason: wireReason}, wireReason)
	c.fanOutLocked(ctx)
	return nil
}

// Advance serves the current party and/or calls the next one.
//
// When servedPartyID is empty and a party is already serving, the slot is
// left untouched: promoting another party would put two parties in called
// state at once. Naming a nextPartyID in that situation is rejected rather
// than silently ignored.
func (c *Coordinator) Advance(ctx context.Context, servedPartyID, nextPartyID string) (*Party, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrSessionClosed
	}

	nowMs := c.now().UnixMilli()
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	if servedPartyID != "" {
		if c.serving == nil || c.serving.ID != servedPartyID {
			return nil, fmt.Errorf("%w: servedParty is not the serving party", ErrBadRequest)
		}
		served := c.serving
		served.Status = PartyServed
		c.serving = nil
		c.deadline = 0
		c.pendingPartyID = ""
		if err := c.store.UpdatePartyStatus(sctx, served.ID, PartyServed); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldPartyID, served.ID).Msg("persist served status failed")
		}
		c.appendEventLocked(sctx, EventRecord{SessionID: c.sess.ID, PartyID: served.ID, Type: EvServed, TS: nowMs})
		metrics.PartiesRemovedTotal.WithLabelValues("served").Inc()
		c.subs.dropGuest(served.ID, RemovedNotice{Type: "removed", Reason: "served"}, "served")
	} else if c.serving != nil {
		if nextPartyID != "" {
			return nil, fmt.Errorf("%w: serving slot is occupied, confirm servedParty first", ErrBadRequest)
		}
		// Slot occupied and the host did not serve it: keep it.
		c.touchLocked(nowMs)
		out := *c.serving
		return &out, nil
	}

	next, err := c.promoteLocked(sctx, nextPartyID, nowMs)
	if err != nil {
		return nil, err
	}

	c.touchLocked(nowMs)
	metrics.AdvanceTotal.Inc()
	c.fanOutLocked(ctx)
	if next == nil {
		return nil, nil
	}
	out := *next
	return &out, nil
}

// promoteLocked moves a waiting party into the empty serving slot and arms
// the call deadline. With an empty queue and no explicit pick it is a no-op.
func (c *Coordinator) promoteLocked(sctx context.Context, nextPartyID string, nowMs int64) (*Party, error) {
	var next *Party
	if nextPartyID != "" {
		for i, p := range c.queue {
			if p.ID == nextPartyID {
				next = p
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		if next == nil {
			return nil, ErrNotFound
		}
	} else if len(c.queue) > 0 {
		next = c.queue[0]
		c.queue = c.queue[1:]
	}
	if next == nil {
		return nil, nil
	}

	next.Status = PartyCalled
	c.serving = next
	c.deadline = nowMs + CallWindow.Milliseconds()
	c.pendingPartyID = next.ID
	delete(c.lastPositions, next.ID)

	if err := c.store.UpdatePartyStatus(sctx, next.ID, PartyCalled); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldPartyID, next.ID).Msg("persist called status failed")
	}
	c.appendEventLocked(sctx, EventRecord{SessionID: c.sess.ID, PartyID: next.ID, Type: EvCalled, TS: nowMs})
	c.logger.Info().Str(log.FieldPartyID, next.ID).Int64("deadline", c.deadline).Str(log.FieldEvent, "party.called").Msg("party called")

	c.subs.toGuest(next.ID, newCalledNotice(c.deadline))
	c.enqueuePushLocked(next.ID, PushCalled, c.deadline)
	return next, nil
}

// Close terminates the session. Idempotent: closing a closed session is ok.
func (c *Coordinator) Close(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(ctx, reason)
}

func (c *Coordinator) closeLocked(ctx context.Context, reason string) error {
	if c.closed {
		return nil
	}
	c.closed = true

	nowMs := c.now().UnixMilli()
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()

	live := make([]*Party, 0, len(c.queue)+1)
	live = append(live, c.queue...)
	if c.serving != nil {
		live = append(live, c.serving)
	}
	for _, p := range live {
		p.Status = PartyClosed
		if err := c.store.UpdatePartyStatus(sctx, p.ID, PartyClosed); err != nil {
			c.logger.Warn().Err(err).Str(log.FieldPartyID, p.ID).Msg("persist closed status failed")
		}
	}
	c.queue = nil
	c.serving = nil
	c.deadline = 0
	c.pendingPartyID = ""
	c.lastPositions = make(map[string]int)
	c.slot0, c.slot3 = "", ""

	if err := c.store.SetSessionStatus(sctx, c.sess.ID, SessionClosed); err != nil {
		c.logger.Error().Err(err).Msg("persist session close failed")
	}
	c.appendEventLocked(sctx, EventRecord{
		SessionID: c.sess.ID, Type: EvClosed, TS: nowMs,
		Details: map[string]string{"reason": reason},
	})
	c.sess.Status = SessionClosed
	c.writeSnapshotLocked(sctx)

	c.subs.closeAll(ClosedNotice{Type: "closed"}, "closed")
	c.flushPushLocked()
	c.stopAlarmLocked()
	metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	c.logger.Info().Str(log.FieldReason, reason).Str(log.FieldEvent, "session.closed").Msg("session closed")

	go c.onTerminate(c.sess.ID)
	return nil
}

// Stop detaches the coordinator without closing the session: final snapshot,
// timers stopped, subscribers disconnected. Used on daemon shutdown.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.terminated = true
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	c.writeSnapshotLocked(sctx)
	c.flushPushLocked()
	c.stopAlarmLocked()
	c.subs.closeAll(ClosedNotice{Type: "closed"}, "closed")
}

// --- helpers ---

// storeCtx derives a bounded context for durable writes. It survives caller
// cancellation so that an already-started write completes.
func (c *Coordinator) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func (c *Coordinator) servingCountLocked() int {
	if c.serving != nil {
		return 1
	}
	return 0
}

func (c *Coordinator) liveGuestCountLocked() int {
	total := 0
	for _, p := range c.queue {
		total += p.GuestCount()
	}
	if c.serving != nil {
		total += c.serving.GuestCount()
	}
	return total
}

// findLiveLocked returns the live party with the given id, or nil.
func (c *Coordinator) findLiveLocked(partyID string) *Party {
	if c.serving != nil && c.serving.ID == partyID {
		return c.serving
	}
	for _, p := range c.queue {
		if p.ID == partyID {
			return p
		}
	}
	return nil
}

// detachLocked removes a party from the queue or clears the serving slot.
func (c *Coordinator) detachLocked(partyID string) {
	if c.serving != nil && c.serving.ID == partyID {
		c.serving = nil
		c.deadline = 0
		c.pendingPartyID = ""
		return
	}
	for i, p := range c.queue {
		if p.ID == partyID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	delete(c.lastPositions, partyID)
}

func (c *Coordinator) touchLocked(nowMs int64) {
	c.lastActivity = nowMs
	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.TouchSession(sctx, c.sess.ID, nowMs); err != nil {
		c.logger.Debug().Err(err).Msg("touch session failed")
	}
}

// appendEventLocked appends a secondary event record. Failures here are
// logged, not surfaced: memory is the source of truth for everything except
// the join insert.
func (c *Coordinator) appendEventLocked(sctx context.Context, ev EventRecord) {
	if err := c.store.AppendEvent(sctx, ev); err != nil {
		metrics.EventAppendFailuresTotal.Inc()
		c.logger.Warn().Err(err).Str("type", ev.Type).Msg("event append failed")
	}
}

func (c *Coordinator) stateLocked() *State {
	queue := make([]*Party, len(c.queue))
	copy(queue, c.queue)
	return &State{
		Queue:          queue,
		NowServing:     c.serving,
		Closed:         c.closed,
		PendingPartyID: c.pendingPartyID,
		MaxGuests:      c.sess.MaxGuests,
		CallDeadline:   c.deadline,
	}
}

// writeSnapshotLocked persists the current state. Non-fatal: the next
// mutation rewrites it.
func (c *Coordinator) writeSnapshotLocked(sctx context.Context) {
	if err := c.snaps.PutState(sctx, c.sess.ID, c.stateLocked(), SnapshotTTL); err != nil {
		metrics.SnapshotWriteFailuresTotal.Inc()
		c.logger.Warn().Err(err).Msg("snapshot write failed")
	}
}
