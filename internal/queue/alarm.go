// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/metrics"
)

// The coordinator keeps at most one alarm outstanding. It is armed for the
// earlier of the call deadline and the next lifecycle check; arming an
// earlier alarm replaces the existing one. Firing on a session whose state
// has moved on is a no-op.

func (c *Coordinator) scheduleAlarmLocked() {
	if c.closed || c.terminated {
		c.stopAlarmLocked()
		return
	}
	nowMs := c.now().UnixMilli()
	at := nowMs + LifecycleCheckInterval.Milliseconds()
	if c.deadline > 0 && c.deadline < at {
		at = c.deadline
	}
	if c.alarm != nil && c.alarmAt == at {
		return
	}
	d := time.Duration(at-nowMs) * time.Millisecond
	if d < 0 {
		d = 0
	}
	c.alarmAt = at
	if c.alarm == nil {
		c.alarm = time.AfterFunc(d, c.onAlarm)
		return
	}
	c.alarm.Stop()
	c.alarm.Reset(d)
}

func (c *Coordinator) stopAlarmLocked() {
	if c.alarm != nil {
		c.alarm.Stop()
	}
	c.alarmAt = 0
}

// onAlarm re-enters the serialized path from the timer goroutine.
func (c *Coordinator) onAlarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.terminated {
		return
	}

	ctx := context.Background()
	nowMs := c.now().UnixMilli()

	// 1. Call window expiry. Only if the slot is still occupied by the
	// party the deadline was armed for.
	if c.serving != nil && c.deadline > 0 && c.serving.ID == c.pendingPartyID &&
		(c.testMode || nowMs >= c.deadline) {
		c.expireServingLocked(ctx, nowMs)
	}

	// 2. Drain pending batched pushes.
	c.flushPushLocked()

	// 3. Hard lifetime cap.
	if nowMs-c.createdAt >= MaxLifetime.Milliseconds() {
		_ = c.closeLocked(ctx, "max_lifetime_exceeded")
		return
	}

	// 4. Idle session with an empty roster.
	if nowMs-c.lastActivity >= InactiveTimeout.Milliseconds() &&
		len(c.queue) == 0 && c.serving == nil {
		_ = c.closeLocked(ctx, "inactivity")
		return
	}

	// 5. Keep the lifecycle alarm running.
	c.scheduleAlarmLocked()
}

// expireServingLocked marks the overdue serving party no-show and promotes
// the head of the queue, same path as an explicit advance.
func (c *Coordinator) expireServingLocked(ctx context.Context, nowMs int64) {
	expired := c.serving
	expired.Status = PartyNoShow
	c.serving = nil
	c.deadline = 0
	c.pendingPartyID = ""

	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	if err := c.store.UpdatePartyStatus(sctx, expired.ID, PartyNoShow); err != nil {
		c.logger.Warn().Err(err).Str(log.FieldPartyID, expired.ID).Msg("persist no-show status failed")
	}
	c.appendEventLocked(sctx, EventRecord{SessionID: c.sess.ID, PartyID: expired.ID, Type: EvNoShow, TS: nowMs})
	metrics.NoShowTotal.Inc()
	metrics.PartiesRemovedTotal.WithLabelValues("no_show").Inc()
	c.logger.Info().Str(log.FieldPartyID, expired.ID).Str(log.FieldEvent, "party.no_show").Msg("call window expired")

	c.subs.dropGuest(expired.ID, RemovedNotice{Type: "removed", Reason: "no_show"}, "no_show")

	// Auto-advance: promote the head of the queue, if any.
	if _, err := c.promoteLocked(sctx, "", nowMs); err != nil {
		c.logger.Error().Err(err).Msg("auto-advance after no-show failed")
	}
	c.fanOutLocked(ctx)
}

// heartbeatLoop emits a keepalive to connected subscribers. It exits when
// the last subscriber is gone and is restarted on the next subscribe.
func (c *Coordinator) heartbeatLoop() {
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for range t.C {
		c.mu.Lock()
		if c.terminated || c.closed || c.subs.empty() {
			c.hbRunning = false
			c.mu.Unlock()
			return
		}
		c.subs.ping()
		c.mu.Unlock()
	}
}
