// SPDX-License-Identifier: MIT

package queue

import "time"

// Pending pushes are coalesced per party with priority called > pos_2 >
// pos_5; a short delay groups bursts into one dispatcher cycle.

func (c *Coordinator) enqueuePushLocked(partyID string, kind PushKind, deadline int64) {
	if existing, ok := c.pendingPush[partyID]; ok && pushPriority(existing) >= pushPriority(kind) {
		return
	}
	c.pendingPush[partyID] = kind
	if deadline > 0 {
		c.pendingDeadline[partyID] = deadline
	} else {
		delete(c.pendingDeadline, partyID)
	}
	if c.pushTimer == nil {
		c.pushTimer = time.AfterFunc(PushCoalesceDelay, c.flushPush)
	}
}

func (c *Coordinator) flushPush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushPushLocked()
}

func (c *Coordinator) flushPushLocked() {
	if c.pushTimer != nil {
		c.pushTimer.Stop()
		c.pushTimer = nil
	}
	if len(c.pendingPush) == 0 {
		return
	}
	events := make([]PushEvent, 0, len(c.pendingPush))
	for partyID, kind := range c.pendingPush {
		events = append(events, PushEvent{
			SessionID: c.sess.ID,
			Code:      c.sess.Code,
			PartyID:   partyID,
			Kind:      kind,
			Deadline:  c.pendingDeadline[partyID],
		})
	}
	c.pendingPush = make(map[string]PushKind)
	c.pendingDeadline = make(map[string]int64)
	c.push.Enqueue(events)
}
