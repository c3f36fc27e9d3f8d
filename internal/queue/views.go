// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// HostView is the host-scoped snapshot, also the ETag'd polling payload.
type HostView struct {
	Queue        []*Party `json:"queue"`
	NowServing   *Party   `json:"nowServing"`
	MaxGuests    int      `json:"maxGuests"`
	CallDeadline *int64   `json:"callDeadline"`
	Closed       bool     `json:"closed"`
}

// GuestView is the party-scoped snapshot for polling guests.
type GuestView struct {
	PartyID         string      `json:"partyId"`
	Status          PartyStatus `json:"status"`
	Position        int         `json:"position,omitempty"`
	AheadCount      int         `json:"aheadCount"`
	QueueLength     int         `json:"queueLength"`
	EstimatedWaitMs int64       `json:"estimatedWaitMs"`
	CallDeadline    *int64      `json:"callDeadline,omitempty"`
	Closed          bool        `json:"closed"`
}

// HostSnapshot returns the full host view.
func (c *Coordinator) HostSnapshot() HostView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostViewLocked()
}

func (c *Coordinator) hostViewLocked() HostView {
	queue := make([]*Party, len(c.queue))
	for i, p := range c.queue {
		cp := *p
		queue[i] = &cp
	}
	v := HostView{Queue: queue, MaxGuests: c.sess.MaxGuests, Closed: c.closed}
	if c.serving != nil {
		cp := *c.serving
		v.NowServing = &cp
	}
	if c.deadline > 0 {
		d := c.deadline
		v.CallDeadline = &d
	}
	return v
}

// GuestSnapshot returns the party-scoped view. Unknown parties yield
// ErrNotFound.
func (c *Coordinator) GuestSnapshot(partyID string) (GuestView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := GuestView{PartyID: partyID, Closed: c.closed}
	if c.closed {
		v.Status = PartyClosed
		return v, nil
	}
	if c.serving != nil && c.serving.ID == partyID {
		v.Status = PartyCalled
		if c.deadline > 0 {
			d := c.deadline
			v.CallDeadline = &d
		}
		v.QueueLength = len(c.queue) + 1
		return v, nil
	}
	for i, p := range c.queue {
		if p.ID != partyID {
			continue
		}
		ahead := i + c.servingCountLocked()
		v.Status = PartyWaiting
		v.Position = ahead + 1
		v.AheadCount = ahead
		v.QueueLength = len(c.queue) + c.servingCountLocked()
		v.EstimatedWaitMs = int64(ahead) * AvgServiceTime.Milliseconds()
		return v, nil
	}
	return GuestView{}, ErrNotFound
}

// Subscribe registers a subscriber and delivers its initial view. Host
// credential checks happen at the transport boundary; guests must reference
// a live party unless the session already closed.
func (c *Coordinator) Subscribe(role Role, partyID string) (*Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &Subscriber{
		ID:      uuid.NewString(),
		Role:    role,
		PartyID: partyID,
		ch:      make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
	}

	switch role {
	case RoleHost:
		if c.closed {
			c.subs.add(sub)
			c.subs.send(sub, ClosedNotice{Type: "closed"})
			c.subs.remove(sub.ID, "closed")
			return sub, nil
		}
		c.subs.add(sub)
		c.subs.send(sub, newQueueUpdate(c.hostViewLocked().Queue, c.serving, c.sess.MaxGuests, c.deadline))
	case RoleGuest:
		if c.closed {
			// Deliver the terminal frame and disconnect immediately.
			c.subs.add(sub)
			c.subs.send(sub, ClosedNotice{Type: "closed"})
			c.subs.remove(sub.ID, "closed")
			return sub, nil
		}
		if c.serving != nil && c.serving.ID == partyID {
			c.subs.add(sub)
			c.subs.send(sub, newCalledNotice(c.deadline))
		} else if p := c.findLiveLocked(partyID); p != nil {
			c.subs.add(sub)
			c.subs.send(sub, c.positionUpdateLocked(partyID))
		} else {
			c.subs.add(sub)
			c.subs.send(sub, RemovedNotice{Type: "removed", Reason: "served"})
			c.subs.remove(sub.ID, "served")
			return sub, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown subscriber role %q", ErrBadRequest, role)
	}

	if !c.hbRunning {
		c.hbRunning = true
		go c.heartbeatLoop()
	}
	return sub, nil
}

// Unsubscribe deregisters a subscriber; called by the transport on socket
// close or send error.
func (c *Coordinator) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs.remove(id, "gone")
}

func (c *Coordinator) positionUpdateLocked(partyID string) PositionUpdate {
	for i, p := range c.queue {
		if p.ID == partyID {
			ahead := i + c.servingCountLocked()
			return PositionUpdate{
				Type:            "position",
				Position:        ahead + 1,
				AheadCount:      ahead,
				QueueLength:     len(c.queue) + c.servingCountLocked(),
				EstimatedWaitMs: int64(ahead) * AvgServiceTime.Milliseconds(),
			}
		}
	}
	return PositionUpdate{Type: "position"}
}

// fanOutLocked runs after every mutation: snapshot write, host broadcast,
// per-guest position deltas and the pos_2 / pos_5 push triggers.
func (c *Coordinator) fanOutLocked(ctx context.Context) {
	sctx, cancel := c.storeCtx(ctx)
	defer cancel()
	c.writeSnapshotLocked(sctx)

	if c.closed {
		return
	}

	c.subs.toHosts(newQueueUpdate(c.hostViewLocked().Queue, c.serving, c.sess.MaxGuests, c.deadline))

	// Position deltas for waiting guests.
	current := make(map[string]int, len(c.queue))
	for i, p := range c.queue {
		pos := i + c.servingCountLocked() + 1
		current[p.ID] = pos
		if last, ok := c.lastPositions[p.ID]; !ok || last != pos {
			c.subs.toGuest(p.ID, c.positionUpdateLocked(p.ID))
		}
	}
	c.lastPositions = current

	// pos_2 / pos_5 push triggers: fire when the occupant of queue index 0
	// or 3 changes while a party is serving (their positions are then 2
	// and 5).
	var cur0, cur3 string
	if c.serving != nil {
		if len(c.queue) > 0 {
			cur0 = c.queue[0].ID
		}
		if len(c.queue) > 3 {
			cur3 = c.queue[3].ID
		}
		if cur0 != "" && cur0 != c.slot0 {
			c.enqueuePushLocked(cur0, PushPos2, 0)
		}
		if cur3 != "" && cur3 != c.slot3 {
			c.enqueuePushLocked(cur3, PushPos5, 0)
		}
	}
	c.slot0, c.slot3 = cur0, cur3

	c.scheduleAlarmLocked()
}
