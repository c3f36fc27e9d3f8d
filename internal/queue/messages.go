// SPDX-License-Identifier: MIT

package queue

// Subscriber message variants. Every frame carries a "type" discriminator;
// the shapes mirror the wire contract exactly.

// QueueUpdate is the host view sent after every mutation.
type QueueUpdate struct {
	Type         string   `json:"type"` // "queue_update"
	Queue        []*Party `json:"queue"`
	NowServing   *Party   `json:"nowServing"`
	MaxGuests    int      `json:"maxGuests"`
	CallDeadline *int64   `json:"callDeadline"` // unix ms, null when no one is called
}

// PositionUpdate tells a guest where it stands.
type PositionUpdate struct {
	Type            string `json:"type"` // "position"
	Position        int    `json:"position"`
	AheadCount      int    `json:"aheadCount"`
	QueueLength     int    `json:"queueLength"`
	EstimatedWaitMs int64  `json:"estimatedWaitMs"`
}

// CalledNotice tells a guest it was promoted to the serving slot.
type CalledNotice struct {
	Type     string `json:"type"` // "called"
	Deadline *int64 `json:"deadline"`
}

// RemovedNotice tells a guest about its terminal transition.
type RemovedNotice struct {
	Type   string `json:"type"` // "removed"
	Reason string `json:"reason"`
}

// ClosedNotice announces session termination to any subscriber.
type ClosedNotice struct {
	Type string `json:"type"` // "closed"
}

// Ping is the periodic keepalive frame.
type Ping struct {
	Type string `json:"type"` // "ping"
}

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"` // "pong"
}

func newQueueUpdate(queue []*Party, serving *Party, maxGuests int, deadline int64) QueueUpdate {
	u := QueueUpdate{Type: "queue_update", Queue: queue, NowServing: serving, MaxGuests: maxGuests}
	if deadline > 0 {
		d := deadline
		u.CallDeadline = &d
	}
	if u.Queue == nil {
		u.Queue = []*Party{}
	}
	return u
}

func newCalledNotice(deadline int64) CalledNotice {
	n := CalledNotice{Type: "called"}
	if deadline > 0 {
		d := deadline
		n.Deadline = &d
	}
	return n
}
