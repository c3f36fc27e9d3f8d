// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"time"
)

// DurableLog is the append-only record behind every coordinator. All calls
// happen inside the per-session critical section and must use short, bounded
// timeouts.
type DurableLog interface {
	// GetSession loads a session by id.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// SetSessionStatus marks a session active or closed.
	SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error
	// TouchSession records last activity for lifecycle decisions.
	TouchSession(ctx context.Context, sessionID string, ts int64) error

	// InsertParty records a freshly joined party with a live status.
	InsertParty(ctx context.Context, sessionID string, p *Party) error
	// UpdatePartyStatus moves a party to a new status.
	UpdatePartyStatus(ctx context.Context, partyID string, status PartyStatus) error
	// SetPartyNearby flips the nearby flag.
	SetPartyNearby(ctx context.Context, partyID string, nearby bool) error
	// LiveParties returns the waiting and called parties of a session,
	// ordered by joined-at, for cold-start reconstruction.
	LiveParties(ctx context.Context, sessionID string) ([]*Party, error)

	// AppendEvent appends one event record.
	AppendEvent(ctx context.Context, ev EventRecord) error
	// LastEventTS returns the timestamp (unix ms) of the most recent event
	// of the given type for the party, or 0 if none exists.
	LastEventTS(ctx context.Context, sessionID, partyID, eventType string) (int64, error)
}

// Snapshots stores the most recent serialized state per session.
type Snapshots interface {
	PutState(ctx context.Context, sessionID string, st *State, ttl time.Duration) error
	GetState(ctx context.Context, sessionID string) (*State, bool, error)
	DeleteState(ctx context.Context, sessionID string) error
}

// PushSink accepts coalesced push events from coordinators. Enqueue must not
// block; it is called from inside the critical section.
type PushSink interface {
	Enqueue(events []PushEvent)
}

// NopPushSink discards all events. Used when push is disabled.
type NopPushSink struct{}

func (NopPushSink) Enqueue([]PushEvent) {}
