// SPDX-License-Identifier: MIT

// Package queue implements the per-session waitlist coordinator: the
// authoritative ordering of waiting parties, the now-serving slot with its
// bounded call window, subscriber fan-out and durable persistence.
package queue

import "time"

// Timing constants of the queue core. Fixed, not configurable.
const (
	// CallWindow is how long a called party has to confirm presence.
	CallWindow = 120 * time.Second
	// InactiveTimeout auto-closes a session with an empty roster after
	// this much inactivity.
	InactiveTimeout = 2 * time.Hour
	// MaxLifetime is the hard cap on session age.
	MaxLifetime = 12 * time.Hour
	// HeartbeatInterval is the subscriber keepalive period.
	HeartbeatInterval = 30 * time.Second
	// LifecycleCheckInterval bounds the gap between alarm fires.
	LifecycleCheckInterval = 15 * time.Minute
	// AvgServiceTime is the per-party estimate used for wait projections.
	AvgServiceTime = 3 * time.Minute
	// PushCoalesceDelay groups push bursts into one dispatcher cycle.
	PushCoalesceDelay = 3 * time.Second
	// SnapshotTTL bounds how long a stale snapshot may outlive its session.
	SnapshotTTL = 13 * time.Hour
)

// CodeAlphabet is the short-code alphabet. Ambiguous glyphs (I, O, 0, 1)
// are excluded.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the short-code length.
const CodeLength = 6

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// PartyStatus is the lifecycle status of a party.
type PartyStatus string

const (
	PartyWaiting PartyStatus = "waiting"
	PartyCalled  PartyStatus = "called"
	PartyServed  PartyStatus = "served"
	PartyLeft    PartyStatus = "left"
	PartyKicked  PartyStatus = "kicked"
	PartyNoShow  PartyStatus = "no_show"
	// PartyClosed marks parties terminated by session close.
	PartyClosed PartyStatus = "closed"
)

// Live reports whether the status keeps the party in the live roster.
func (s PartyStatus) Live() bool {
	return s == PartyWaiting || s == PartyCalled
}

// Session is the durable identity and configuration of one queue.
type Session struct {
	ID          string        `json:"id"`
	Code        string        `json:"code"`
	EventName   string        `json:"eventName"`
	MaxGuests   int           `json:"maxGuests"`
	Location    string        `json:"location,omitempty"`
	ContactInfo string        `json:"contactInfo,omitempty"`
	OpenTime    string        `json:"openTime,omitempty"`
	CloseTime   string        `json:"closeTime,omitempty"`
	Status      SessionStatus `json:"status"`
	CreatedAt   int64         `json:"createdAt"` // unix ms
}

// Party is one guest or group holding a slot in a session.
type Party struct {
	ID       string      `json:"id"`
	Name     string      `json:"name,omitempty"`
	Size     int         `json:"size"`
	Status   PartyStatus `json:"status"`
	Nearby   bool        `json:"nearby"`
	JoinedAt int64       `json:"joinedAt"` // unix ms
}

// GuestCount returns the party size, defaulting to 1 when unset.
func (p *Party) GuestCount() int {
	if p.Size <= 0 {
		return 1
	}
	return p.Size
}

// State is the serialized live state of a session, written to the snapshot
// store after every mutation and used for restart and polling clients.
type State struct {
	Queue      []*Party `json:"queue"`
	NowServing *Party   `json:"nowServing"`
	Closed     bool     `json:"closed"`
	// PendingPartyID is the party the current call deadline was armed for.
	// The alarm only marks a no-show if this party still occupies the slot.
	PendingPartyID string `json:"pendingPartyId,omitempty"`
	MaxGuests      int    `json:"maxGuests"`
	CallDeadline   int64  `json:"callDeadline,omitempty"` // unix ms, 0 = none
}

// EventRecord is one append-only entry in the durable log.
type EventRecord struct {
	SessionID string            `json:"sessionId"`
	PartyID   string            `json:"partyId,omitempty"`
	Type      string            `json:"type"`
	TS        int64             `json:"ts"` // unix ms
	Details   map[string]string `json:"details,omitempty"`
}

// Durable log event types.
const (
	EvSessionCreated = "session_created"
	EvJoined         = "joined"
	EvNudgeAck       = "nudge_ack"
	EvLeft           = "left"
	EvCalled         = "called"
	EvServed         = "served"
	EvNoShow         = "no_show"
	EvClosed         = "closed"
	EvPushSent       = "push_sent"
)

// PushKind identifies the notification class of a push event.
type PushKind string

const (
	PushCalled      PushKind = "called"
	PushPos2        PushKind = "pos_2"
	PushPos5        PushKind = "pos_5"
	PushJoinConfirm PushKind = "join_confirm"
	PushTest        PushKind = "test"
)

// pushPriority orders coalesced pending pushes: called > pos_2 > pos_5.
func pushPriority(k PushKind) int {
	switch k {
	case PushCalled:
		return 3
	case PushPos2:
		return 2
	case PushPos5:
		return 1
	default:
		return 0
	}
}

// PushEvent is one out-of-band notification trigger handed to the dispatcher.
type PushEvent struct {
	SessionID string
	// Code is the session short code, used for the click-through URL.
	Code    string
	PartyID string
	Kind    PushKind
	// Deadline is the call deadline in unix ms; set for PushCalled only.
	Deadline int64
}

// PushSubscription is a stored Web Push endpoint for a party.
type PushSubscription struct {
	SessionID string `json:"sessionId"`
	PartyID   string `json:"partyId"`
	Endpoint  string `json:"endpoint"`
	P256DH    string `json:"p256dh"`
	Auth      string `json:"auth"`
	CreatedAt int64  `json:"createdAt"` // unix ms
}
