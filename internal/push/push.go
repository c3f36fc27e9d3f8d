// SPDX-License-Identifier: MIT

// Package push delivers Web Push notifications for queue events. The
// dispatcher consumes coalesced event batches from the coordinators,
// deduplicates once-per-party kinds against the durable log and hands
// composed payloads to a Sender.
package push

import (
	"context"
	"errors"

	"github.com/waitline/waitline/internal/queue"
)

// ErrSubscriptionGone signals that the push service rejected the endpoint
// permanently (HTTP 404 or 410) and the subscription must be deleted.
var ErrSubscriptionGone = errors.New("push: subscription gone")

// Sender delivers one payload to one subscription endpoint.
type Sender interface {
	Send(ctx context.Context, sub queue.PushSubscription, payload []byte) error
}

// Store is the durable-log surface the dispatcher needs: subscription
// lookup, dedup checks and the push_sent audit trail.
type Store interface {
	PushSubscriptionsByParty(ctx context.Context, sessionID, partyID string) ([]queue.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
	HasPushSent(ctx context.Context, sessionID, partyID string, kind queue.PushKind) (bool, error)
	AppendEvent(ctx context.Context, rec queue.EventRecord) error
}
