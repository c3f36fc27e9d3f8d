// SPDX-License-Identifier: MIT

package push

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/metrics"
	"github.com/waitline/waitline/internal/queue"
)

const (
	// queueDepth bounds buffered batches; overflow drops the batch rather
	// than blocking a coordinator.
	queueDepth = 256
	// sendTimeout bounds one delivery attempt.
	sendTimeout = 10 * time.Second
)

// Dispatcher consumes push event batches and delivers them to every stored
// subscription of the target party. Implements queue.PushSink.
type Dispatcher struct {
	store   Store
	sender  Sender
	baseURL string
	batches chan []queue.PushEvent
	now     func() time.Time
	logger  zerolog.Logger
}

// NewDispatcher builds a dispatcher; Run must be started for deliveries to
// happen.
func NewDispatcher(store Store, sender Sender, baseURL string) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sender:  sender,
		baseURL: baseURL,
		batches: make(chan []queue.PushEvent, queueDepth),
		now:     time.Now,
		logger:  log.WithComponent("push"),
	}
}

// Enqueue hands a batch to the dispatcher without blocking. A full queue
// drops the batch; push delivery is best-effort.
func (d *Dispatcher) Enqueue(events []queue.PushEvent) {
	if len(events) == 0 {
		return
	}
	select {
	case d.batches <- events:
	default:
		metrics.PushFailuresTotal.WithLabelValues("queue_full").Add(float64(len(events)))
		d.logger.Warn().Int("dropped", len(events)).Msg("push queue full, batch dropped")
	}
}

// Run processes batches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-d.batches:
			for _, ev := range batch {
				d.dispatch(ctx, ev)
			}
		}
	}
}

// dedupKind reports whether the kind is delivered at most once per party
// per session.
func dedupKind(k queue.PushKind) bool {
	switch k {
	case queue.PushCalled, queue.PushPos2, queue.PushPos5, queue.PushJoinConfirm:
		return true
	}
	return false
}

func (d *Dispatcher) dispatch(ctx context.Context, ev queue.PushEvent) {
	logger := d.logger.With().
		Str(log.FieldSessionID, ev.SessionID).
		Str(log.FieldPartyID, ev.PartyID).
		Str("kind", string(ev.Kind)).
		Logger()

	if dedupKind(ev.Kind) {
		sent, err := d.store.HasPushSent(ctx, ev.SessionID, ev.PartyID, ev.Kind)
		if err != nil {
			metrics.PushFailuresTotal.WithLabelValues("store").Inc()
			logger.Error().Err(err).Msg("push dedup check failed")
			return
		}
		if sent {
			logger.Debug().Msg("push already sent, skipping")
			return
		}
	}

	subs, err := d.store.PushSubscriptionsByParty(ctx, ev.SessionID, ev.PartyID)
	if err != nil {
		metrics.PushFailuresTotal.WithLabelValues("store").Inc()
		logger.Error().Err(err).Msg("push subscription lookup failed")
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := composePayload(ev, d.baseURL, d.now())
	if err != nil {
		metrics.PushFailuresTotal.WithLabelValues("compose").Inc()
		logger.Error().Err(err).Msg("push payload compose failed")
		return
	}

	delivered := 0
	for _, sub := range subs {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := d.sender.Send(sendCtx, sub, body)
		cancel()
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSubscriptionGone):
			if delErr := d.store.DeletePushSubscription(ctx, sub.Endpoint); delErr != nil {
				logger.Warn().Err(delErr).Msg("stale subscription delete failed")
			}
			logger.Debug().Msg("subscription gone, removed")
		default:
			metrics.PushFailuresTotal.WithLabelValues("transport").Inc()
			logger.Warn().Err(err).Msg("push delivery failed")
		}
	}
	if delivered == 0 {
		return
	}

	metrics.PushSentTotal.WithLabelValues(string(ev.Kind)).Inc()
	if dedupKind(ev.Kind) {
		rec := queue.EventRecord{
			SessionID: ev.SessionID,
			PartyID:   ev.PartyID,
			Type:      queue.EvPushSent,
			TS:        d.now().UnixMilli(),
			Details:   map[string]string{"kind": string(ev.Kind)},
		}
		if err := d.store.AppendEvent(ctx, rec); err != nil {
			metrics.EventAppendFailuresTotal.Inc()
			logger.Error().Err(err).Msg("push_sent event append failed")
		}
	}
	logger.Info().Int("subscriptions", delivered).Msg("push delivered")
}

var _ queue.PushSink = (*Dispatcher)(nil)
