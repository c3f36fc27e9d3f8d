// SPDX-License-Identifier: MIT

package queue

import (
	"encoding/json"
	"sync"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/metrics"
)

// Role distinguishes host and guest subscribers.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// subscriberBuffer is the per-subscriber outbound queue depth. A subscriber
// that falls this far behind is dropped, not buffered unboundedly.
const subscriberBuffer = 32

// Subscriber is one connected host or guest. Frames are delivered FIFO on C;
// when Done is closed the transport must close the connection, using
// CloseReason as the close frame reason.
type Subscriber struct {
	ID      string
	Role    Role
	PartyID string // set for guests

	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

// C returns the outbound frame channel.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// Done is closed when the coordinator deregisters this subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// CloseReason reports why the subscriber was deregistered. Valid only after
// Done is closed.
func (s *Subscriber) CloseReason() string { return s.reason }

func (s *Subscriber) close(reason string) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// subscribers tracks connected hosts and guests. All access happens under
// the owning coordinator's lock.
type subscribers struct {
	subs map[string]*Subscriber
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[string]*Subscriber)}
}

func (r *subscribers) add(sub *Subscriber) {
	r.subs[sub.ID] = sub
	metrics.SubscribersConnected.WithLabelValues(string(sub.Role)).Inc()
}

// remove deregisters a subscriber without sending anything further.
func (r *subscribers) remove(id, reason string) {
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	metrics.SubscribersConnected.WithLabelValues(string(sub.Role)).Dec()
	sub.close(reason)
}

func (r *subscribers) empty() bool { return len(r.subs) == 0 }

// send marshals v and queues it for one subscriber. Delivery is best-effort:
// a full buffer drops the subscriber instead of blocking the coordinator.
func (r *subscribers) send(sub *Subscriber, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.L().Error().Err(err).Str(log.FieldComponent, "subscribers").Msg("marshal subscriber frame")
		return
	}
	select {
	case sub.ch <- data:
	default:
		metrics.SubscriberDropsTotal.WithLabelValues("backpressure").Inc()
		r.remove(sub.ID, "backpressure")
	}
}

// toHosts delivers v to every host subscriber.
func (r *subscribers) toHosts(v any) {
	for _, sub := range r.subs {
		if sub.Role == RoleHost {
			r.send(sub, v)
		}
	}
}

// toGuest delivers v to every subscriber of the given party.
func (r *subscribers) toGuest(partyID string, v any) {
	for _, sub := range r.subs {
		if sub.Role == RoleGuest && sub.PartyID == partyID {
			r.send(sub, v)
		}
	}
}

// dropGuest sends a final frame to the party's subscribers and deregisters
// them with the given close reason.
func (r *subscribers) dropGuest(partyID string, v any, reason string) {
	for id, sub := range r.subs {
		if sub.Role == RoleGuest && sub.PartyID == partyID {
			r.send(sub, v)
			r.remove(id, reason)
		}
	}
}

// closeAll sends v to everyone and deregisters all subscribers.
func (r *subscribers) closeAll(v any, reason string) {
	for id, sub := range r.subs {
		r.send(sub, v)
		r.remove(id, reason)
	}
}

// ping emits a keepalive to every subscriber.
func (r *subscribers) ping() {
	frame := Ping{Type: "ping"}
	for _, sub := range r.subs {
		r.send(sub, frame)
	}
}
