// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/metrics"
)

// Directory resolves and creates durable session records. Implemented by the
// sqlite store alongside DurableLog.
type Directory interface {
	// CreateSession persists a new session, allocating a unique short
	// code into sess.Code.
	CreateSession(ctx context.Context, sess *Session) error
	// GetSessionByCode resolves a short code, or ErrNotFound.
	GetSessionByCode(ctx context.Context, code string) (*Session, error)
}

// Registry routes requests to per-session coordinators, restoring actors
// from the snapshot store or the durable log on demand.
type Registry struct {
	mu     sync.Mutex
	coords map[string]*Coordinator // session id -> resident actor
	codes  map[string]string       // short code -> session id

	dir    Directory
	deps   Deps
	logger zerolog.Logger
}

// NewRegistry builds the router. The deps are shared by all coordinators;
// OnTerminate is owned by the registry.
func NewRegistry(dir Directory, deps Deps) *Registry {
	r := &Registry{
		coords: make(map[string]*Coordinator),
		codes:  make(map[string]string),
		dir:    dir,
		deps:   deps,
		logger: log.WithComponent("registry"),
	}
	r.deps.fill()
	r.deps.OnTerminate = r.evict
	return r
}

// CreateParams are the validated inputs for a new session.
type CreateParams struct {
	EventName   string
	MaxGuests   int
	Location    string
	ContactInfo string
	OpenTime    string
	CloseTime   string
}

var timeRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func (p CreateParams) validate() error {
	if strings.TrimSpace(p.EventName) == "" {
		return fmt.Errorf("%w: eventName is required", ErrBadRequest)
	}
	if len(p.EventName) > 120 {
		return fmt.Errorf("%w: eventName must be at most 120 characters", ErrBadRequest)
	}
	if p.MaxGuests < 1 || p.MaxGuests > 100 {
		return fmt.Errorf("%w: maxGuests must be between 1 and 100", ErrBadRequest)
	}
	if len(p.Location) > 240 {
		return fmt.Errorf("%w: location must be at most 240 characters", ErrBadRequest)
	}
	if len(p.ContactInfo) > 500 {
		return fmt.Errorf("%w: contactInfo must be at most 500 characters", ErrBadRequest)
	}
	if (p.OpenTime == "") != (p.CloseTime == "") {
		return fmt.Errorf("%w: openTime and closeTime must be given together", ErrBadRequest)
	}
	if p.OpenTime != "" {
		if !timeRe.MatchString(p.OpenTime) || !timeRe.MatchString(p.CloseTime) {
			return fmt.Errorf("%w: times must be HH:MM", ErrBadRequest)
		}
		if p.CloseTime <= p.OpenTime {
			return fmt.Errorf("%w: closeTime must be after openTime", ErrBadRequest)
		}
	}
	return nil
}

// Create validates params and persists a new active session.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	sess := &Session{
		ID:          uuid.NewString(),
		EventName:   strings.TrimSpace(p.EventName),
		MaxGuests:   p.MaxGuests,
		Location:    p.Location,
		ContactInfo: p.ContactInfo,
		OpenTime:    p.OpenTime,
		CloseTime:   p.CloseTime,
		Status:      SessionActive,
		CreatedAt:   r.deps.Now().UnixMilli(),
	}
	if err := r.dir.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := r.deps.Store.AppendEvent(ctx, EventRecord{
		SessionID: sess.ID, Type: EvSessionCreated, TS: sess.CreatedAt,
	}); err != nil {
		metrics.EventAppendFailuresTotal.Inc()
		r.logger.Warn().Err(err).Str(log.FieldSessionID, sess.ID).Msg("append session_created failed")
	}
	r.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldCode, sess.Code).
		Str(log.FieldEvent, "session.created").
		Msg("session created")
	out := *sess
	return &out, nil
}

// ByCode resolves a short code to its coordinator, restoring the actor if it
// is not resident. Closed sessions yield a detached closed coordinator that
// rejects mutations but answers snapshots and idempotent close.
func (r *Registry) ByCode(ctx context.Context, code string) (*Coordinator, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	if id, ok := r.codes[code]; ok {
		if c, ok := r.coords[id]; ok {
			r.mu.Unlock()
			return c, nil
		}
	}
	r.mu.Unlock()

	sess, err := r.dir.GetSessionByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coords[sess.ID]; ok {
		return c, nil
	}

	st, err := r.restoreState(ctx, sess)
	if err != nil {
		return nil, err
	}
	c := newCoordinator(sess, st, r.deps)
	if sess.Status == SessionClosed {
		// Not cached: nothing live to coordinate.
		return c, nil
	}
	r.coords[sess.ID] = c
	r.codes[sess.Code] = sess.ID
	metrics.SessionsActive.Set(float64(len(r.coords)))
	return c, nil
}

// restoreState loads the latest snapshot, falling back to reconstruction
// from the durable log when the volatile snapshot is missing.
func (r *Registry) restoreState(ctx context.Context, sess *Session) (*State, error) {
	if sess.Status == SessionClosed {
		return &State{Closed: true, MaxGuests: sess.MaxGuests}, nil
	}

	st, ok, err := r.deps.Snaps.GetState(ctx, sess.ID)
	if err != nil {
		r.logger.Warn().Err(err).Str(log.FieldSessionID, sess.ID).Msg("snapshot read failed, rebuilding from log")
	} else if ok {
		return st, nil
	}

	live, err := r.deps.Store.LiveParties(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", sess.ID, err)
	}
	// Stable: parties arrive ordered by (joined_at_ms, rowid) and ties on
	// the same millisecond must keep insertion order.
	sort.SliceStable(live, func(i, j int) bool { return live[i].JoinedAt < live[j].JoinedAt })

	st = &State{MaxGuests: sess.MaxGuests}
	for _, p := range live {
		switch p.Status {
		case PartyCalled:
			if st.NowServing != nil {
				// At most one called party may exist. Demote
				// stragglers back to waiting rather than drop them.
				r.logger.Warn().Str(log.FieldPartyID, p.ID).Msg("second called party in log, demoting to waiting")
				p.Status = PartyWaiting
				st.Queue = append(st.Queue, p)
				continue
			}
			st.NowServing = p
			st.PendingPartyID = p.ID
			calledAt, err := r.deps.Store.LastEventTS(ctx, sess.ID, p.ID, EvCalled)
			if err != nil || calledAt == 0 {
				calledAt = r.deps.Now().UnixMilli()
			}
			st.CallDeadline = calledAt + CallWindow.Milliseconds()
		default:
			st.Queue = append(st.Queue, p)
		}
	}
	return st, nil
}

// evict drops a terminated coordinator; invoked from the coordinator's
// OnTerminate callback.
func (r *Registry) evict(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coords[sessionID]
	if !ok {
		return
	}
	delete(r.coords, sessionID)
	delete(r.codes, c.sess.Code)
	metrics.SessionsActive.Set(float64(len(r.coords)))
}

// Shutdown detaches every resident coordinator: final snapshots are written
// and subscribers disconnected, sessions stay open for the next start.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		coords = append(coords, c)
	}
	r.coords = make(map[string]*Coordinator)
	r.codes = make(map[string]string)
	r.mu.Unlock()

	for _, c := range coords {
		c.Stop(ctx)
	}
	metrics.SessionsActive.Set(0)
}
