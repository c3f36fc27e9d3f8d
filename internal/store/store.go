// SPDX-License-Identifier: MIT

// Package store implements the durable log on SQLite: sessions, parties,
// events and push subscriptions. It backs both the session directory and
// cold-start reconstruction.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/waitline/waitline/internal/persistence/sqlite"
	"github.com/waitline/waitline/internal/queue"
)

const schemaVersion = 1

// codeDrawAttempts bounds short-code allocation retries.
const codeDrawAttempts = 20

// Store is a SQLite-backed queue.DurableLog and queue.Directory.
type Store struct {
	DB *sql.DB
}

// New opens (and migrates) the durable log at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		short_code TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		event_name TEXT NOT NULL,
		max_guests INTEGER NOT NULL,
		location TEXT,
		contact_info TEXT,
		open_time TEXT,
		close_time TEXT,
		created_at_ms INTEGER NOT NULL,
		last_activity_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		name TEXT,
		size INTEGER NOT NULL DEFAULT 1,
		joined_at_ms INTEGER NOT NULL,
		status TEXT NOT NULL,
		nearby INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_parties_session_status ON parties(session_id, status);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		party_id TEXT,
		type TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		details_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_events_lookup ON events(session_id, party_id, type);

	CREATE TABLE IF NOT EXISTS push_subscriptions (
		endpoint TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		party_id TEXT NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_push_party ON push_subscriptions(session_id, party_id);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Directory ---

func randomCode() (string, error) {
	b := make([]byte, queue.CodeLength)
	max := big.NewInt(int64(len(queue.CodeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = queue.CodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// CreateSession inserts a new session, drawing random short codes until one
// is free (bounded attempts).
func (s *Store) CreateSession(ctx context.Context, sess *queue.Session) error {
	for attempt := 0; attempt < codeDrawAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return fmt.Errorf("draw code: %w", err)
		}
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO sessions (id, short_code, status, event_name, max_guests,
				location, contact_info, open_time, close_time, created_at_ms, last_activity_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, code, string(sess.Status), sess.EventName, sess.MaxGuests,
			sess.Location, sess.ContactInfo, sess.OpenTime, sess.CloseTime,
			sess.CreatedAt, sess.CreatedAt)
		if err == nil {
			sess.Code = code
			return nil
		}
		if strings.Contains(err.Error(), "UNIQUE") && strings.Contains(err.Error(), "short_code") {
			continue
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return fmt.Errorf("create session: no free short code after %d draws", codeDrawAttempts)
}

func (s *Store) scanSession(row *sql.Row) (*queue.Session, error) {
	var sess queue.Session
	var status string
	var location, contact, open, close_ sql.NullString
	err := row.Scan(&sess.ID, &sess.Code, &status, &sess.EventName, &sess.MaxGuests,
		&location, &contact, &open, &close_, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = queue.SessionStatus(status)
	sess.Location = location.String
	sess.ContactInfo = contact.String
	sess.OpenTime = open.String
	sess.CloseTime = close_.String
	return &sess, nil
}

const sessionCols = `id, short_code, status, event_name, max_guests, location, contact_info, open_time, close_time, created_at_ms`

// GetSessionByCode resolves a short code.
func (s *Store) GetSessionByCode(ctx context.Context, code string) (*queue.Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE short_code = ?`, code)
	return s.scanSession(row)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*queue.Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = ?`, sessionID)
	return s.scanSession(row)
}

// SetSessionStatus marks a session active or closed.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status queue.SessionStatus) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, string(status), sessionID)
	return err
}

// TouchSession records last activity.
func (s *Store) TouchSession(ctx context.Context, sessionID string, ts int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET last_activity_ms = ? WHERE id = ?`, ts, sessionID)
	return err
}

// --- Parties ---

// InsertParty records a freshly joined party.
func (s *Store) InsertParty(ctx context.Context, sessionID string, p *queue.Party) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO parties (id, session_id, name, size, joined_at_ms, status, nearby)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, sessionID, p.Name, p.Size, p.JoinedAt, string(p.Status), boolToInt(p.Nearby))
	return err
}

// UpdatePartyStatus moves a party to a new status.
func (s *Store) UpdatePartyStatus(ctx context.Context, partyID string, status queue.PartyStatus) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE parties SET status = ? WHERE id = ?`, string(status), partyID)
	return err
}

// SetPartyNearby flips the nearby flag.
func (s *Store) SetPartyNearby(ctx context.Context, partyID string, nearby bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE parties SET nearby = ? WHERE id = ?`, boolToInt(nearby), partyID)
	return err
}

// LiveParties returns the waiting and called parties of a session, ordered
// by joined-at.
func (s *Store) LiveParties(ctx context.Context, sessionID string) ([]*queue.Party, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, size, joined_at_ms, status, nearby
		FROM parties
		WHERE session_id = ? AND status IN (?, ?)
		ORDER BY joined_at_ms ASC, rowid ASC`,
		sessionID, string(queue.PartyWaiting), string(queue.PartyCalled))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*queue.Party
	for rows.Next() {
		var p queue.Party
		var name sql.NullString
		var status string
		var nearby int
		if err := rows.Scan(&p.ID, &name, &p.Size, &p.JoinedAt, &status, &nearby); err != nil {
			return nil, err
		}
		p.Name = name.String
		p.Status = queue.PartyStatus(status)
		p.Nearby = nearby != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent appends one event record.
func (s *Store) AppendEvent(ctx context.Context, ev queue.EventRecord) error {
	var details any
	if len(ev.Details) > 0 {
		data, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = string(data)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO events (session_id, party_id, type, ts_ms, details_json)
		VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, nullable(ev.PartyID), ev.Type, ev.TS, details)
	return err
}

// LastEventTS returns the timestamp of the most recent event of the given
// type for the party, or 0 if none exists.
func (s *Store) LastEventTS(ctx context.Context, sessionID, partyID, eventType string) (int64, error) {
	var ts int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT ts_ms FROM events
		WHERE session_id = ? AND party_id = ? AND type = ?
		ORDER BY ts_ms DESC, id DESC LIMIT 1`,
		sessionID, partyID, eventType).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return ts, err
}

// HasPushSent reports whether a push_sent event for (session, party, kind)
// was already recorded. Backs the dispatcher's dedup check.
func (s *Store) HasPushSent(ctx context.Context, sessionID, partyID string, kind queue.PushKind) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `
		SELECT 1 FROM events
		WHERE session_id = ? AND party_id = ? AND type = ?
		  AND json_extract(details_json, '$.kind') = ?
		LIMIT 1`,
		sessionID, partyID, queue.EvPushSent, string(kind)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// --- Push subscriptions ---

// UpsertPushSubscription stores a push subscription keyed by endpoint;
// re-opt-in with the same endpoint replaces the record.
func (s *Store) UpsertPushSubscription(ctx context.Context, sub queue.PushSubscription) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, session_id, party_id, p256dh, auth, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			session_id = excluded.session_id,
			party_id = excluded.party_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			created_at_ms = excluded.created_at_ms`,
		sub.Endpoint, sub.SessionID, sub.PartyID, sub.P256DH, sub.Auth, sub.CreatedAt)
	return err
}

// DeletePushSubscription removes a subscription by endpoint (after the
// transport reports it gone).
func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

// PushSubscriptionsByParty lists the stored subscriptions for one party.
func (s *Store) PushSubscriptionsByParty(ctx context.Context, sessionID, partyID string) ([]queue.PushSubscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT endpoint, session_id, party_id, p256dh, auth, created_at_ms
		FROM push_subscriptions
		WHERE session_id = ? AND party_id = ?`,
		sessionID, partyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []queue.PushSubscription
	for rows.Next() {
		var sub queue.PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.SessionID, &sub.PartyID, &sub.P256DH, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ queue.DurableLog = (*Store)(nil)
var _ queue.Directory = (*Store)(nil)
