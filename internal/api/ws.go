// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/waitline/waitline/internal/queue"
)

const wsWriteTimeout = 5 * time.Second

// wsConn serializes writes: frames from the coordinator and pong replies
// from the read loop share one connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeText(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

// handleConnect upgrades a host or guest to the live subscriber channel.
// Hosts authenticate via header, cookie or the token query parameter; guests
// name their party.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	partyID := r.URL.Query().Get("partyId")
	role := queue.RoleGuest
	if partyID == "" {
		if !s.requireHost(w, r, coord.Session().ID) {
			return
		}
		role = queue.RoleHost
	}

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.logger.Debug().Err(err).Msg("subscriber upgrade failed")
		return
	}

	sub, err := coord.Subscribe(role, partyID)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad request")
		return
	}

	wc := &wsConn{conn: conn}
	go s.readLoop(r.Context(), wc, coord, sub)
	s.writeLoop(r.Context(), wc, coord, sub)
}

// acceptOptions derives the socket origin policy from the CORS origin list.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	patterns := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"localhost:*", "127.0.0.1:*"}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// writeLoop drains coordinator frames onto the socket. It returns when the
// subscriber is deregistered, the client goes away or a write fails; it
// always deregisters on exit.
func (s *Server) writeLoop(ctx context.Context, wc *wsConn, coord *queue.Coordinator, sub *queue.Subscriber) {
	defer coord.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			_ = wc.conn.Close(websocket.StatusGoingAway, "going away")
			return
		case frame := <-sub.C():
			if err := wc.writeText(ctx, frame); err != nil {
				return
			}
		case <-sub.Done():
			// Flush frames queued before deregistration, then close with
			// the terminal reason.
			for {
				select {
				case frame := <-sub.C():
					if err := wc.writeText(ctx, frame); err != nil {
						return
					}
				default:
					_ = wc.conn.Close(websocket.StatusNormalClosure, sub.CloseReason())
					return
				}
			}
		}
	}
}

// readLoop consumes client frames, answering pings. Any read error ends the
// subscription.
func (s *Server) readLoop(ctx context.Context, wc *wsConn, coord *queue.Coordinator, sub *queue.Subscriber) {
	defer coord.Unsubscribe(sub.ID)

	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == "ping" {
			pong, _ := json.Marshal(queue.Pong{Type: "pong"})
			if err := wc.writeText(ctx, pong); err != nil {
				return
			}
		}
	}
}
