// SPDX-License-Identifier: MIT

package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/waitline/waitline/internal/log"
	"github.com/waitline/waitline/internal/queue"
)

// hostAuthCookie carries the host credential across requests from the
// session-creating browser.
const hostAuthCookie = "queue_host_auth"

const maxBodyBytes = 16 << 10

// decodeBody parses a small JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body", queue.ErrBadRequest)
	}
	return nil
}

type createRequest struct {
	EventName      string `json:"eventName"`
	MaxGuests      int    `json:"maxGuests"`
	Location       string `json:"location"`
	ContactInfo    string `json:"contactInfo"`
	OpenTime       string `json:"openTime"`
	CloseTime      string `json:"closeTime"`
	TurnstileToken string `json:"turnstileToken"`
}

type createResponse struct {
	Code          string `json:"code"`
	SessionID     string `json:"sessionId"`
	JoinURL       string `json:"joinUrl"`
	WSURL         string `json:"wsUrl"`
	HostAuthToken string `json:"hostAuthToken"`
	EventName     string `json:"eventName"`
	MaxGuests     int    `json:"maxGuests"`
	Location      string `json:"location"`
	ContactInfo   string `json:"contactInfo"`
	OpenTime      string `json:"openTime"`
	CloseTime     string `json:"closeTime"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.turnstile.Verify(r.Context(), req.TurnstileToken, r.RemoteAddr); err != nil {
		writeError(w, r, err)
		return
	}

	sess, err := s.reg.Create(r.Context(), queue.CreateParams{
		EventName:   req.EventName,
		MaxGuests:   req.MaxGuests,
		Location:    req.Location,
		ContactInfo: req.ContactInfo,
		OpenTime:    req.OpenTime,
		CloseTime:   req.CloseTime,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	token := s.minter.Mint(sess.ID)
	http.SetCookie(w, &http.Cookie{
		Name:     hostAuthCookie,
		Value:    token,
		Path:     "/api/queue",
		MaxAge:   int(queue.MaxLifetime.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, createResponse{
		Code:          sess.Code,
		SessionID:     sess.ID,
		JoinURL:       s.joinURL(sess.Code),
		WSURL:         "/api/queue/" + sess.Code + "/connect",
		HostAuthToken: token,
		EventName:     sess.EventName,
		MaxGuests:     sess.MaxGuests,
		Location:      sess.Location,
		ContactInfo:   sess.ContactInfo,
		OpenTime:      sess.OpenTime,
		CloseTime:     sess.CloseTime,
	})
}

func (s *Server) joinURL(code string) string {
	if s.cfg.AppBaseURL != "" {
		return strings.TrimSuffix(s.cfg.AppBaseURL, "/") + "/q/" + code
	}
	return "/queue/" + code
}

type joinRequest struct {
	Name           string `json:"name"`
	Size           int    `json:"size"`
	TurnstileToken string `json:"turnstileToken"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.turnstile.Verify(r.Context(), req.TurnstileToken, r.RemoteAddr); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Name) > 120 {
		writeError(w, r, fmt.Errorf("%w: name must be at most 120 characters", queue.ErrBadRequest))
		return
	}

	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := coord.Join(r.Context(), strings.TrimSpace(req.Name), req.Size)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"partyId":         res.PartyID,
		"position":        res.Position,
		"sessionId":       coord.Session().ID,
		"queueLength":     res.QueueLength,
		"estimatedWaitMs": res.EstimatedWaitMs,
	})
}

type partyRequest struct {
	PartyID string `json:"partyId"`
}

func (s *Server) handleDeclareNearby(w http.ResponseWriter, r *http.Request) {
	s.partyOp(w, r, func(c *queue.Coordinator, partyID string) error {
		return c.DeclareNearby(r.Context(), partyID)
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.partyOp(w, r, func(c *queue.Coordinator, partyID string) error {
		return c.Leave(r.Context(), partyID)
	})
}

// partyOp runs a guest-initiated party mutation and answers {ok:true}.
func (s *Server) partyOp(w http.ResponseWriter, r *http.Request, op func(*queue.Coordinator, string) error) {
	var req partyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PartyID == "" {
		writeError(w, r, fmt.Errorf("%w: partyId is required", queue.ErrBadRequest))
		return
	}
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := op(coord, req.PartyID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type advanceRequest struct {
	ServedParty string `json:"servedParty"`
	NextParty   string `json:"nextParty"`
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.requireHost(w, r, coord.Session().ID) {
		return
	}
	var req advanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	next, err := coord.Advance(r.Context(), req.ServedParty, req.NextParty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nowServing": next})
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.requireHost(w, r, coord.Session().ID) {
		return
	}
	var req partyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PartyID == "" {
		writeError(w, r, fmt.Errorf("%w: partyId is required", queue.ErrBadRequest))
		return
	}
	if err := coord.Kick(r.Context(), req.PartyID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.requireHost(w, r, coord.Session().ID) {
		return
	}
	if err := coord.Close(r.Context(), "host"); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var view any
	if partyID := r.URL.Query().Get("partyId"); partyID != "" {
		gv, err := coord.GuestSnapshot(partyID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		view = gv
	} else {
		view = coord.HostSnapshot()
	}

	body, err := json.Marshal(view)
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := snapshotETag(body)
	if match := strings.Trim(r.Header.Get("If-None-Match"), `"`); match == etag {
		w.Header().Set("ETag", `"`+etag+`"`)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(body)
}

// snapshotETag derives the validator from the response body: first 16 hex
// characters of its SHA-256.
func snapshotETag(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:16]
}

type pushSubscribeRequest struct {
	PartyID      string `json:"partyId"`
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256DH string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PartyID == "" || req.Subscription.Endpoint == "" ||
		req.Subscription.Keys.P256DH == "" || req.Subscription.Keys.Auth == "" {
		writeError(w, r, fmt.Errorf("%w: partyId and subscription are required", queue.ErrBadRequest))
		return
	}

	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess := coord.Session()
	if _, err := coord.GuestSnapshot(req.PartyID); err != nil {
		writeError(w, r, err)
		return
	}

	sub := queue.PushSubscription{
		SessionID: sess.ID,
		PartyID:   req.PartyID,
		Endpoint:  req.Subscription.Endpoint,
		P256DH:    req.Subscription.Keys.P256DH,
		Auth:      req.Subscription.Keys.Auth,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.store.UpsertPushSubscription(r.Context(), sub); err != nil {
		writeError(w, r, err)
		return
	}
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldPartyID, req.PartyID).
		Msg("push subscription stored")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushTest(w http.ResponseWriter, r *http.Request) {
	var req partyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PartyID == "" {
		writeError(w, r, fmt.Errorf("%w: partyId is required", queue.ErrBadRequest))
		return
	}
	coord, err := s.reg.ByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess := coord.Session()
	s.push.Enqueue([]queue.PushEvent{{
		SessionID: sess.ID,
		Code:      sess.Code,
		PartyID:   req.PartyID,
		Kind:      queue.PushTest,
	}})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
