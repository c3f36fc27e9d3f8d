// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waitline/waitline/internal/config"
	"github.com/waitline/waitline/internal/queue"
	"github.com/waitline/waitline/internal/snapshot"
	"github.com/waitline/waitline/internal/store"
)

type testServer struct {
	ts  *httptest.Server
	reg *queue.Registry
	st  *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		Listen:         ":0",
		HostAuthSecret: "test-secret",
		AppBaseURL:     "https://app.example",
		SnapshotStore:  "memory",
		TurnstileBypass: true,
	}

	st, err := store.New(filepath.Join(t.TempDir(), "waitline.db"))
	require.NoError(t, err)

	kv := snapshot.NewMemoryKV()
	reg := queue.NewRegistry(st, queue.Deps{
		Store:    st,
		Snaps:    snapshot.NewStateStore(kv),
		Push:     queue.NopPushSink{},
		TestMode: true,
	})

	srv := New(cfg, reg, st, queue.NopPushSink{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		reg.Shutdown(context.Background())
		_ = kv.Close()
		_ = st.Close()
	})
	return &testServer{ts: ts, reg: reg, st: st}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (s *testServer) createSession(t *testing.T) (code, sessionID, token string) {
	t.Helper()
	resp, out := s.do(t, http.MethodPost, "/api/queue/create", map[string]any{
		"eventName": "Dinner Service",
		"maxGuests": 10,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out["code"].(string), out["sessionId"].(string), out["hostAuthToken"].(string)
}

func (s *testServer) join(t *testing.T, code, name string, size int) string {
	t.Helper()
	resp, out := s.do(t, http.MethodPost, "/api/queue/"+code+"/join",
		map[string]any{"name": name, "size": size}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return out["partyId"].(string)
}

func TestCreateSessionResponse(t *testing.T) {
	s := newTestServer(t)

	resp, out := s.do(t, http.MethodPost, "/api/queue/create", map[string]any{
		"eventName": "Dinner Service",
		"maxGuests": 10,
		"location":  "Main St 1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code := out["code"].(string)
	assert.Len(t, code, queue.CodeLength)
	assert.Equal(t, "https://app.example/q/"+code, out["joinUrl"])
	assert.Equal(t, "/api/queue/"+code+"/connect", out["wsUrl"])
	assert.NotEmpty(t, out["hostAuthToken"])
	assert.Equal(t, "Main St 1", out["location"])

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "queue_host_auth" {
			found = true
			assert.True(t, c.HttpOnly)
			assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
			assert.Equal(t, out["hostAuthToken"], c.Value)
		}
	}
	assert.True(t, found, "host auth cookie missing")
}

func TestCreateSessionValidation(t *testing.T) {
	s := newTestServer(t)

	resp, out := s.do(t, http.MethodPost, "/api/queue/create", map[string]any{
		"eventName": "",
		"maxGuests": 10,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, out["error"])

	resp, _ = s.do(t, http.MethodPost, "/api/queue/create", map[string]any{
		"eventName": "ok",
		"maxGuests": 500,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJoinAndCapacityConflict(t *testing.T) {
	s := newTestServer(t)
	resp, out := s.do(t, http.MethodPost, "/api/queue/create", map[string]any{
		"eventName": "Tiny", "maxGuests": 2,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := out["code"].(string)

	resp, out = s.do(t, http.MethodPost, "/api/queue/"+code+"/join",
		map[string]any{"name": "Alice", "size": 2}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["position"])
	assert.Equal(t, float64(1), out["queueLength"])
	assert.NotEmpty(t, out["partyId"])

	resp, out = s.do(t, http.MethodPost, "/api/queue/"+code+"/join",
		map[string]any{"name": "Bob", "size": 1}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, out["error"])
}

func TestJoinUnknownCode(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, http.MethodPost, "/api/queue/ZZZZZZ/join",
		map[string]any{"name": "Alice"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdvanceRequiresHostAuth(t *testing.T) {
	s := newTestServer(t)
	code, _, token := s.createSession(t)
	s.join(t, code, "Alice", 1)

	// No credential at all.
	resp, _ := s.do(t, http.MethodPost, "/api/queue/"+code+"/advance", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A present but invalid credential.
	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/advance", map[string]any{},
		map[string]string{"X-Host-Auth": "sess.bogus"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The minted token works via header.
	resp, out := s.do(t, http.MethodPost, "/api/queue/"+code+"/advance", map[string]any{},
		map[string]string{"X-Host-Auth": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	serving := out["nowServing"].(map[string]any)
	assert.Equal(t, "Alice", serving["name"])
	assert.Equal(t, "called", serving["status"])
}

func TestAdvanceServeFlow(t *testing.T) {
	s := newTestServer(t)
	code, _, token := s.createSession(t)
	alice := s.join(t, code, "Alice", 1)
	s.join(t, code, "Bob", 1)
	auth := map[string]string{"X-Host-Auth": token}

	resp, out := s.do(t, http.MethodPost, "/api/queue/"+code+"/advance", map[string]any{}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, out["nowServing"])

	resp, out = s.do(t, http.MethodPost, "/api/queue/"+code+"/advance",
		map[string]any{"servedParty": alice}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	serving := out["nowServing"].(map[string]any)
	assert.Equal(t, "Bob", serving["name"])

	// Serving the wrong party is rejected.
	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/advance",
		map[string]any{"servedParty": alice}, auth)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaveAndDeclareNearby(t *testing.T) {
	s := newTestServer(t)
	code, _, _ := s.createSession(t)
	alice := s.join(t, code, "Alice", 1)

	resp, out := s.do(t, http.MethodPost, "/api/queue/"+code+"/declare-nearby",
		map[string]any{"partyId": alice}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])

	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/leave",
		map[string]any{"partyId": alice}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/leave",
		map[string]any{"partyId": alice}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKickRequiresHostAuth(t *testing.T) {
	s := newTestServer(t)
	code, _, token := s.createSession(t)
	alice := s.join(t, code, "Alice", 1)

	resp, _ := s.do(t, http.MethodPost, "/api/queue/"+code+"/kick",
		map[string]any{"partyId": alice}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/kick",
		map[string]any{"partyId": alice}, map[string]string{"X-Host-Auth": token})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCloseIsIdempotentAndRejectsJoins(t *testing.T) {
	s := newTestServer(t)
	code, _, token := s.createSession(t)
	s.join(t, code, "Alice", 1)
	auth := map[string]string{"X-Host-Auth": token}

	resp, _ := s.do(t, http.MethodPost, "/api/queue/"+code+"/close", map[string]any{}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/close", map[string]any{}, auth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/queue/"+code+"/join",
		map[string]any{"name": "Late"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSnapshotETag(t *testing.T) {
	s := newTestServer(t)
	code, _, _ := s.createSession(t)
	s.join(t, code, "Alice", 1)

	resp, _ := s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	// Unchanged state: same ETag, 304 on a conditional request.
	resp, _ = s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot", nil, nil)
	assert.Equal(t, etag, resp.Header.Get("ETag"))
	resp, _ = s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot", nil,
		map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	// A mutation changes the ETag.
	s.join(t, code, "Bob", 1)
	resp, _ = s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot", nil,
		map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))
}

func TestSnapshotGuestView(t *testing.T) {
	s := newTestServer(t)
	code, _, _ := s.createSession(t)
	s.join(t, code, "Alice", 1)
	bob := s.join(t, code, "Bob", 1)

	resp, out := s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot?partyId="+bob, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), out["position"])
	assert.Equal(t, float64(1), out["aheadCount"])

	resp, _ = s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot?partyId=missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushSubscribeStoresEndpoint(t *testing.T) {
	s := newTestServer(t)
	code, sessionID, _ := s.createSession(t)
	alice := s.join(t, code, "Alice", 1)

	resp, out := s.do(t, http.MethodPost, "/api/queue/"+code+"/push-subscribe", map[string]any{
		"partyId": alice,
		"subscription": map[string]any{
			"endpoint": "https://push.example/ep1",
			"keys":     map[string]any{"p256dh": "key", "auth": "auth"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])

	subs, err := s.st.PushSubscriptionsByParty(context.Background(), sessionID, alice)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ep1", subs[0].Endpoint)
	assert.Positive(t, subs[0].CreatedAt)
}

func TestPushSubscribeRejectsUnknownParty(t *testing.T) {
	s := newTestServer(t)
	code, _, _ := s.createSession(t)

	resp, _ := s.do(t, http.MethodPost, "/api/queue/"+code+"/push-subscribe", map[string]any{
		"partyId": "missing",
		"subscription": map[string]any{
			"endpoint": "https://push.example/ep1",
			"keys":     map[string]any{"p256dh": "key", "auth": "auth"},
		},
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueRedirect(t *testing.T) {
	s := newTestServer(t)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(s.ts.URL + "/queue/abc123")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "https://app.example/q/ABC123", resp.Header.Get("Location"))
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, out := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.ts.Client().Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidJSONBody(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.ts.Client().Post(s.ts.URL+"/api/queue/create", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSnapshotETagFormat(t *testing.T) {
	s := newTestServer(t)
	code, _, _ := s.createSession(t)

	resp, _ := s.do(t, http.MethodGet, "/api/queue/"+code+"/snapshot", nil, nil)
	etag := resp.Header.Get("ETag")
	// Quoted, 16 hex characters.
	require.Len(t, etag, 18)
	assert.Equal(t, byte('"'), etag[0])
	for _, c := range etag[1:17] {
		assert.Contains(t, "0123456789abcdef", string(c), fmt.Sprintf("etag %s", etag))
	}
}
