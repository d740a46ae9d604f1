package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/vilokanam/internal/accrual"
	"github.com/smallbiznis/vilokanam/internal/clock"
	"github.com/smallbiznis/vilokanam/internal/config"
	"github.com/smallbiznis/vilokanam/internal/coordinator"
	"github.com/smallbiznis/vilokanam/internal/liveevents"
	sessiondomain "github.com/smallbiznis/vilokanam/internal/session/domain"
	"github.com/smallbiznis/vilokanam/internal/session/registry"
	"github.com/smallbiznis/vilokanam/internal/settlement/ledgerclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	clock  *clock.FakeClock
	coord  *coordinator.Coordinator
	hub    *liveevents.Hub
	ledger *ledgerclient.Memory
	srv    *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := liveevents.NewHub()
	coord := coordinator.New(coordinator.Params{
		Registry: registry.New(clk, node),
		Ledger:   accrual.NewLedger(nil),
		Hub:      hub,
		Policy:   config.NewStaticPolicyHolder(config.DefaultPolicy()),
		Clock:    clk,
		Log:      zap.NewNop(),
	})
	t.Cleanup(coord.Stop)

	ledger := ledgerclient.NewMemory()
	srv := NewServer(ServerParams{
		Gin:         NewEngine(zap.NewNop()),
		Coordinator: coord,
		Ledger:      ledger,
		Events:      hub,
		Log:         zap.NewNop(),
	})
	srv.heartbeat = 10 * time.Millisecond

	return &testServer{clock: clk, coord: coord, hub: hub, ledger: ledger, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	return rec
}

type snapshotEnvelope struct {
	Data    sessiondomain.Snapshot `json:"data"`
	Ignored bool                   `json:"ignored"`
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) snapshotEnvelope {
	t.Helper()
	var env snapshotEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	opened := decodeSnapshot(t, rec).Data
	assert.Equal(t, sessiondomain.StatePending, opened.State)
	assert.NotEmpty(t, opened.SessionID)

	rec = ts.do(t, http.MethodPost, "/v1/signaling/connected", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessiondomain.StateActive, decodeSnapshot(t, rec).Data.State)

	ts.clock.Advance(3 * time.Second)

	rec = ts.do(t, http.MethodGet, "/v1/sessions?viewer_id=v1&creator_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeSnapshot(t, rec).Data
	assert.Equal(t, opened.SessionID, got.SessionID)
	assert.Equal(t, uint64(3), got.ElapsedTicks)

	rec = ts.do(t, http.MethodPost, "/v1/signaling/disconnected", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeSnapshot(t, rec).Data
	assert.Equal(t, sessiondomain.StateGrace, got.State)
	require.NotNil(t, got.GraceDeadline)

	rec = ts.do(t, http.MethodDelete, "/v1/sessions?viewer_id=v1&creator_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeSnapshot(t, rec).Data
	assert.Equal(t, sessiondomain.StateClosed, got.State)
	assert.Equal(t, sessiondomain.ReasonEnded, got.CloseReason)

	rec = ts.do(t, http.MethodDelete, "/v1/sessions?viewer_id=v1&creator_id=c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessiondomain.StateClosed, decodeSnapshot(t, rec).Data.State)
}

func TestOpenSessionIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]any{"viewer_id": "v1", "creator_id": "c1", "metadata": map[string]any{"region": "eu"}}

	first := decodeSnapshot(t, ts.do(t, http.MethodPost, "/v1/sessions", body)).Data
	second := decodeSnapshot(t, ts.do(t, http.MethodPost, "/v1/sessions", body)).Data
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		body  any
		code  string
		field string
	}{
		{name: "missing viewer", body: map[string]any{"creator_id": "c1"}, code: "invalid_viewer_id", field: "viewer_id"},
		{name: "missing creator", body: map[string]any{"viewer_id": "v1"}, code: "invalid_creator_id", field: "creator_id"},
		{name: "self session", body: map[string]any{"viewer_id": "c1", "creator_id": "c1"}, code: "viewer_is_creator", field: "viewer_id"},
		{name: "malformed body", body: "not an object", code: "invalid_request", field: "request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/sessions", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "validation_error", resp.Error.Type)
			require.Len(t, resp.Error.Errors, 1)
			assert.Equal(t, tt.code, resp.Error.Errors[0].Code)
			assert.Equal(t, tt.field, resp.Error.Errors[0].Field)
		})
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/sessions?viewer_id=v1&creator_id=c1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Error.Type)

	rec = ts.do(t, http.MethodPost, "/v1/sessions/not-a-number/settlement/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStaleSignalIsAccepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/signaling/connected", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, decodeSnapshot(t, rec).Ignored)

	ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	now := ts.clock.Now()
	rec = ts.do(t, http.MethodPost, "/v1/signaling/connected", map[string]any{"viewer_id": "v1", "creator_id": "c1", "observed_at": now})
	require.Equal(t, http.StatusOK, rec.Code)

	ts.clock.Advance(2 * time.Second)

	// An early-stamped disconnect still applies.
	rec = ts.do(t, http.MethodPost, "/v1/signaling/disconnected", map[string]any{
		"viewer_id":   "v1",
		"creator_id":  "c1",
		"observed_at": now.Add(-time.Second),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessiondomain.StateGrace, decodeSnapshot(t, rec).Data.State)

	rec = ts.do(t, http.MethodPost, "/v1/signaling/connected", map[string]any{
		"viewer_id":   "v1",
		"creator_id":  "c1",
		"observed_at": now.Add(-2 * time.Second),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	env := decodeSnapshot(t, rec)
	assert.True(t, env.Ignored)
	assert.Equal(t, sessiondomain.StateGrace, env.Data.State)
}

func TestCreatorTicksAndSessions(t *testing.T) {
	ts := newTestServer(t)
	for _, viewer := range []string{"v1", "v2"} {
		ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"viewer_id": viewer, "creator_id": "c1"})
		ts.do(t, http.MethodPost, "/v1/signaling/connected", map[string]any{"viewer_id": viewer, "creator_id": "c1"})
	}
	ts.clock.Advance(4 * time.Second)

	rec := ts.do(t, http.MethodGet, "/v1/creators/c1/ticks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ticks struct {
		Data struct {
			CreatorID    string  `json:"creator_id"`
			LiveSessions int     `json:"live_sessions"`
			AccruedTicks uint64  `json:"accrued_ticks"`
			SettledTicks *uint64 `json:"settled_ticks"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ticks))
	assert.Equal(t, "c1", ticks.Data.CreatorID)
	assert.Equal(t, 2, ticks.Data.LiveSessions)
	assert.Equal(t, uint64(8), ticks.Data.AccruedTicks)
	require.NotNil(t, ticks.Data.SettledTicks)
	assert.Equal(t, uint64(0), *ticks.Data.SettledTicks)

	rec = ts.do(t, http.MethodGet, "/v1/creators/c1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []sessiondomain.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 2)
}

func TestRetrySettlement(t *testing.T) {
	ts := newTestServer(t)
	snap := decodeSnapshot(t, ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"viewer_id": "v1", "creator_id": "c1"})).Data
	id, err := snowflake.ParseString(snap.SessionID)
	require.NoError(t, err)
	require.NoError(t, ts.coord.MarkUnsettled(context.Background(), id, "viewer_not_member"))

	rec := ts.do(t, http.MethodPost, "/v1/sessions/"+snap.SessionID+"/settlement/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeSnapshot(t, rec).Data.UnsettledBalance)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func streamEvents(t *testing.T, ts *testServer, path string, header http.Header) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(rec, req)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	return rec.Body.String()
}

func TestStreamEventsReplaysBacklog(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	ts.do(t, http.MethodPost, "/v1/signaling/connected", map[string]any{"viewer_id": "v1", "creator_id": "c1"})
	ts.do(t, http.MethodPost, "/v1/sessions", map[string]any{"viewer_id": "v1", "creator_id": "c2"})

	body := streamEvents(t, ts, "/v1/events?creator_id=c1", nil)
	assert.True(t, strings.HasPrefix(body, "retry: 2000\n\n"))
	assert.Contains(t, body, "event: "+liveevents.TypeSessionOpened)
	assert.Contains(t, body, "event: "+liveevents.TypeSessionState)
	assert.NotContains(t, body, `"creator_id":"c2"`)
	assert.Contains(t, body, ": heartbeat")

	var firstID string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "id: ") {
			firstID = strings.TrimPrefix(line, "id: ")
			break
		}
	}
	require.NotEmpty(t, firstID)

	resumed := streamEvents(t, ts, "/v1/events?creator_id=c1", http.Header{"Last-Event-Id": {firstID}})
	assert.NotContains(t, resumed, "id: "+firstID+"\n")
	assert.Contains(t, resumed, "event: "+liveevents.TypeSessionState)
}

func TestStreamEventsWithoutHub(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.events = nil

	rec := ts.do(t, http.MethodGet, "/v1/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
