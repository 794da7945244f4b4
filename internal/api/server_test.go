package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quan-xiao/testmanager/internal/assign"
	"github.com/quan-xiao/testmanager/internal/dispatch"
	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/scheduler"
	"github.com/quan-xiao/testmanager/internal/storage"
	"github.com/quan-xiao/testmanager/internal/store"
)

const testKey = "test-key"

type harness struct {
	t       *testing.T
	store   *store.SQLStore
	hub     *events.Hub
	server  *Server
	handler http.Handler
}

func newHarness(t *testing.T, apiKey string, opts dispatch.Options) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st := store.New(db, storage.SQLite)
	hub := events.NewHub(64)
	engine := dispatch.NewEngine(st, assign.NewPolicy(st, logger), opts, logger, dispatch.WithEvents(hub))
	boundary := dispatch.NewBoundary(engine, logger, logger, nil)
	sweeper := scheduler.New(scheduler.Config{}, st, engine, hub, nil, logger)

	srv := New(Config{APIKey: apiKey, MaxAttempts: 2}, boundary, st, engine, sweeper, hub, logger)
	return &harness{t: t, store: st, hub: hub, server: srv, handler: srv.Handler()}
}

func (h *harness) form(command string, kv ...string) (*httptest.ResponseRecorder, protocol.Outcome) {
	h.t.Helper()
	vals := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		vals.Set(kv[i], kv[i+1])
	}
	req := httptest.NewRequest(http.MethodPost, "/testbox/"+command, strings.NewReader(vals.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "10.0.0.7:51234"
	return h.serve(req)
}

func (h *harness) json(command, body string) (*httptest.ResponseRecorder, protocol.Outcome) {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/testbox/"+command, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return h.serve(req)
}

func (h *harness) serve(req *http.Request) (*httptest.ResponseRecorder, protocol.Outcome) {
	h.t.Helper()
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	o, err := protocol.DecodeOutcome(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(h.t, err, rr.Body.String())
	return rr, o
}

func (h *harness) admin(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestTestBoxLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})

	rr, o := h.form("SIGN_ON", "testbox_id", "tb-1", "cap.os", "linux")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	_, o = h.json("REQUEST_TASK", `{"testbox_id":"tb-1"}`)
	assert.Equal(t, protocol.ResultNoWork, o.Result)

	rr = h.admin(http.MethodPost, "/tasks", `{"id":"t1","requirements":{"os":"linux"},"payload":{"suite":"smoke"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[TaskView](t, rr)
	assert.Equal(t, store.TaskPending, created.State)
	assert.Equal(t, 2, created.MaxAttempts)

	rr, o = h.json("REQUEST_TASK", `{"testbox_id":"tb-1"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, "t1", o.Payload["task_id"])
	assert.EqualValues(t, 1, o.Payload["generation"])

	_, o = h.form("REPORT_PROGRESS", "testbox_id", "tb-1", "phase", "running")
	assert.Equal(t, protocol.ResultOK, o.Result)

	rr, o = h.json("REPORT_RESULT", `{"testbox_id":"tb-1","task_id":"t1","generation":1,"outcome":"passed","log_ref":"s3://logs/t1"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, protocol.ResultOK, o.Result)

	rr, o = h.json("REPORT_RESULT", `{"testbox_id":"tb-1","task_id":"t1","generation":1,"outcome":"passed"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidState))

	rr = h.admin(http.MethodGet, "/tasks/t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[TaskDetail](t, rr)
	assert.Equal(t, store.TaskDone, detail.State)
	require.Len(t, detail.Results, 1)
	assert.Equal(t, "passed", detail.Results[0].Outcome)
	require.NotNil(t, detail.Results[0].LogRef)
	assert.Equal(t, "s3://logs/t1", *detail.Results[0].LogRef)

	rr = h.admin(http.MethodGet, "/testboxes", "")
	require.Equal(t, http.StatusOK, rr.Code)
	boxes := decode[[]TestBoxView](t, rr)
	require.Len(t, boxes, 1)
	assert.Equal(t, store.BoxIdle, boxes[0].State)
	assert.Equal(t, "10.0.0.7", boxes[0].Address)
	assert.Equal(t, map[string]string{"os": "linux"}, boxes[0].Capabilities)
}

func TestTestBoxProtocolErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})

	rr, o := h.form("REBOOT", "testbox_id", "tb-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownCommand))

	rr, o = h.form("HEARTBEAT")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, o.IsProtocolError(protocol.ErrMissingParameter))

	rr, o = h.form("HEARTBEAT", "testbox_id", "ghost")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox))

	rr, o = h.json("HEARTBEAT", `["not","an","object"]`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidParameter))

	rr, o = h.json("REPORT_RESULT", `{"testbox_id":"tb-1","task_id":"t1","generation":"one","outcome":"passed"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidParameter))
}

func TestTestBoxQueryParameters(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})

	req := httptest.NewRequest(http.MethodPost, "/testbox/SIGN_ON?testbox_id=tb-q&cap.arch=arm64", nil)
	rr, o := h.serve(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, protocol.ResultOK, o.Result)

	box, err := h.store.GetTestBox(context.Background(), "tb-q")
	require.NoError(t, err)
	assert.Equal(t, "arm64", box.Capabilities["arch"])
}

func TestTestBoxRedirect(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{RedirectTo: "http://tm2.lab:8380"})

	rr, o := h.form("SIGN_ON", "testbox_id", "tb-1")
	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	assert.Equal(t, "http://tm2.lab:8380", rr.Header().Get("Location"))
	assert.Equal(t, protocol.ResultRedirect, o.Result)
}

func TestAdminAuth(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rr = httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	disabled := newHarness(t, "", dispatch.Options{})
	rr = disabled.admin(http.MethodGet, "/tasks", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// The testbox protocol never needs the key.
	_, o := disabled.form("SIGN_ON", "testbox_id", "tb-1")
	assert.Equal(t, protocol.ResultOK, o.Result)
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})

	assert.Equal(t, http.StatusBadRequest, h.admin(http.MethodPost, "/tasks", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, h.admin(http.MethodPost, "/tasks", `{"prio":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.admin(http.MethodPost, "/tasks", `{"max_attempts":-1}`).Code)

	require.Equal(t, http.StatusCreated, h.admin(http.MethodPost, "/tasks", `{"id":"dup","max_attempts":5}`).Code)
	assert.Equal(t, http.StatusConflict, h.admin(http.MethodPost, "/tasks", `{"id":"dup"}`).Code)

	rr := h.admin(http.MethodPost, "/tasks", `{}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.NotEmpty(t, decode[TaskView](t, rr).ID)

	evs := h.hub.SnapshotSince(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TaskEnqueued, evs[0].Type)
}

func TestListTasks(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusCreated, h.admin(http.MethodPost, "/tasks", `{"id":"`+id+`"}`).Code)
	}

	rr := h.admin(http.MethodGet, "/tasks?state=pending&limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	tasks := decode[[]TaskView](t, rr)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)

	rr = h.admin(http.MethodGet, "/tasks?state=done", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]TaskView](t, rr))

	assert.Equal(t, http.StatusBadRequest, h.admin(http.MethodGet, "/tasks?state=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.admin(http.MethodGet, "/tasks?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodGet, "/tasks/missing", "").Code)
}

func TestDisableRequeuesHeldTask(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})
	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodPost, "/testboxes/ghost/disable", "").Code)

	h.form("SIGN_ON", "testbox_id", "tb-1")
	require.Equal(t, http.StatusCreated, h.admin(http.MethodPost, "/tasks", `{"id":"t1"}`).Code)
	_, o := h.form("REQUEST_TASK", "testbox_id", "tb-1")
	require.Equal(t, protocol.ResultOK, o.Result)

	rr := h.admin(http.MethodPost, "/testboxes/tb-1/disable", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[DisableResponse](t, rr)
	assert.Equal(t, "t1", resp.RequeuedTask)
	assert.Equal(t, "disabled", resp.State)

	_, o = h.form("HEARTBEAT", "testbox_id", "tb-1")
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox))

	task, err := h.store.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.State)
}

func TestSweepEndpoint(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})
	rr := h.admin(http.MethodPost, "/sweep", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rep := decode[scheduler.Report](t, rr)
	assert.Equal(t, 0, rep.Checked)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	noSweep := New(Config{APIKey: testKey}, nil, h.store, nil, nil, nil, logger)
	req := httptest.NewRequest(http.MethodPost, "/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rr = httptest.NewRecorder()
	noSweep.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})
	h.form("SIGN_ON", "testbox_id", "tb-1")
	h.admin(http.MethodPost, "/tasks", `{"id":"t1"}`)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Tasks["pending"])
	assert.Equal(t, 1, resp.TestBoxes["idle"])
}

func TestOpenAPIDoc(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})
	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var doc struct {
		OpenAPI string                    `json:"openapi"`
		Paths   map[string]map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc.OpenAPI)
	assert.Len(t, doc.Paths, len(protocol.Commands))
	assert.Contains(t, doc.Paths, "/testbox/REPORT_RESULT")
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	h := newHarness(t, testKey, dispatch.Options{})
	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	h.hub.Publish(events.TaskEnqueued, map[string]any{"task_id": "early"})
	h.hub.Publish(events.TaskEnqueued, map[string]any{"task_id": "missed"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	nextData := func() string {
		for scanner.Scan() {
			if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				return data
			}
		}
		t.Fatalf("stream ended: %v", scanner.Err())
		return ""
	}

	assert.Contains(t, nextData(), "missed")

	go h.hub.Publish(events.TaskEnqueued, map[string]any{"task_id": "live"})
	assert.Contains(t, nextData(), "live")
}

func TestValidateAPIKey(t *testing.T) {
	assert.True(t, ValidateAPIKey("provided", "provided"))
	assert.False(t, ValidateAPIKey("provided", "other"))
	assert.False(t, ValidateAPIKey("", "configured"))
	assert.False(t, ValidateAPIKey("provided", ""))
}

func TestExtractAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	req.Header.Set("Authorization", "Bearer test-key")
	key, err := ExtractAPIKey(req)
	require.NoError(t, err)
	assert.Equal(t, "test-key", key)

	req = httptest.NewRequest(http.MethodGet, "http://example.test", nil)
	_, err = ExtractAPIKey(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Basic abc")
	_, err = ExtractAPIKey(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Bearer    ")
	_, err = ExtractAPIKey(req)
	assert.ErrorContains(t, err, "missing API key")
}
