package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quan-xiao/testmanager/internal/assign"
	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/storage"
	"github.com/quan-xiao/testmanager/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t        *testing.T
	store    *store.SQLStore
	engine   *Engine
	boundary *Boundary
	hub      *events.Hub
	diag     *bytes.Buffer
	clock    *fakeClock
}

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	st := store.New(db, storage.SQLite)
	hub := events.NewHub(64)
	policy := assign.NewPolicy(st, newTestLogger(), assign.WithClock(clock.Now), assign.WithRounds(16))
	engine := NewEngine(st, policy, opts, newTestLogger(), WithEvents(hub), WithClock(clock.Now))

	var diag bytes.Buffer
	diagLogger := slog.New(slog.NewJSONHandler(&diag, nil))
	return &harness{
		t:        t,
		store:    st,
		engine:   engine,
		boundary: NewBoundary(engine, diagLogger, newTestLogger(), nil),
		hub:      hub,
		diag:     &diag,
		clock:    clock,
	}
}

// do sends a command with key/value parameter pairs.
func (h *harness) do(cmd string, kv ...string) protocol.Outcome {
	h.t.Helper()
	params := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i]] = kv[i+1]
	}
	return h.boundary.Handle(context.Background(), cmd, params, protocol.Caller{Address: "10.0.0.7"})
}

func (h *harness) enqueue(id string, reqs map[string]string) *store.Task {
	h.t.Helper()
	task, err := h.store.EnqueueTask(context.Background(), store.EnqueueRequest{ID: id, Requirements: reqs}, h.clock.Now())
	require.NoError(h.t, err)
	h.clock.Advance(time.Second)
	return task
}

func (h *harness) box(id string) *store.TestBox {
	h.t.Helper()
	b, err := h.store.GetTestBox(context.Background(), id)
	require.NoError(h.t, err)
	return b
}

func (h *harness) task(id string) *store.Task {
	h.t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(h.t, err)
	return task
}

func assignedTask(t *testing.T, o protocol.Outcome) (string, int) {
	t.Helper()
	require.Equal(t, protocol.ResultOK, o.Result, "outcome: %+v", o)
	id, _ := o.Payload["task_id"].(string)
	gen, _ := o.Payload["generation"].(int)
	return id, gen
}

func TestScenarioAssignCompleteAndDuplicateReport(t *testing.T) {
	h := newHarness(t, Options{})

	o := h.do("SIGN_ON", "testbox_id", "tb-1", "cap.os", "linux")
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, store.BoxIdle, o.Payload["state"])

	h.enqueue("t1", map[string]string{"os": "linux"})
	h.enqueue("t2", map[string]string{"os": "windows"})

	taskID, gen := assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
	assert.Equal(t, "t1", taskID)
	assert.Equal(t, 1, gen)
	assert.Equal(t, store.BoxAssigned, h.box("tb-1").State)

	o = h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", "t1", "generation", strconv.Itoa(gen), "outcome", "passed")
	require.Equal(t, protocol.ResultOK, o.Result, "%+v", o)
	assert.Equal(t, store.TaskDone, h.task("t1").State)
	assert.Equal(t, store.BoxIdle, h.box("tb-1").State)

	o = h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", "t1", "generation", strconv.Itoa(gen), "outcome", "passed")
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidState), "%+v", o)

	o = h.do("REQUEST_TASK", "testbox_id", "tb-1")
	assert.Equal(t, protocol.ResultNoWork, o.Result)
	assert.Equal(t, store.TaskPending, h.task("t2").State)
}

func TestSignOnIdempotentRefreshesCapabilities(t *testing.T) {
	h := newHarness(t, Options{})

	for i, os := range []string{"linux", "linux", "solaris"} {
		o := h.do("SIGN_ON", "testbox_id", "tb-1", "cap.os", os)
		require.Equal(t, protocol.ResultOK, o.Result, "sign-on %d", i)
	}

	boxes, err := h.store.ListTestBoxes(context.Background())
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, store.BoxIdle, boxes[0].State)
	assert.Equal(t, "solaris", boxes[0].Capabilities["os"])
	assert.Equal(t, assign.Fingerprint(map[string]string{"os": "solaris"}), boxes[0].CapabilitiesHash)
	assert.Equal(t, "10.0.0.7", boxes[0].Address)
}

func TestSignOnWhileHoldingTaskRequeues(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")
	h.enqueue("t1", nil)
	assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))

	require.Equal(t, protocol.ResultOK, h.do("SIGN_ON", "testbox_id", "tb-1").Result)
	task := h.task("t1")
	assert.Equal(t, store.TaskPending, task.State)
	assert.Equal(t, 2, task.Generation)
}

func TestUnknownTestBox(t *testing.T) {
	h := newHarness(t, Options{})

	for _, cmd := range []string{"REQUEST_TASK", "HEARTBEAT", "REPORT_PROGRESS", "SIGN_OFF"} {
		o := h.do(cmd, "testbox_id", "ghost")
		assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox), "%s: %+v", cmd, o)
	}

	h.do("SIGN_ON", "testbox_id", "tb-1")
	require.Equal(t, protocol.ResultOK, h.do("SIGN_OFF", "testbox_id", "tb-1").Result)
	o := h.do("HEARTBEAT", "testbox_id", "tb-1")
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox))
}

func TestFIFOUnderNoContention(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")
	for i := 1; i <= 5; i++ {
		h.enqueue(fmt.Sprintf("t%d", i), nil)
	}

	for i := 1; i <= 5; i++ {
		id, gen := assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
		assert.Equal(t, fmt.Sprintf("t%d", i), id)
		o := h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", id, "generation", strconv.Itoa(gen), "outcome", "failed")
		require.Equal(t, protocol.ResultOK, o.Result)
		assert.Equal(t, store.TaskFailed, h.task(id).State)
	}
}

func TestRequestTaskNoWorkReturnsBoxToIdle(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1", "cap.os", "linux")
	h.enqueue("win", map[string]string{"os": "windows"})

	o := h.do("REQUEST_TASK", "testbox_id", "tb-1")
	assert.Equal(t, protocol.ResultNoWork, o.Result)
	assert.Equal(t, store.BoxIdle, h.box("tb-1").State)

	h.enqueue("lin", map[string]string{"os": "linux|solaris"})
	id, _ := assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
	assert.Equal(t, "lin", id)

	o = h.do("REQUEST_TASK", "testbox_id", "tb-1")
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidState))
}

func TestConcurrentRequestsAssignAtMostOnce(t *testing.T) {
	h := newHarness(t, Options{})
	const boxes = 10
	for i := 0; i < boxes; i++ {
		require.Equal(t, protocol.ResultOK, h.do("SIGN_ON", "testbox_id", fmt.Sprintf("tb-%d", i)).Result)
	}
	h.enqueue("only", nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		noWork  int
	)
	for i := 0; i < boxes; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o := h.boundary.Handle(context.Background(), "REQUEST_TASK", map[string]string{"testbox_id": id}, protocol.Caller{})
			mu.Lock()
			defer mu.Unlock()
			switch o.Result {
			case protocol.ResultOK:
				winners = append(winners, id)
			case protocol.ResultNoWork:
				noWork++
			default:
				t.Errorf("unexpected outcome for %s: %+v", id, o)
			}
		}(fmt.Sprintf("tb-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, boxes-1, noWork)
	task := h.task("only")
	require.NotNil(t, task.TestBoxID)
	assert.Equal(t, winners[0], *task.TestBoxID)
	assert.Equal(t, 1, task.Attempts)
}

func TestTimeoutRequeueRejectsOldGeneration(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")
	h.do("SIGN_ON", "testbox_id", "tb-2")
	h.enqueue("t1", nil)
	h.enqueue("t2", nil)

	_, gen := assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
	require.Equal(t, 1, gen)

	// A heartbeat inside the liveness window keeps the box alive.
	h.clock.Advance(time.Minute)
	require.Equal(t, protocol.ResultOK, h.do("HEARTBEAT", "testbox_id", "tb-1").Result)
	_, err := h.engine.Expire(context.Background(), "tb-1", h.clock.Now().Add(-time.Second), h.clock.Now())
	assert.ErrorIs(t, err, store.ErrStateConflict)
	assert.Equal(t, store.BoxAssigned, h.box("tb-1").State)

	h.clock.Advance(10 * time.Minute)
	requeued, err := h.engine.Expire(context.Background(), "tb-1", h.clock.Now().Add(-5*time.Minute), h.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, store.TaskPending, requeued.State)
	assert.Equal(t, 2, requeued.Generation)
	assert.Equal(t, store.BoxUnregistered, h.box("tb-1").State)

	// The dead box is gone: its late report is refused outright.
	o := h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", "t1", "generation", "1", "outcome", "passed")
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox))

	// tb-2 picks the task up again at generation 2.
	id, gen := assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-2"))
	assert.Equal(t, "t1", id)
	assert.Equal(t, 2, gen)

	// tb-1 comes back, takes t2, then reports t1 at the old generation.
	h.do("SIGN_ON", "testbox_id", "tb-1")
	id, _ = assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
	require.Equal(t, "t2", id)
	o = h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", "t1", "generation", "1", "outcome", "passed")
	assert.True(t, o.IsProtocolError(protocol.ErrStaleReport), "%+v", o)
	assert.Equal(t, store.BoxIdle, h.box("tb-1").State)
	assert.Equal(t, store.TaskPending, h.task("t2").State)
	assert.Equal(t, store.TaskAssigned, h.task("t1").State)
	assert.Contains(t, h.diag.String(), "stale result report")

	o = h.do("REPORT_RESULT", "testbox_id", "tb-2", "task_id", "t1", "generation", "2", "outcome", "passed")
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, store.TaskDone, h.task("t1").State)
}

func TestStaleGenerationOnOwnTask(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")
	h.enqueue("t1", nil)
	assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
	h.do("SIGN_ON", "testbox_id", "tb-1")
	_, gen := assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))
	require.Equal(t, 2, gen)

	o := h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", "t1", "generation", "1", "outcome", "passed")
	assert.True(t, o.IsProtocolError(protocol.ErrStaleReport))
	task := h.task("t1")
	assert.Equal(t, store.TaskPending, task.State)
	assert.Equal(t, 3, task.Generation)

	results, err := h.store.ResultsForTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReportProgress(t *testing.T) {
	h := newHarness(t, Options{ProgressGrace: time.Hour})
	h.do("SIGN_ON", "testbox_id", "tb-1")

	o := h.do("REPORT_PROGRESS", "testbox_id", "tb-1")
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidState))

	h.enqueue("t1", nil)
	assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))

	o = h.do("REPORT_PROGRESS", "testbox_id", "tb-1", "message", "booting")
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, store.BoxRunning, o.Payload["state"])
	box := h.box("tb-1")
	require.NotNil(t, box.DeadlineAt)
	assert.True(t, h.clock.Now().Add(time.Hour).Equal(*box.DeadlineAt))

	o = h.do("REPORT_PROGRESS", "testbox_id", "tb-1", "phase", "reporting")
	require.Equal(t, protocol.ResultOK, o.Result)
	o = h.do("REPORT_PROGRESS", "testbox_id", "tb-1", "phase", "running")
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, store.BoxReporting, o.Payload["state"])
	assert.Equal(t, store.TaskReporting, h.task("t1").State)

	o = h.do("REPORT_RESULT", "testbox_id", "tb-1", "task_id", "t1", "generation", "1", "outcome", "skipped")
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, store.TaskDone, h.task("t1").State)
}

func TestHeartbeatRefreshesLastSeenOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")
	h.clock.Advance(time.Minute)

	o := h.do("HEARTBEAT", "testbox_id", "tb-1")
	require.Equal(t, protocol.ResultOK, o.Result)
	box := h.box("tb-1")
	assert.Equal(t, store.BoxIdle, box.State)
	assert.True(t, h.clock.Now().Equal(box.LastSeen))
}

func TestSignOffRequeuesTask(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")
	h.enqueue("t1", nil)
	assignedTask(t, h.do("REQUEST_TASK", "testbox_id", "tb-1"))

	o := h.do("SIGN_OFF", "testbox_id", "tb-1")
	require.Equal(t, protocol.ResultOK, o.Result)
	assert.Equal(t, store.BoxUnregistered, h.box("tb-1").State)
	task := h.task("t1")
	assert.Equal(t, store.TaskPending, task.State)
	assert.Equal(t, 2, task.Generation)

	var types []string
	for _, ev := range h.hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.TestBoxSignedOn, events.TaskAssigned, events.TaskRequeued, events.TestBoxSignedOff,
	}, types)
}

func TestDisableRevokesUntilSignOn(t *testing.T) {
	h := newHarness(t, Options{})
	h.do("SIGN_ON", "testbox_id", "tb-1")

	_, err := h.engine.Disable(context.Background(), "tb-1")
	require.NoError(t, err)
	o := h.do("REQUEST_TASK", "testbox_id", "tb-1")
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox))

	require.Equal(t, protocol.ResultOK, h.do("SIGN_ON", "testbox_id", "tb-1").Result)
	assert.Equal(t, protocol.ResultNoWork, h.do("REQUEST_TASK", "testbox_id", "tb-1").Result)

	_, err = h.engine.Disable(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnforceAddress(t *testing.T) {
	h := newHarness(t, Options{EnforceAddress: true})

	o := h.do("SIGN_ON", "testbox_id", "tb-1", "address", "10.9.9.9")
	assert.True(t, o.IsProtocolError(protocol.ErrInvalidParameter))

	require.Equal(t, protocol.ResultOK, h.do("SIGN_ON", "testbox_id", "tb-1").Result)
	require.Equal(t, protocol.ResultOK, h.do("HEARTBEAT", "testbox_id", "tb-1").Result)

	o = h.boundary.Handle(context.Background(), "HEARTBEAT", map[string]string{"testbox_id": "tb-1"}, protocol.Caller{Address: "10.6.6.6"})
	assert.True(t, o.IsProtocolError(protocol.ErrUnknownTestBox))
}

func TestRedirect(t *testing.T) {
	h := newHarness(t, Options{RedirectTo: "https://tm2.example.org/testbox"})

	o := h.do("SIGN_ON", "testbox_id", "tb-1")
	assert.Equal(t, protocol.ResultRedirect, o.Result)
	assert.Equal(t, "https://tm2.example.org/testbox", o.Location)

	_, err := h.store.GetTestBox(context.Background(), "tb-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
