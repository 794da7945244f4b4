package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quan-xiao/testmanager/internal/assign"
	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/store"
	"github.com/quan-xiao/testmanager/internal/telemetry"
)

// DefaultProgressGrace is how long a REPORT_PROGRESS keeps a box alive past
// the liveness timeout.
const DefaultProgressGrace = 10 * time.Minute

// Requeue reasons, also used as the metrics attribute.
const (
	ReasonSignedOff = "signed_off"
	ReasonSignedOn  = "signed_on"
	ReasonStale     = "stale_report"
	ReasonExpired   = "expired"
	ReasonDisabled  = "disabled"
)

// Options are the dispatch settings from configuration.
type Options struct {
	ProgressGrace  time.Duration
	EnforceAddress bool
	RedirectTo     string
}

// Engine is the per-request state machine. It is safe for concurrent use.
type Engine struct {
	store   Store
	policy  Selector
	opts    Options
	events  events.Publisher
	metrics *telemetry.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEvents publishes dispatch events to p.
func WithEvents(p events.Publisher) EngineOption {
	return func(e *Engine) { e.events = p }
}

// WithMetrics records dispatch counters on m.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the engine's time source. Tests use it.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. A zero ProgressGrace uses DefaultProgressGrace.
func NewEngine(st Store, policy Selector, opts Options, logger *slog.Logger, extra ...EngineOption) *Engine {
	if opts.ProgressGrace <= 0 {
		opts.ProgressGrace = DefaultProgressGrace
	}
	e := &Engine{
		store:  st,
		policy: policy,
		opts:   opts,
		events: events.Discard,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range extra {
		opt(e)
	}
	return e
}

// Handle runs one validated command. Protocol errors come back as outcomes;
// a non-nil error is an infrastructure fault.
func (e *Engine) Handle(ctx context.Context, req *protocol.Request) (protocol.Outcome, error) {
	if e.opts.RedirectTo != "" {
		return protocol.Redirect(e.opts.RedirectTo), nil
	}
	if req.Command == protocol.SignOn {
		return e.signOn(ctx, req)
	}

	box, rejected, err := e.identify(ctx, req)
	if err != nil {
		return protocol.Outcome{}, err
	}
	if rejected != nil {
		return protocol.Reject(rejected), nil
	}

	switch req.Command {
	case protocol.RequestTask:
		return e.requestTask(ctx, box)
	case protocol.ReportProgress:
		return e.reportProgress(ctx, box, req)
	case protocol.ReportResult:
		return e.reportResult(ctx, box, req)
	case protocol.Heartbeat:
		return e.heartbeat(ctx, box)
	case protocol.SignOff:
		return e.signOff(ctx, box)
	}
	return protocol.Rejectf(protocol.ErrUnknownCommand, "unknown command %q", req.Command), nil
}

// identify loads the calling box and checks it may issue commands.
func (e *Engine) identify(ctx context.Context, req *protocol.Request) (*store.TestBox, *protocol.Error, error) {
	id := req.TestBoxID()
	box, err := e.store.GetTestBox(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.ErrUnknownTestBox, "testbox %q has not signed on", id), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load testbox %s: %w", id, err)
	}
	if !box.State.Registered() {
		return nil, protocol.Errorf(protocol.ErrUnknownTestBox, "testbox %q is %s", id, box.State), nil
	}
	if e.opts.EnforceAddress && req.Caller.Address != box.Address {
		return nil, protocol.Errorf(protocol.ErrUnknownTestBox, "testbox %q is not registered from %s", id, req.Caller.Address), nil
	}
	return box, nil, nil
}

func (e *Engine) signOn(ctx context.Context, req *protocol.Request) (protocol.Outcome, error) {
	id := req.TestBoxID()
	addr := req.String(protocol.ParamAddress)
	if addr == "" {
		addr = req.Caller.Address
	}
	if e.opts.EnforceAddress && addr != req.Caller.Address {
		return protocol.Rejectf(protocol.ErrInvalidParameter, "address %s does not match caller %s", addr, req.Caller.Address), nil
	}

	caps := req.Capabilities()
	hash := assign.Fingerprint(caps)
	res, err := e.store.SignOn(ctx, store.SignOnRequest{
		ID:               id,
		Address:          addr,
		Capabilities:     caps,
		CapabilitiesHash: hash,
	}, e.now())
	if err != nil {
		return protocol.Outcome{}, fmt.Errorf("sign on %s: %w", id, err)
	}

	logger := e.logger.With("testbox_id", id)
	if !res.Created && res.PreviousHash != hash {
		logger.Info("testbox capabilities changed", "previous", res.PreviousHash, "current", hash)
	}
	if res.Requeued != nil {
		e.requeued(ctx, res.Requeued, id, ReasonSignedOn)
	}
	logger.Info("testbox signed on", "address", addr, "created", res.Created)
	e.events.Publish(events.TestBoxSignedOn, map[string]any{
		"testbox_id":   id,
		"address":      addr,
		"capabilities": caps,
		"created":      res.Created,
	})

	return protocol.Respond(map[string]any{
		"testbox_id": id,
		"state":      res.Box.State,
	}), nil
}

func (e *Engine) requestTask(ctx context.Context, box *store.TestBox) (protocol.Outcome, error) {
	if box.State != store.BoxIdle {
		return invalidState(protocol.RequestTask, box.State), nil
	}
	if err := e.store.BeginRequest(ctx, box.ID, e.now()); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return protocol.Rejectf(protocol.ErrInvalidState, "a request from testbox %q is already in progress", box.ID), nil
		}
		return protocol.Outcome{}, fmt.Errorf("begin request %s: %w", box.ID, err)
	}

	task, err := e.policy.Select(ctx, box.ID, box.Capabilities)
	if err != nil {
		e.abandonRequest(ctx, box.ID)
		if errors.Is(err, store.ErrStateConflict) {
			return protocol.Rejectf(protocol.ErrInvalidState, "testbox %q changed state during assignment", box.ID), nil
		}
		return protocol.Outcome{}, fmt.Errorf("select task for %s: %w", box.ID, err)
	}
	if task == nil {
		if err := e.store.EndRequest(ctx, box.ID, e.now()); err != nil && !errors.Is(err, store.ErrStateConflict) {
			return protocol.Outcome{}, fmt.Errorf("end request %s: %w", box.ID, err)
		}
		return protocol.NoWork(nil), nil
	}

	e.logger.Info("task assigned", "testbox_id", box.ID, "task_id", task.ID, "generation", task.Generation, "attempt", task.Attempts)
	e.events.Publish(events.TaskAssigned, map[string]any{
		"testbox_id": box.ID,
		"task_id":    task.ID,
		"generation": task.Generation,
	})
	return protocol.Respond(taskPayload(task)), nil
}

// abandonRequest puts a box back to idle after a failed assignment. The
// request context may already be done, so it runs detached.
func (e *Engine) abandonRequest(ctx context.Context, testBoxID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.EndRequest(ctx, testBoxID, e.now()); err != nil && !errors.Is(err, store.ErrStateConflict) {
		e.logger.Error("failed to return testbox to idle", "testbox_id", testBoxID, "error", err)
	}
}

func taskPayload(t *store.Task) map[string]any {
	p := map[string]any{
		"task_id":      t.ID,
		"generation":   t.Generation,
		"priority":     t.Priority,
		"requirements": t.Requirements,
	}
	if len(t.Payload) > 0 {
		p["payload"] = json.RawMessage(t.Payload)
	}
	return p
}

func (e *Engine) reportProgress(ctx context.Context, box *store.TestBox, req *protocol.Request) (protocol.Outcome, error) {
	if !box.State.HoldsTask() {
		return invalidState(protocol.ReportProgress, box.State), nil
	}
	phase := store.BoxRunning
	if req.String(protocol.ParamPhase) == protocol.PhaseReporting {
		phase = store.BoxReporting
	}

	now := e.now()
	updated, err := e.store.ReportProgress(ctx, box.ID, phase, now.Add(e.opts.ProgressGrace), now)
	if errors.Is(err, store.ErrStateConflict) {
		return protocol.Rejectf(protocol.ErrInvalidState, "testbox %q no longer holds a task", box.ID), nil
	}
	if err != nil {
		return protocol.Outcome{}, fmt.Errorf("report progress %s: %w", box.ID, err)
	}

	var taskID string
	if updated.TaskID != nil {
		taskID = *updated.TaskID
	}
	e.events.Publish(events.TaskProgress, map[string]any{
		"testbox_id": box.ID,
		"task_id":    taskID,
		"state":      updated.State,
		"message":    req.String(protocol.ParamMessage),
	})
	return protocol.Respond(map[string]any{
		"state":       updated.State,
		"deadline_at": updated.DeadlineAt,
	}), nil
}

func (e *Engine) reportResult(ctx context.Context, box *store.TestBox, req *protocol.Request) (protocol.Outcome, error) {
	if !box.State.HoldsTask() {
		return invalidState(protocol.ReportResult, box.State), nil
	}

	outcome := req.Outcome()
	rep := store.ResultReport{
		TaskID:     req.String(protocol.ParamTaskID),
		TestBoxID:  box.ID,
		Generation: int(req.Int(protocol.ParamGeneration)),
		Outcome:    string(outcome),
		Succeeded:  outcome.Succeeded(),
	}
	if ref := req.String(protocol.ParamLogRef); ref != "" {
		rep.LogRef = &ref
	}

	set, err := e.store.RecordResult(ctx, rep, e.now())
	switch {
	case errors.Is(err, store.ErrStaleReport):
		if set != nil && set.Requeued != nil {
			e.requeued(ctx, set.Requeued, box.ID, ReasonStale)
		}
		return protocol.Rejectf(protocol.ErrStaleReport,
			"result for task %s generation %d is not the live assignment of testbox %q", rep.TaskID, rep.Generation, box.ID), nil
	case errors.Is(err, store.ErrStateConflict):
		return protocol.Rejectf(protocol.ErrInvalidState, "testbox %q no longer holds a task", box.ID), nil
	case err != nil:
		return protocol.Outcome{}, fmt.Errorf("record result %s/%s: %w", box.ID, rep.TaskID, err)
	}

	e.logger.Info("task completed", "testbox_id", box.ID, "task_id", set.Task.ID, "outcome", rep.Outcome, "state", set.Task.State)
	e.events.Publish(events.TaskCompleted, map[string]any{
		"testbox_id": box.ID,
		"task_id":    set.Task.ID,
		"generation": set.Task.Generation,
		"outcome":    rep.Outcome,
		"state":      set.Task.State,
	})
	return protocol.Respond(map[string]any{
		"task_id": set.Task.ID,
		"state":   set.Task.State,
	}), nil
}

func (e *Engine) heartbeat(ctx context.Context, box *store.TestBox) (protocol.Outcome, error) {
	if err := e.store.Touch(ctx, box.ID, e.now()); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return protocol.Rejectf(protocol.ErrUnknownTestBox, "testbox %q signed off", box.ID), nil
		}
		return protocol.Outcome{}, fmt.Errorf("heartbeat %s: %w", box.ID, err)
	}
	return protocol.Respond(map[string]any{"state": box.State}), nil
}

func (e *Engine) signOff(ctx context.Context, box *store.TestBox) (protocol.Outcome, error) {
	_, err := e.release(ctx, box.ID, store.BoxUnregistered, ReasonSignedOff)
	if errors.Is(err, store.ErrStateConflict) {
		return protocol.Rejectf(protocol.ErrInvalidState, "testbox %q changed state, retry", box.ID), nil
	}
	if err != nil {
		return protocol.Outcome{}, err
	}
	return protocol.Respond(map[string]any{"state": store.BoxUnregistered}), nil
}

// Expire forces the sign-off transition on a box last seen before cutoff
// whose progress deadline has passed by now. A box that reported since the
// sweep listed it is left alone with store.ErrStateConflict.
func (e *Engine) Expire(ctx context.Context, testBoxID string, cutoff, now time.Time) (*store.Task, error) {
	return e.settleRelease(ctx, testBoxID, store.BoxUnregistered, ReasonExpired, func() (*store.Task, error) {
		return e.store.ExpireStale(ctx, testBoxID, ReasonExpired, cutoff, now)
	})
}

// Disable revokes a box. It must sign on again before it gets more work.
func (e *Engine) Disable(ctx context.Context, testBoxID string) (*store.Task, error) {
	return e.release(ctx, testBoxID, store.BoxDisabled, ReasonDisabled)
}

func (e *Engine) release(ctx context.Context, testBoxID string, target store.TestBoxState, reason string) (*store.Task, error) {
	return e.settleRelease(ctx, testBoxID, target, reason, func() (*store.Task, error) {
		return e.store.Release(ctx, testBoxID, target, reason, e.now())
	})
}

func (e *Engine) settleRelease(ctx context.Context, testBoxID string, target store.TestBoxState, reason string, apply func() (*store.Task, error)) (*store.Task, error) {
	requeued, err := apply()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStateConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("release testbox %s: %w", testBoxID, err)
	}
	if requeued != nil {
		e.requeued(ctx, requeued, testBoxID, reason)
	}
	e.logger.Info("testbox released", "testbox_id", testBoxID, "state", target, "reason", reason)
	e.events.Publish(events.TestBoxSignedOff, map[string]any{
		"testbox_id": testBoxID,
		"state":      target,
		"reason":     reason,
	})
	return requeued, nil
}

func (e *Engine) requeued(ctx context.Context, t *store.Task, testBoxID, reason string) {
	e.metrics.RecordRequeue(ctx, reason)
	e.logger.Warn("task taken back from testbox",
		"task_id", t.ID, "testbox_id", testBoxID, "reason", reason,
		"generation", t.Generation, "state", t.State)
	e.events.Publish(events.TaskRequeued, map[string]any{
		"task_id":    t.ID,
		"testbox_id": testBoxID,
		"generation": t.Generation,
		"state":      t.State,
		"reason":     reason,
	})
}

func invalidState(cmd protocol.Command, state store.TestBoxState) protocol.Outcome {
	return protocol.Rejectf(protocol.ErrInvalidState, "%s is not valid in state %s", cmd, state)
}
