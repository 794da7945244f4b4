package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/quan-xiao/testmanager/internal/protocol"
	"github.com/quan-xiao/testmanager/internal/telemetry"
)

// Handler is what the Boundary wraps. *Engine implements it.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Request) (protocol.Outcome, error)
}

// Boundary is the only place faults are translated. It validates raw input,
// runs the handler, turns errors and panics into INTERNAL_ERROR, and writes
// internal faults and stale reports to the diagnostic channel.
type Boundary struct {
	handler    Handler
	diagnostic *slog.Logger
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

func NewBoundary(h Handler, diagnostic, logger *slog.Logger, metrics *telemetry.Metrics) *Boundary {
	return &Boundary{handler: h, diagnostic: diagnostic, logger: logger, metrics: metrics}
}

// Handle never fails; every path yields an outcome for the transport.
func (b *Boundary) Handle(ctx context.Context, command string, params map[string]string, caller protocol.Caller) (out protocol.Outcome) {
	testBoxID := params[protocol.ParamTestBoxID]
	fields := []any{
		"command", command,
		"testbox_id", testBoxID,
		"caller", caller.Address,
	}

	defer func() {
		if r := recover(); r != nil {
			b.diagnostic.Error("panic while handling command",
				append(fields, "fault", fmt.Sprint(r), "stack", string(debug.Stack()))...)
			out = protocol.Internal()
		}
		b.metrics.RecordOutcome(ctx, metricCommand(command), string(out.Result))
		b.logger.Debug("command handled", append(fields, "result", out.Result, "error", out.Error)...)
	}()

	req, err := protocol.Parse(command, params, caller)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return protocol.Reject(perr)
		}
		b.diagnostic.Error("request validation failed", append(fields, "fault", err.Error())...)
		return protocol.Internal()
	}

	out, err = b.handler.Handle(ctx, req)
	if err != nil {
		b.diagnostic.Error("internal error", append(fields, "fault", err.Error())...)
		return protocol.Internal()
	}
	if out.IsProtocolError(protocol.ErrStaleReport) {
		b.diagnostic.Warn("stale result report",
			append(fields,
				"task_id", params[protocol.ParamTaskID],
				"generation", params[protocol.ParamGeneration],
				"fault", out.Message)...)
	}
	return out
}

// metricCommand keeps arbitrary caller input out of metric attributes.
func metricCommand(command string) string {
	if c, ok := protocol.ParseCommand(command); ok {
		return string(c)
	}
	return "UNKNOWN"
}
