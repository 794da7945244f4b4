package protocol

import (
	"fmt"
	"sort"
)

// Command is one of the fixed testbox protocol commands.
type Command string

const (
	SignOn         Command = "SIGN_ON"
	RequestTask    Command = "REQUEST_TASK"
	ReportProgress Command = "REPORT_PROGRESS"
	ReportResult   Command = "REPORT_RESULT"
	Heartbeat      Command = "HEARTBEAT"
	SignOff        Command = "SIGN_OFF"
)

// Commands lists every command in protocol order.
var Commands = []Command{SignOn, RequestTask, ReportProgress, ReportResult, Heartbeat, SignOff}

// ParseCommand validates a command name. Matching is exact.
func ParseCommand(s string) (Command, bool) {
	for _, c := range Commands {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Caller carries identity hints supplied by the transport.
type Caller struct {
	Address string
	User    string
}

// Result is the top-level response code on the wire.
type Result string

const (
	ResultOK            Result = "OK"
	ResultNoWork        Result = "NO_WORK"
	ResultRedirect      Result = "REDIRECT"
	ResultProtocolError Result = "PROTOCOL_ERROR"
	ResultInternalError Result = "INTERNAL_ERROR"
)

// ErrorKind classifies a caller-caused protocol error.
type ErrorKind string

const (
	ErrUnknownCommand   ErrorKind = "UNKNOWN_COMMAND"
	ErrUnknownTestBox   ErrorKind = "UNKNOWN_TESTBOX"
	ErrMissingParameter ErrorKind = "MISSING_PARAMETER"
	ErrInvalidParameter ErrorKind = "INVALID_PARAMETER"
	ErrInvalidState     ErrorKind = "INVALID_STATE"
	ErrStaleReport      ErrorKind = "STALE_REPORT"
)

// Error is a protocol error detected while validating a request. It is part of
// the contract with the testbox, not an internal fault.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a protocol error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Outcome is what the dispatch engine hands back to the transport.
type Outcome struct {
	Result   Result
	Error    ErrorKind
	Message  string
	Location string
	Payload  map[string]any
}

// Respond is a successful outcome carrying payload.
func Respond(payload map[string]any) Outcome {
	return Outcome{Result: ResultOK, Payload: payload}
}

// NoWork tells a requesting testbox that nothing is available for it.
func NoWork(payload map[string]any) Outcome {
	return Outcome{Result: ResultNoWork, Payload: payload}
}

// Redirect sends the testbox to another controller.
func Redirect(location string) Outcome {
	return Outcome{Result: ResultRedirect, Location: location}
}

// Reject turns a protocol error into an outcome.
func Reject(err *Error) Outcome {
	return Outcome{Result: ResultProtocolError, Error: err.Kind, Message: err.Message}
}

// Rejectf is Reject(Errorf(...)).
func Rejectf(kind ErrorKind, format string, args ...any) Outcome {
	return Reject(Errorf(kind, format, args...))
}

// Internal is the generic internal-error outcome. It never carries detail.
func Internal() Outcome {
	return Outcome{Result: ResultInternalError, Message: "internal error, retry later"}
}

// IsProtocolError reports whether o is a protocol error of kind.
func (o Outcome) IsProtocolError(kind ErrorKind) bool {
	return o.Result == ResultProtocolError && o.Error == kind
}

// TestOutcome is the status a testbox reports for a finished task.
type TestOutcome string

const (
	OutcomePassed     TestOutcome = "passed"
	OutcomeSkipped    TestOutcome = "skipped"
	OutcomeFailed     TestOutcome = "failed"
	OutcomeAborted    TestOutcome = "aborted"
	OutcomeBadTestBox TestOutcome = "bad_testbox"
	OutcomeTimedOut   TestOutcome = "timed_out"
	OutcomeRebooted   TestOutcome = "rebooted"
)

var testOutcomes = map[TestOutcome]bool{
	OutcomePassed:     true,
	OutcomeSkipped:    true,
	OutcomeFailed:     false,
	OutcomeAborted:    false,
	OutcomeBadTestBox: false,
	OutcomeTimedOut:   false,
	OutcomeRebooted:   false,
}

// TestOutcomes lists the accepted outcome names, sorted.
func TestOutcomes() []string {
	out := make([]string, 0, len(testOutcomes))
	for o := range testOutcomes {
		out = append(out, string(o))
	}
	sort.Strings(out)
	return out
}

// ParseTestOutcome validates a reported outcome.
func ParseTestOutcome(s string) (TestOutcome, bool) {
	o := TestOutcome(s)
	_, ok := testOutcomes[o]
	return o, ok
}

// Succeeded reports whether the task should be recorded as done rather than failed.
func (o TestOutcome) Succeeded() bool {
	return testOutcomes[o]
}
