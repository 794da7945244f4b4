package protocol

import (
	"sort"
	"strconv"
	"strings"
)

// Parameter names used by the protocol.
const (
	ParamTestBoxID  = "testbox_id"
	ParamAddress    = "address"
	ParamPhase      = "phase"
	ParamMessage    = "message"
	ParamTaskID     = "task_id"
	ParamGeneration = "generation"
	ParamOutcome    = "outcome"
	ParamLogRef     = "log_ref"

	// CapabilityPrefix marks SIGN_ON parameters that declare capabilities,
	// e.g. cap.os=linux.
	CapabilityPrefix = "cap."
)

// Progress phases accepted by REPORT_PROGRESS.
const (
	PhaseRunning   = "running"
	PhaseReporting = "reporting"
)

type kind int

const (
	kindString kind = iota
	kindInt
	kindPhase
	kindOutcome
)

type field struct {
	name     string
	kind     kind
	required bool
}

// schemas is the accepted parameter set per command. Keys not listed are
// ignored, except cap.* on SIGN_ON.
var schemas = map[Command][]field{
	SignOn: {
		{name: ParamTestBoxID, required: true},
		{name: ParamAddress},
	},
	RequestTask: {
		{name: ParamTestBoxID, required: true},
	},
	ReportProgress: {
		{name: ParamTestBoxID, required: true},
		{name: ParamPhase, kind: kindPhase},
		{name: ParamMessage},
	},
	ReportResult: {
		{name: ParamTestBoxID, required: true},
		{name: ParamTaskID, required: true},
		{name: ParamGeneration, kind: kindInt, required: true},
		{name: ParamOutcome, kind: kindOutcome, required: true},
		{name: ParamLogRef},
	},
	Heartbeat: {
		{name: ParamTestBoxID, required: true},
	},
	SignOff: {
		{name: ParamTestBoxID, required: true},
	},
}

// knownParam reports whether any command accepts name.
func knownParam(name string) bool {
	if strings.HasPrefix(name, CapabilityPrefix) {
		return true
	}
	for _, fields := range schemas {
		for _, f := range fields {
			if f.name == name {
				return true
			}
		}
	}
	return false
}

// Request is a command whose parameters passed schema validation.
type Request struct {
	Command Command
	Caller  Caller

	values map[string]string
	ints   map[string]int64
	caps   map[string]string
}

// Parse validates command and raw parameters against the command schema.
// The returned error is always a *Error.
func Parse(command string, raw map[string]string, caller Caller) (*Request, error) {
	cmd, ok := ParseCommand(command)
	if !ok {
		return nil, Errorf(ErrUnknownCommand, "unknown command %q", command)
	}

	req := &Request{
		Command: cmd,
		Caller:  caller,
		values:  make(map[string]string),
		ints:    make(map[string]int64),
	}

	for _, f := range schemas[cmd] {
		v := strings.TrimSpace(raw[f.name])
		if v == "" {
			if f.required {
				return nil, Errorf(ErrMissingParameter, "%s requires %q", cmd, f.name)
			}
			continue
		}
		switch f.kind {
		case kindInt:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, Errorf(ErrInvalidParameter, "%q must be an integer, got %q", f.name, v)
			}
			req.ints[f.name] = n
		case kindPhase:
			if v != PhaseRunning && v != PhaseReporting {
				return nil, Errorf(ErrInvalidParameter, "%q must be %q or %q", f.name, PhaseRunning, PhaseReporting)
			}
		case kindOutcome:
			if _, ok := ParseTestOutcome(v); !ok {
				return nil, Errorf(ErrInvalidParameter, "unknown outcome %q", v)
			}
		}
		req.values[f.name] = v
	}

	if cmd == SignOn {
		req.caps = capabilities(raw)
	}
	return req, nil
}

func capabilities(raw map[string]string) map[string]string {
	caps := make(map[string]string)
	for k, v := range raw {
		name, ok := strings.CutPrefix(k, CapabilityPrefix)
		if !ok || name == "" {
			continue
		}
		caps[name] = strings.TrimSpace(v)
	}
	return caps
}

// TestBoxID returns the testbox identifier; every command carries one.
func (r *Request) TestBoxID() string { return r.values[ParamTestBoxID] }

// String returns a validated string parameter, or "" when absent.
func (r *Request) String(name string) string { return r.values[name] }

// Int returns a validated integer parameter.
func (r *Request) Int(name string) int64 { return r.ints[name] }

// Outcome returns the REPORT_RESULT outcome.
func (r *Request) Outcome() TestOutcome { return TestOutcome(r.values[ParamOutcome]) }

// Capabilities returns a copy of the capabilities declared on SIGN_ON.
func (r *Request) Capabilities() map[string]string {
	out := make(map[string]string, len(r.caps))
	for k, v := range r.caps {
		out[k] = v
	}
	return out
}

// Parameter describes one accepted parameter of a command.
type Parameter struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"` // "string" or "integer"
	Enum     []string `json:"enum,omitempty"`
	Required bool     `json:"required"`
}

// Parameters returns the accepted parameters of cmd in declaration order.
// Capability parameters on SIGN_ON are open-ended and not listed.
func Parameters(cmd Command) []Parameter {
	out := make([]Parameter, 0, len(schemas[cmd]))
	for _, f := range schemas[cmd] {
		p := Parameter{Name: f.name, Type: "string", Required: f.required}
		switch f.kind {
		case kindInt:
			p.Type = "integer"
		case kindPhase:
			p.Enum = []string{PhaseRunning, PhaseReporting}
		case kindOutcome:
			p.Enum = TestOutcomes()
		}
		out = append(out, p)
	}
	return out
}

// Fields lists the accepted parameter names for cmd, sorted, with required
// ones marked by a trailing "*". Used for help output.
func Fields(cmd Command) []string {
	var names []string
	for _, p := range Parameters(cmd) {
		name := p.Name
		if p.Required {
			name += "*"
		}
		names = append(names, name)
	}
	if cmd == SignOn {
		names = append(names, CapabilityPrefix+"<name>")
	}
	sort.Strings(names)
	return names
}
