// Package dispatch is the testbox protocol state machine.
//
// The Engine processes one command at a time against the task store and
// returns a protocol.Outcome. It keeps no state between requests; everything
// lives in the store and every transition is committed before the outcome is
// returned.
//
// Key features:
//   - Fixed command set: SIGN_ON, REQUEST_TASK, REPORT_PROGRESS, REPORT_RESULT,
//     HEARTBEAT, SIGN_OFF
//   - Per-box state machine (unregistered, idle, awaiting_task, assigned,
//     running, reporting, disabled)
//   - Generation-checked results; stale reports are rejected, never merged
//   - Requeue on sign-off, re-sign-on, liveness expiry and operator disable
//   - Optional redirect of every command to another controller
//
// Error handling:
//   - Caller mistakes → protocol error outcome with a specific kind
//   - Store contention → retried by the assignment policy, or NO_WORK
//   - Anything else → returned error, turned into INTERNAL_ERROR by the
//     Boundary, which also writes the diagnostic channel
package dispatch
