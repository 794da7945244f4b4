package store

import (
	"encoding/json"
	"errors"
	"time"
)

type TestBoxState string

const (
	BoxUnregistered TestBoxState = "unregistered"
	BoxIdle         TestBoxState = "idle"
	BoxAwaitingTask TestBoxState = "awaiting_task"
	BoxAssigned     TestBoxState = "assigned"
	BoxRunning      TestBoxState = "running"
	BoxReporting    TestBoxState = "reporting"
	BoxDisabled     TestBoxState = "disabled"
)

// Registered reports whether a box in this state may issue commands other
// than SIGN_ON.
func (s TestBoxState) Registered() bool {
	return s != BoxUnregistered && s != BoxDisabled && s != ""
}

// HoldsTask reports whether a box in this state owns an in-flight task.
func (s TestBoxState) HoldsTask() bool {
	return s == BoxAssigned || s == BoxRunning || s == BoxReporting
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskReporting TaskState = "reporting"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
)

// InFlight reports whether the task is owned by a testbox.
func (s TaskState) InFlight() bool {
	return s == TaskAssigned || s == TaskRunning || s == TaskReporting
}

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskTimedOut
}

type TestBox struct {
	ID               string
	Address          string
	Capabilities     map[string]string
	CapabilitiesHash string
	State            TestBoxState
	TaskID           *string
	LastSeen         time.Time
	DeadlineAt       *time.Time
	SignedOnAt       *time.Time
	CreatedAt        time.Time
}

type Task struct {
	ID           string
	Payload      json.RawMessage
	Requirements map[string]string
	Priority     int
	CreatedAt    time.Time
	State        TaskState
	TestBoxID    *string
	Generation   int
	Attempts     int
	MaxAttempts  int
	AssignedAt   *time.Time
	CompletedAt  *time.Time
	LastError    *string
}

type Result struct {
	ID          string
	TaskID      string
	TestBoxID   string
	Generation  int
	Outcome     string
	LogRef      *string
	CompletedAt time.Time
}

// EnqueueRequest describes a task handed over by the scheduling authority.
type EnqueueRequest struct {
	ID           string // optional; a uuid is generated when empty
	Payload      json.RawMessage
	Requirements map[string]string
	Priority     int
	MaxAttempts  int
}

// SignOnRequest carries what a testbox declares when it signs on.
type SignOnRequest struct {
	ID               string
	Address          string
	Capabilities     map[string]string
	CapabilitiesHash string
}

// SignOnResult reports what SignOn changed.
type SignOnResult struct {
	Box          *TestBox
	Created      bool
	PreviousHash string
	Requeued     *Task
}

// ResultReport is a finished-task report awaiting validation.
type ResultReport struct {
	TaskID     string
	TestBoxID  string
	Generation int
	Outcome    string
	Succeeded  bool
	LogRef     *string
}

var (
	ErrNotFound      = errors.New("not found")
	ErrStateConflict = errors.New("state changed concurrently")
	ErrClaimLost     = errors.New("task already claimed")
	ErrStaleReport   = errors.New("stale result report")
)
