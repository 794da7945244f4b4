package api

import (
	"encoding/json"
	"time"

	"github.com/quan-xiao/testmanager/internal/store"
)

// EnqueueRequest is the JSON body for POST /tasks.
type EnqueueRequest struct {
	ID           string            `json:"id,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Requirements map[string]string `json:"requirements,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	MaxAttempts  int               `json:"max_attempts,omitempty"`
}

// TaskView is the JSON form of a task.
type TaskView struct {
	ID           string            `json:"id"`
	State        store.TaskState   `json:"state"`
	Priority     int               `json:"priority"`
	Requirements map[string]string `json:"requirements,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	TestBoxID    *string           `json:"testbox_id,omitempty"`
	Generation   int               `json:"generation"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	AssignedAt   *time.Time        `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	LastError    *string           `json:"last_error,omitempty"`
}

// ResultView is the JSON form of an accepted result.
type ResultView struct {
	ID          string    `json:"id"`
	TestBoxID   string    `json:"testbox_id"`
	Generation  int       `json:"generation"`
	Outcome     string    `json:"outcome"`
	LogRef      *string   `json:"log_ref,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// TaskDetail is returned by GET /tasks/{id}.
type TaskDetail struct {
	TaskView
	Results []ResultView `json:"results"`
}

// TestBoxView is the JSON form of a testbox.
type TestBoxView struct {
	ID               string             `json:"id"`
	Address          string             `json:"address,omitempty"`
	State            store.TestBoxState `json:"state"`
	Capabilities     map[string]string  `json:"capabilities,omitempty"`
	CapabilitiesHash string             `json:"capabilities_hash,omitempty"`
	TaskID           *string            `json:"task_id,omitempty"`
	LastSeen         time.Time          `json:"last_seen"`
	DeadlineAt       *time.Time         `json:"deadline_at,omitempty"`
	SignedOnAt       *time.Time         `json:"signed_on_at,omitempty"`
}

// DisableResponse is returned by POST /testboxes/{id}/disable.
type DisableResponse struct {
	TestBoxID    string `json:"testbox_id"`
	State        string `json:"state"`
	RequeuedTask string `json:"requeued_task,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Tasks         map[string]int `json:"tasks"`
	TestBoxes     map[string]int `json:"testboxes"`
}

// NewTaskView converts a stored task to its JSON form.
func NewTaskView(t *store.Task) TaskView {
	return TaskView{
		ID:           t.ID,
		State:        t.State,
		Priority:     t.Priority,
		Requirements: t.Requirements,
		Payload:      t.Payload,
		TestBoxID:    t.TestBoxID,
		Generation:   t.Generation,
		Attempts:     t.Attempts,
		MaxAttempts:  t.MaxAttempts,
		CreatedAt:    t.CreatedAt,
		AssignedAt:   t.AssignedAt,
		CompletedAt:  t.CompletedAt,
		LastError:    t.LastError,
	}
}

func NewResultView(r *store.Result) ResultView {
	return ResultView{
		ID:          r.ID,
		TestBoxID:   r.TestBoxID,
		Generation:  r.Generation,
		Outcome:     r.Outcome,
		LogRef:      r.LogRef,
		CompletedAt: r.CompletedAt,
	}
}

// NewTestBoxView converts a stored testbox to its JSON form.
func NewTestBoxView(b *store.TestBox) TestBoxView {
	return TestBoxView{
		ID:               b.ID,
		Address:          b.Address,
		State:            b.State,
		Capabilities:     b.Capabilities,
		CapabilitiesHash: b.CapabilitiesHash,
		TaskID:           b.TaskID,
		LastSeen:         b.LastSeen,
		DeadlineAt:       b.DeadlineAt,
		SignedOnAt:       b.SignedOnAt,
	}
}
