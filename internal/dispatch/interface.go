package dispatch

import (
	"context"
	"time"

	"github.com/quan-xiao/testmanager/internal/store"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/quan-xiao/testmanager/internal/dispatch Store

// Store defines the task store operations used by the engine.
type Store interface {
	GetTestBox(ctx context.Context, id string) (*store.TestBox, error)
	SignOn(ctx context.Context, req store.SignOnRequest, now time.Time) (*store.SignOnResult, error)
	BeginRequest(ctx context.Context, testBoxID string, now time.Time) error
	EndRequest(ctx context.Context, testBoxID string, now time.Time) error
	Touch(ctx context.Context, testBoxID string, now time.Time) error
	ReportProgress(ctx context.Context, testBoxID string, phase store.TestBoxState, deadline, now time.Time) (*store.TestBox, error)
	RecordResult(ctx context.Context, rep store.ResultReport, now time.Time) (*store.Settlement, error)
	Release(ctx context.Context, testBoxID string, target store.TestBoxState, reason string, now time.Time) (*store.Task, error)
	ExpireStale(ctx context.Context, testBoxID, reason string, cutoff, now time.Time) (*store.Task, error)
}

// Selector picks and claims a task for a box in awaiting_task.
type Selector interface {
	Select(ctx context.Context, testBoxID string, caps map[string]string) (*store.Task, error)
}
