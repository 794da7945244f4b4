package scheduler

import (
	"context"
	"time"

	"github.com/quan-xiao/testmanager/internal/store"
)

//go:generate mockgen -destination=mocks/mock_fleet.go -package=mocks github.com/quan-xiao/testmanager/internal/scheduler FleetService,Expirer

// FleetService defines the store operations used by the sweeper.
type FleetService interface {
	ListStaleTestBoxes(ctx context.Context, cutoff, now time.Time) ([]*store.TestBox, error)
	ResetAwaiting(ctx context.Context, now time.Time) (int, error)
}

// Expirer forces the sign-off transition on a dead testbox.
type Expirer interface {
	Expire(ctx context.Context, testBoxID string, cutoff, now time.Time) (*store.Task, error)
}
