package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quan-xiao/testmanager/internal/store"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/quan-xiao/testmanager/internal/assign TaskSource

// TaskSource is the slice of the task store the policy needs.
type TaskSource interface {
	ListPendingTasks(ctx context.Context, after *store.Task, limit int) ([]*store.Task, error)
	ClaimTask(ctx context.Context, taskID, testBoxID string, now time.Time) (*store.Task, error)
}

const (
	DefaultBatch  = 50
	DefaultRounds = 3
)

// Policy picks the oldest pending task a testbox can run and claims it.
type Policy struct {
	tasks  TaskSource
	batch  int
	rounds int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithBatch sets how many pending tasks are read per page.
func WithBatch(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithRounds bounds how many times the candidate list is re-read after losing
// claims to other testboxes.
func WithRounds(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.rounds = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

func NewPolicy(tasks TaskSource, logger *slog.Logger, opts ...Option) *Policy {
	p := &Policy{
		tasks:  tasks,
		batch:  DefaultBatch,
		rounds: DefaultRounds,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Select claims a compatible task for testBoxID. It returns (nil, nil) when no
// compatible task exists or every candidate was taken by someone else within
// the retry budget. Lost claims are not errors.
func (p *Policy) Select(ctx context.Context, testBoxID string, caps map[string]string) (*store.Task, error) {
	for round := 0; round < p.rounds; round++ {
		task, lost, err := p.scan(ctx, testBoxID, caps)
		if err != nil || task != nil {
			return task, err
		}
		if !lost {
			return nil, nil
		}
		p.logger.Debug("claim contention, re-reading candidates", "testbox_id", testBoxID, "round", round+1)
	}
	return nil, nil
}

// scan walks the pending list once in dispatch order.
func (p *Policy) scan(ctx context.Context, testBoxID string, caps map[string]string) (*store.Task, bool, error) {
	lost := false
	var after *store.Task
	for {
		page, err := p.tasks.ListPendingTasks(ctx, after, p.batch)
		if err != nil {
			return nil, lost, fmt.Errorf("list candidates: %w", err)
		}
		for _, t := range page {
			if !Satisfies(t.Requirements, caps) {
				continue
			}
			claimed, err := p.tasks.ClaimTask(ctx, t.ID, testBoxID, p.now())
			if errors.Is(err, store.ErrClaimLost) {
				lost = true
				continue
			}
			if err != nil {
				return nil, lost, err
			}
			return claimed, lost, nil
		}
		if len(page) < p.batch {
			return nil, lost, nil
		}
		after = page[len(page)-1]
	}
}
