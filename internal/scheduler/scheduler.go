package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quan-xiao/testmanager/internal/events"
	"github.com/quan-xiao/testmanager/internal/store"
	"github.com/quan-xiao/testmanager/internal/telemetry"
)

const (
	DefaultSchedule        = "@every 30s"
	DefaultLivenessTimeout = 5 * time.Minute
)

// Config controls the liveness sweep.
type Config struct {
	Schedule        string
	LivenessTimeout time.Duration
}

// Report summarizes one sweep.
type Report struct {
	At       time.Time `json:"at"`
	Checked  int       `json:"checked"`
	Expired  []string  `json:"expired"`
	Requeued []string  `json:"requeued"`
}

// Scheduler runs the liveness sweep on a cron schedule and on demand.
type Scheduler struct {
	cfg     Config
	fleet   FleetService
	expirer Expirer
	events  events.Publisher
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time

	sweepMu sync.Mutex
	cron    *cron.Cron
}

// New creates a new Scheduler instance.
func New(cfg Config, fleet FleetService, expirer Expirer, pub events.Publisher, metrics *telemetry.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Scheduler{
		cfg:     cfg,
		fleet:   fleet,
		expirer: expirer,
		events:  pub,
		metrics: metrics,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
	}
}

// Start performs crash recovery and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "schedule", s.cfg.Schedule, "liveness_timeout", s.cfg.LivenessTimeout)

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Liveness sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Recover returns boxes a crashed process left in
// awaiting_task to idle. No request is in flight before the API listens.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.fleet.ResetAwaiting(ctx, s.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warn("Recovered testboxes stuck awaiting a task", "count", n)
	}
	return nil
}

// Sweep signs off every box whose last heartbeat is older than the liveness
// timeout and whose progress deadline has passed. Their tasks are requeued.
func (s *Scheduler) Sweep(ctx context.Context) (*Report, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	now := s.now()
	cutoff := now.Add(-s.cfg.LivenessTimeout)
	stale, err := s.fleet.ListStaleTestBoxes(ctx, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("list stale testboxes: %w", err)
	}

	rep := &Report{At: now.UTC(), Checked: len(stale), Expired: []string{}, Requeued: []string{}}
	var errs []error
	for _, box := range stale {
		requeued, err := s.expirer.Expire(ctx, box.ID, cutoff, now)
		if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
			// The box reported or moved on its own since the listing.
			continue
		}
		if err != nil {
			s.logger.Error("Failed to expire testbox", "testbox_id", box.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Warn("Testbox missed its liveness deadline",
			"testbox_id", box.ID, "last_seen", box.LastSeen, "state", box.State)
		rep.Expired = append(rep.Expired, box.ID)
		if requeued != nil {
			rep.Requeued = append(rep.Requeued, requeued.ID)
		}
	}

	s.metrics.RecordExpired(ctx, len(rep.Expired))
	s.events.Publish(events.SweepCompleted, rep)
	if len(rep.Expired) > 0 {
		s.logger.Info("Liveness sweep completed", "checked", rep.Checked, "expired", len(rep.Expired))
	} else {
		s.logger.Debug("Liveness sweep completed", "checked", rep.Checked)
	}
	return rep, errors.Join(errs...)
}
