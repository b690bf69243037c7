// Package sweep runs the periodic housekeeping jobs: expired-session purge
// and crash-recovery requeue of messages whose lease outlived their worker.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-dispatch/internal/store"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper's dependencies.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger
	// SessionPurgeSpec is a cron expression for the session sweep.
	// Defaults to hourly on the hour.
	SessionPurgeSpec string
	// LeaseInterval is how often expired leases are requeued.
	// Defaults to 1 minute.
	LeaseInterval time.Duration
}

// Sweeper owns the housekeeping loops.
type Sweeper struct {
	store         *store.Store
	logger        *slog.Logger
	purgeSchedule cronlib.Schedule
	leaseInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. An invalid cron spec is an error at wiring time,
// not at the first missed sweep.
func New(cfg Config) (*Sweeper, error) {
	spec := cfg.SessionPurgeSpec
	if spec == "" {
		spec = "0 * * * *"
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	interval := cfg.LeaseInterval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:         cfg.Store,
		logger:        logger,
		purgeSchedule: schedule,
		leaseInterval: interval,
	}, nil
}

// Start launches both loops in the background.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.purgeLoop(ctx)
	go s.leaseLoop(ctx)
	s.logger.Info("sweeper started", "lease_interval", s.leaseInterval)
}

// Stop cancels the loops and waits for them to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) purgeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.purgeSchedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.PurgeSessions(ctx)
		}
	}
}

func (s *Sweeper) leaseLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.leaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RequeueLeases(ctx)
		}
	}
}

// PurgeSessions removes expired session rows. Exported so an operator
// command can trigger it outside the schedule.
func (s *Sweeper) PurgeSessions(ctx context.Context) {
	n, err := s.store.PurgeExpiredSessions(ctx)
	if err != nil {
		s.logger.Error("session purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired sessions purged", "count", n)
	}
}

// RequeueLeases returns messages with expired leases to the queue.
func (s *Sweeper) RequeueLeases(ctx context.Context) {
	n, err := s.store.RequeueExpiredLeases(ctx)
	if err != nil {
		s.logger.Error("lease requeue failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("stale leases requeued", "count", n)
	}
}
