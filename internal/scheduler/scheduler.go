package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"smart-mail-sorter-go/internal/config"
	"smart-mail-sorter-go/internal/pipeline"
)

// Sweeper runs one categorization pass over every connected customer
type Sweeper interface {
	Sweep(ctx context.Context) (*pipeline.SweepSummary, error)
}

// Status is a snapshot of the scheduler state
type Status struct {
	Running         bool                   `json:"running"`
	IntervalMinutes int                    `json:"interval_minutes"`
	NextRun         *time.Time             `json:"next_run,omitempty"`
	LastRun         *time.Time             `json:"last_run,omitempty"`
	LastSummary     *pipeline.SweepSummary `json:"last_summary,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
}

// Scheduler manages the periodic categorization sweep
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    config.SchedulerConfig
	sweeper   Sweeper
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex

	lastRun     time.Time
	lastSummary *pipeline.SweepSummary
	lastErr     error
}

// New creates a new scheduler
func New(cfg config.SchedulerConfig, sweeper Sweeper) *Scheduler {
	return &Scheduler{
		config:  cfg,
		sweeper: sweeper,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if s.config.IntervalMinutes <= 0 {
		return fmt.Errorf("invalid scheduler interval: %d", s.config.IntervalMinutes)
	}

	// a stopped cron cannot be restarted cleanly, so every start gets a fresh one
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logrus.StandardLogger()))),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)
	entryID, err := s.cron.AddFunc(schedule, s.sweep)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()
	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) sweep() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping sweep")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.execute(ctx); err != nil {
		logrus.WithError(err).Error("Scheduled sweep failed")
	}
}

// RunOnce runs a sweep immediately, outside the schedule
func (s *Scheduler) RunOnce(ctx context.Context) (*pipeline.SweepSummary, error) {
	logrus.Info("Running categorization sweep once")
	return s.execute(ctx)
}

func (s *Scheduler) execute(ctx context.Context) (*pipeline.SweepSummary, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	summary, err := s.sweeper.Sweep(ctx)

	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastSummary = summary
	s.lastErr = err
	s.mu.Unlock()

	return summary, err
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the time the last sweep finished
func (s *Scheduler) GetLastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// Status reports the scheduler state
func (s *Scheduler) Status() Status {
	next := s.GetNextRun()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running:         s.isRunning,
		IntervalMinutes: s.config.IntervalMinutes,
		LastSummary:     s.lastSummary,
	}
	if !next.IsZero() {
		st.NextRun = &next
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Wait waits for in-flight sweeps to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
