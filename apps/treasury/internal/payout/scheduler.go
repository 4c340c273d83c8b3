package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"treasury/apps/treasury/internal/model"
)

// Scheduler runs engine ticks on the interval held in the control record and
// follows interval changes made through UpdateConfig.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	entryID  cron.EntryID
	interval time.Duration
}

// NewScheduler creates a new Scheduler
func NewScheduler(engine *Engine, logger *zap.Logger) *Scheduler {
	logger = logger.With(zap.String("component", "payout_scheduler"))
	return &Scheduler{
		engine: engine,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger))),
			cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(logger))),
		)),
		logger: logger,
	}
}

// Start schedules ticks and blocks until ctx is cancelled, then waits for a
// running tick to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	control, err := s.engine.Control(ctx)
	if err != nil {
		return fmt.Errorf("read engine control: %w", err)
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	if err := s.reschedule(control.Interval); err != nil {
		return err
	}
	s.engine.OnConfigChange(func(c model.EngineControl) {
		if err := s.reschedule(c.Interval); err != nil {
			s.logger.Error("Failed to reschedule payout ticks", zap.Duration("interval", c.Interval), zap.Error(err))
		}
	})

	s.cron.Start()
	s.logger.Info("Payout scheduler started", zap.Duration("interval", control.Interval))

	<-ctx.Done()
	s.logger.Info("Stopping payout scheduler, waiting for running tick")
	<-s.cron.Stop().Done()
	s.logger.Info("Payout scheduler stopped")
	return nil
}

func (s *Scheduler) reschedule(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 && interval == s.interval {
		return nil
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.tick)
	if err != nil {
		return fmt.Errorf("schedule payout ticks: %w", err)
	}
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.logger.Info("Payout tick interval changed", zap.Duration("from", s.interval), zap.Duration("to", interval))
	}
	s.entryID = id
	s.interval = interval
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	result, err := s.engine.RunOnce(ctx)
	if err != nil {
		s.logger.Error("Payout tick failed", zap.Error(err))
		return
	}
	if result.Skipped {
		s.logger.Debug("Previous payout tick still running")
	}
}
