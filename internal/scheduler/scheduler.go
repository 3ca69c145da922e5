// Package scheduler runs recurring background tasks on a clock-driven
// ticker until their context is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/smartbin/internal/logging"
	"github.com/dmitrijs2005/smartbin/internal/timex"
)

// Task is one recurring unit of background work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	// Trigger, when set, runs the task out of cycle on every receive.
	Trigger <-chan struct{}
	// RunAtStart runs the task once before the first tick.
	RunAtStart bool
}

type Scheduler struct {
	clock  timex.Clock
	logger logging.Logger
}

func New(clock timex.Clock, logger logging.Logger) *Scheduler {
	return &Scheduler{clock: clock, logger: logger.With("module", "scheduler")}
}

// Run blocks until ctx is done, executing task on every tick. Errors and
// panics are logged and the task runs again on its next tick.
func (s *Scheduler) Run(ctx context.Context, task Task) error {
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.Name)
	}

	ticker := s.clock.NewTicker(task.Interval)
	defer ticker.Stop()

	if task.RunAtStart {
		s.runOnce(ctx, task)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.runOnce(ctx, task)
		case <-task.Trigger:
			s.runOnce(ctx, task)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task) {
	if ctx.Err() != nil {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error(ctx, "task panicked", "task", task.Name, "panic", fmt.Sprint(p))
		}
	}()

	if err := task.Run(ctx); err != nil {
		s.logger.Error(ctx, "task failed", "task", task.Name, "error", err)
	}
}
