// Package worker provides the small loop helpers shared by the
// background tasks: interruptible waits and a periodic runner with
// panic recovery.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Task runs at a fixed interval inside Run.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)

	lastRun time.Time
}

// Run executes the tasks on their intervals until ctx is cancelled.
// Every task also runs once at startup. A panicking task is logged and
// the loop keeps going.
func Run(ctx context.Context, name string, tasks []Task, logger *zerolog.Logger) error {
	logger.Info().Str("worker", name).Msg("starting worker loop")

	defer logger.Info().Str("worker", name).Msg("worker loop stopped")

	own := make([]Task, len(tasks))
	copy(own, tasks)

	for {
		now := time.Now()

		for i := range own {
			task := &own[i]
			if task.Run == nil || task.Interval <= 0 {
				continue
			}

			if !task.lastRun.IsZero() && now.Sub(task.lastRun) < task.Interval {
				continue
			}

			runTask(ctx, task, logger)
			task.lastRun = now
		}

		if err := Wait(ctx, time.Second); err != nil {
			return fmt.Errorf("worker loop %s: %w", name, err)
		}
	}
}

func runTask(ctx context.Context, task *Task, logger *zerolog.Logger) {
	defer RecoverPanic(logger, task.Name)

	logger.Debug().Str("task", task.Name).Msg("running periodic task")
	task.Run(ctx)
}

// Wait blocks until d elapses or ctx is cancelled.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("wait interrupted: %w", ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// RecoverPanic recovers from panics and logs them.
// Use as: defer worker.RecoverPanic(logger, "operation name")
func RecoverPanic(logger *zerolog.Logger, operation string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic", r).
			Str("operation", operation).
			Msg("recovered from panic")
	}
}
