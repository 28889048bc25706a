// Package worker runs the background tasks that move ACME orders forward and
// keep the CA's published state fresh.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blockadesystems/pkifoundry/internal/metrics"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "worker"))
}

// SetLogger replaces the package logger.
func SetLogger(l *zap.Logger) {
	logger = l.With(zap.String("package", "worker"))
}

// Task is one unit of recurring background work. Run must return only once
// everything it started has finished.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type scheduled struct {
	task     Task
	interval time.Duration
}

// Scheduler runs every registered task on its own ticker. Runs of the same
// task never overlap: a tick that arrives while the previous run is still
// going is dropped.
type Scheduler struct {
	tasks []scheduled
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers task to run every interval.
func (s *Scheduler) Add(task Task, interval time.Duration) {
	s.tasks = append(s.tasks, scheduled{task: task, interval: interval})
}

// Run blocks until ctx is cancelled and every task loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, st := range s.tasks {
		if st.interval <= 0 {
			return fmt.Errorf("worker: task %s has a non-positive interval", st.task.Name())
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, st := range s.tasks {
		st := st
		g.Go(func() error {
			loop(ctx, st.task, st.interval)
			return nil
		})
	}
	logger.Info("Background workers started", zap.Int("tasks", len(s.tasks)))
	err := g.Wait()
	logger.Info("Background workers stopped")
	return err
}

func loop(ctx context.Context, task Task, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunOnce(ctx, task)
		}
	}
}

// RunOnce executes a single pass of task, recording metrics and turning a
// panic into an error.
func RunOnce(ctx context.Context, task Task) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: task %s panicked: %v", task.Name(), r)
		}
		metrics.ObserveWorker(task.Name(), start, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker pass failed", zap.String("task", task.Name()), zap.Error(err))
		}
	}()
	return task.Run(ctx)
}
