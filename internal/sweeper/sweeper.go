// Package sweeper runs housekeeping tasks on a fixed interval.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("sweeper is already running")
	ErrInvalidInterval = errors.New("sweep interval must be positive")
)

// Task is one unit of periodic housekeeping.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Sweeper runs its tasks in registration order on every tick. A failing
// task is logged and does not stop the others.
type Sweeper struct {
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	tasks    []Task
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	runs     int
}

// New creates a sweeper ticking every interval.
func New(interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}, nil
}

// Add registers a task. Tasks added while running take effect on the next tick.
func (s *Sweeper) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Start begins the ticker loop. The loop ends on Stop or when ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go s.runLoop(ctx, s.stopChan, s.done)

	s.logger.Info("Sweeper started", "interval", s.interval, "tasks", len(s.tasks))
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("Sweeper stopped")
}

// Runs returns how many passes have completed.
func (s *Sweeper) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Sweeper) runLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes every task once and returns the joined task errors.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	var errs []error
	for _, task := range tasks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			s.logger.Error("Sweep task failed", "task", task.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("Sweep task completed", "task", task.Name, "duration", time.Since(start))
	}

	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	return errors.Join(errs...)
}
