package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic scheduler entry. The per-task mutex guarantees at
// most one invocation in flight: a task overrunning its interval delays its
// next run rather than queueing it.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	mu      sync.Mutex
	state   sync.Mutex
	lastRun time.Time
	nextRun time.Time
	running bool
}

// TaskInfo is the read-only view exposed on the scheduler endpoint.
type TaskInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	NextRun  time.Time     `json:"next_run,omitzero"`
	Running  bool          `json:"running"`
}

// Scheduler drives the periodic tasks of the orchestrator. Tasks are
// interval-triggered, never wall-clock phased.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []*Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
	grace  time.Duration
}

// NewScheduler constructs a Scheduler with a shutdown grace period.
func NewScheduler(grace time.Duration, tasks ...*Task) *Scheduler {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Scheduler{tasks: tasks, grace: grace}
}

// Start launches one goroutine per task. It is a no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runTask(runCtx, t)
	}
	slog.Info("scheduler started", slog.Int("tasks", len(s.tasks)))
}

func (s *Scheduler) runTask(ctx context.Context, t *Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	t.setNextRun(time.Now().Add(t.Interval))
	s.invoke(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.setNextRun(time.Now().Add(t.Interval))
			s.invoke(ctx, t)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, t *Task) {
	if !t.mu.TryLock() {
		// Previous invocation still in flight; skip rather than queue.
		slog.Debug("scheduler task overlap skipped", slog.String("task", t.Name))
		return
	}
	defer t.mu.Unlock()

	t.setRunning(true)
	defer t.setRunning(false)

	start := time.Now()
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("scheduler task failed", slog.String("task", t.Name), slog.Any("error", err))
	}
	t.setLastRun(start)
	slog.Debug("scheduler task finished",
		slog.String("task", t.Name),
		slog.Duration("took", time.Since(start)))
}

// Stop cancels all tasks and waits up to the grace period for in-flight
// invocations to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler stopped")
	case <-time.After(s.grace):
		slog.Warn("scheduler stop grace period exceeded")
	}
}

// Reset stops the tasks and starts them again on a fresh context.
func (s *Scheduler) Reset(ctx context.Context) {
	s.Stop()
	s.wg = sync.WaitGroup{}
	s.Start(ctx)
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Tasks returns the current task views.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info())
	}
	return out
}

func (t *Task) setLastRun(at time.Time) {
	t.state.Lock()
	defer t.state.Unlock()
	t.lastRun = at
}

func (t *Task) setNextRun(at time.Time) {
	t.state.Lock()
	defer t.state.Unlock()
	t.nextRun = at
}

func (t *Task) setRunning(v bool) {
	t.state.Lock()
	defer t.state.Unlock()
	t.running = v
}

func (t *Task) info() TaskInfo {
	t.state.Lock()
	defer t.state.Unlock()
	return TaskInfo{Name: t.Name, Interval: t.Interval, LastRun: t.lastRun, NextRun: t.nextRun, Running: t.running}
}
