// Package poller provides a registry of named recurring tasks, each
// running an async action on its own interval with a per-task error
// policy.
package poller

import (
	"context"
	"sync"
	"time"

	apperrors "streamview/pkg/errors"

	"go.uber.org/zap"
)

// Action is the function a task runs on every tick.
type Action func(ctx context.Context) error

// Options controls the error policy of a task.
type Options struct {
	// StopOnError cancels the task when the action returns any error.
	StopOnError bool

	// StopOnAuthError cancels the task when the action returns an
	// error carrying the authorization-failure marker.
	StopOnAuthError bool

	// OnError is invoked with the action error before the stop policy
	// is evaluated. Panics inside the callback are swallowed.
	OnError func(error)
}

// DefaultOptions returns the default error policy.
func DefaultOptions() Options {
	return Options{StopOnAuthError: true}
}

// Status describes a running task.
type Status struct {
	ID        string        `json:"id"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

type task struct {
	id        string
	action    Action
	interval  time.Duration
	options   Options
	startedAt time.Time
	cancel    context.CancelFunc
}

// Registry schedules named recurring tasks. Replacing a task with the
// same id cancels the previous timer first, so no two timers for one
// id can coexist. Overlapping runs of the same task are not prevented:
// each tick dispatches the action without waiting for the previous run,
// so actions must be idempotent or cheap to skip.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	logger *zap.SugaredLogger
}

// NewRegistry creates an empty task registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Start schedules action to run every interval, first run after one
// interval (not immediately). Any existing task with the same id is
// cancelled first.
func (r *Registry) Start(id string, action Action, interval time.Duration, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startLocked(id, action, interval, opts)
}

func (r *Registry) startLocked(id string, action Action, interval time.Duration, opts Options) {
	if existing, ok := r.tasks[id]; ok {
		existing.cancel()
		delete(r.tasks, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:        id,
		action:    action,
		interval:  interval,
		options:   opts,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	r.tasks[id] = t

	go r.run(ctx, t)
	r.logger.Debugw("polling task started", "task_id", id, "interval", interval)
}

func (r *Registry) run(ctx context.Context, t *task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Dispatch without waiting for the previous run.
			go r.dispatch(ctx, t)
		}
	}
}

func (r *Registry) dispatch(ctx context.Context, t *task) {
	err := t.action(ctx)
	if err == nil {
		return
	}

	r.logger.Warnw("polling task action failed", "task_id", t.id, "error", err)

	if t.options.OnError != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Warnw("polling task error callback panicked", "task_id", t.id, "panic", rec)
				}
			}()
			t.options.OnError(err)
		}()
	}

	stop := t.options.StopOnError ||
		(t.options.StopOnAuthError && apperrors.IsAuthError(err))
	if stop {
		r.stopTask(t)
	}
}

// stopTask cancels a specific task instance. A task replaced between
// the failing run and this call is left alone: the id now belongs to
// the replacement.
func (r *Registry) stopTask(t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.tasks[t.id]
	if !ok || cur != t {
		return
	}
	cur.cancel()
	delete(r.tasks, t.id)
	r.logger.Debugw("polling task stopped", "task_id", t.id)
}

// Stop cancels a task. It returns true when a task existed and was
// cancelled.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	t.cancel()
	delete(r.tasks, id)
	r.logger.Debugw("polling task stopped", "task_id", id)
	return true
}

// StopAll cancels every task.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tasks {
		t.cancel()
		delete(r.tasks, id)
	}
}

// Status reports one task. The zero Status with Running=false is
// returned for unknown ids.
func (r *Registry) Status(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Status{ID: id}
	}
	return statusOf(t)
}

// StatusAll reports every running task.
func (r *Registry) StatusAll() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, statusOf(t))
	}
	return out
}

func statusOf(t *task) Status {
	return Status{
		ID:        t.id,
		Running:   true,
		Interval:  t.interval,
		StartedAt: t.startedAt,
		Elapsed:   time.Since(t.startedAt),
	}
}

// UpdateInterval reschedules a task on a new interval, preserving its
// action and options. It returns false for unknown ids.
func (r *Registry) UpdateInterval(id string, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	r.startLocked(id, t.action, interval, t.options)
	return true
}
