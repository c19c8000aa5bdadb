// Package jobs runs device work one job at a time off the caller's goroutine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrAlreadyBusy = errors.New("another job is already running")

// JobState describes the job currently owning the devices.
type JobState struct {
	Busy  bool      `json:"busy"`
	Job   string    `json:"job,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// Coordinator admits a single job at a time. A job submitted while another is in
// flight is rejected, never queued.
type Coordinator struct {
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	state JobState
	done  chan struct{}
}

func NewCoordinator(log *zap.Logger, now func() time.Time) *Coordinator {
	return &Coordinator{log: log, now: now}
}

func (c *Coordinator) State() JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) acquire(name string, done chan struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Busy {
		return fmt.Errorf("%w: %s since %s", ErrAlreadyBusy, c.state.Job, c.state.Since.Format(time.TimeOnly))
	}
	c.state = JobState{Busy: true, Job: name, Since: c.now()}
	c.done = done
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = JobState{}
	c.done = nil
}

// Wait blocks until no job is in flight or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Task is the future of a submitted job.
type Task[T any] struct {
	name  string
	done  chan struct{}
	value T
	err   error
}

func (t *Task[T]) Name() string {
	return t.name
}

func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait returns the job result. Giving up on ctx leaves the job running.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit starts fn on its own goroutine, or fails with ErrAlreadyBusy before doing
// any work. fn runs detached from ctx cancellation so a started job always finishes.
func Submit[T any](ctx context.Context, c *Coordinator, name string, fn func(ctx context.Context) (T, error)) (*Task[T], error) {
	task := &Task[T]{
		name: name,
		done: make(chan struct{}),
	}
	if err := c.acquire(name, task.done); err != nil {
		c.log.Warn("job rejected", zap.String("job", name), zap.Error(err))
		return nil, err
	}
	jobCtx := context.WithoutCancel(ctx)
	started := c.now()
	c.log.Debug("job started", zap.String("job", name))
	go func() {
		defer close(task.done)
		defer c.release()
		defer func() {
			if r := recover(); r != nil {
				task.err = fmt.Errorf("job %s panicked: %v", name, r)
				c.log.Error("job panicked", zap.String("job", name), zap.Any("panic", r))
			}
		}()
		task.value, task.err = fn(jobCtx)
		log := c.log.With(zap.String("job", name), zap.Duration("took", c.now().Sub(started)))
		if task.err != nil {
			log.Debug("job failed", zap.Error(task.err))
			return
		}
		log.Debug("job done")
	}()
	return task, nil
}
