package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDrainTimeout is returned when live sessions outlast the shutdown timeout.
	ErrDrainTimeout = errors.New("drain timeout")
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("runner already started")
)

// LifecycleRunner walks New -> Starting -> Running -> Draining -> Stopped.
// Shutdown is triggered by Run's context or by Stop, whichever comes first,
// and happens once.
type LifecycleRunner struct {
	state   atomic.Int32
	hooks   Hooks
	drainer Drainer
	timeout time.Duration

	stopReq  chan struct{}
	reqOnce  sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		stopReq: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run starts the hooks and blocks until ctx is done or Stop is called, then
// drains. A failing OnStart is returned without draining.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return ErrAlreadyRun
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			r.state.Store(int32(StateStopped))
			r.stopOnce.Do(func() { close(r.stopped) })
			return fmt.Errorf("start: %w", err)
		}
	}
	r.state.Store(int32(StateRunning))

	select {
	case <-ctx.Done():
	case <-r.stopReq:
	}
	return r.shutdown()
}

// Stop requests shutdown. Once Run has started, it waits for the drain to
// finish and returns its outcome.
func (r *LifecycleRunner) Stop() error {
	r.reqOnce.Do(func() { close(r.stopReq) })
	if r.State() == StateNew {
		return r.shutdown()
	}
	<-r.stopped
	return r.stopErr
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

// Done is closed once the runner reaches StateStopped.
func (r *LifecycleRunner) Done() <-chan struct{} { return r.stopped }

func (r *LifecycleRunner) shutdown() error {
	r.stopOnce.Do(func() {
		defer close(r.stopped)
		r.state.Store(int32(StateDraining))
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain(ctx) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("drain: %w", err)
		}
		if err != nil {
			return ErrDrainTimeout
		}
		return nil
	case <-ctx.Done():
		return ErrDrainTimeout
	}
}
