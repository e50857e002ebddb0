package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver moves event delivery off the session goroutines. Per-frame
// and other high-volume events are dropped, and counted, when the buffer is
// full. Lifecycle events wait for room instead so downstream per-session
// state always sees a session open and close.
type AsyncObserver struct {
	inner     Observer
	ch        chan MetricsEvent
	done      chan struct{}
	dropped   atomic.Int64
	delivered atomic.Int64
	closed    atomic.Bool
	mu        sync.RWMutex
	once      sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	if inner == nil {
		inner = NoopObserver{}
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return
	}
	if Lifecycle(ev.Name) {
		a.ch <- ev
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *AsyncObserver) Dropped() int64 { return a.dropped.Load() }

func (a *AsyncObserver) Delivered() int64 { return a.delivered.Load() }

// Close stops intake and waits until buffered events reach the inner
// observer. Safe to call more than once.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
		a.delivered.Add(1)
	}
}
