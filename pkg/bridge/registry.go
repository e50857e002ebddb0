package bridge

import (
	"sync"
	"sync/atomic"
)

// Registry tracks live bridges so they can be closed in bulk on shutdown.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	nextID   atomic.Uint64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// NextID hands out monotonically increasing session identifiers, starting at 1.
func (r *Registry) NextID() uint64 {
	return r.nextID.Add(1)
}

// Add stores b unless the registry is draining.
func (r *Registry) Add(b *Bridge) bool {
	if r.draining.Load() {
		return false
	}
	if _, loaded := r.sessions.LoadOrStore(b.ID(), b); loaded {
		return false
	}
	r.count.Add(1)
	// CloseAll may have run between the draining check and the store.
	if r.draining.Load() {
		r.Remove(b.ID())
		return false
	}
	return true
}

func (r *Registry) Get(id uint64) (*Bridge, bool) {
	if v, ok := r.sessions.Load(id); ok {
		return v.(*Bridge), true
	}
	return nil, false
}

func (r *Registry) Remove(id uint64) {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
	}
}

// CloseAll marks the registry draining and closes every live bridge.
func (r *Registry) CloseAll() {
	r.draining.Store(true)
	r.sessions.Range(func(_, value any) bool {
		_ = value.(*Bridge).Close()
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

// SetDraining makes Add refuse new bridges.
func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}
