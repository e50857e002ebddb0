package observers

import (
	"errors"

	"github.com/harunnryd/streamrelay/pkg/metrics"
)

// MultiObserver fans one event out to every member in order.
type MultiObserver struct {
	list []metrics.Observer
}

// NewMultiObserver ignores nil members.
func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{list: make([]metrics.Observer, 0, len(list))}
	for _, obs := range list {
		if obs != nil {
			m.list = append(m.list, obs)
		}
	}
	return m
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}

// Len reports the number of members.
func (m *MultiObserver) Len() int { return len(m.list) }

// Close closes every member that holds resources and joins their errors.
func (m *MultiObserver) Close() error {
	var err error
	for _, obs := range m.list {
		if c, ok := obs.(interface{ Close() error }); ok {
			err = errors.Join(err, c.Close())
		}
	}
	return err
}
