// Package netstate provides the default connectivity oracle consumed by the
// replica scheduler. The host feeds it transitions from whatever platform
// facility it has; callbacks queued while offline run on the next
// transition to online.
package netstate

import (
	"sync"

	"go.uber.org/zap"
)

// Monitor tracks the current link state and holds work queued for the next
// reconnect. Safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	online  bool
	pending []func()
	logger  *zap.Logger
}

// NewMonitor builds a monitor with the given initial state.
func NewMonitor(online bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{online: online, logger: logger}
}

// IsOnline reports the last observed link state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// RunWhenOnline runs fn immediately when online, otherwise queues it for
// the next transition. Queued callbacks run in arrival order.
func (m *Monitor) RunWhenOnline(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		fn()
		return
	}
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
}

// SetOnline records a link transition. Moving to online drains the queue;
// repeated transitions to the same state are no-ops.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var drained []func()
	if online {
		drained = m.pending
		m.pending = nil
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range drained {
		fn()
	}
}
