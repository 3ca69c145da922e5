// Package availability tracks whether the persistent store is reachable.
// The Monitor is read by every operation; only the HealthChecker in this
// package changes its state.
package availability

import (
	"sync"
	"sync/atomic"
)

type Monitor struct {
	online atomic.Bool
	nudge  chan struct{}

	mu        sync.Mutex
	subs      []chan bool
	recovered []chan struct{}
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{nudge: make(chan struct{}, 1)}
	m.online.Store(online)
	return m
}

// IsOnline reports the last state published by the health checker.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// Nudge asks the health checker for an immediate probe. It never blocks;
// nudges arriving before the checker consumed the previous one coalesce.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Nudges is consumed by the health checker.
func (m *Monitor) Nudges() <-chan struct{} {
	return m.nudge
}

// Subscribe returns a channel receiving every state transition. A slow
// reader only sees the latest state.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Recovered returns a channel signalled on every offline to online
// transition.
func (m *Monitor) Recovered() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.recovered = append(m.recovered, ch)
	m.mu.Unlock()
	return ch
}

// set stores the new state and reports whether it changed.
func (m *Monitor) set(online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}

	if online {
		for _, ch := range m.recovered {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}

	return true
}
