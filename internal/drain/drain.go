// Package drain coordinates graceful shutdown: the daemon stops admitting
// new work, then waits for interactive shell sessions and in-flight sandbox
// watchers to wind down before the process exits.
package drain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrTimeout = errors.New("timeout waiting for sessions to drain")

// Manager tracks draining state and active long-lived sessions.
type Manager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) StartDraining() {
	m.draining.Store(true)
}

func (m *Manager) IsDraining() bool {
	return m.draining.Load()
}

func (m *Manager) ActiveSessions() int64 {
	return m.active.Load()
}

// Track registers a session and returns an idempotent release callback.
func (m *Manager) Track() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

// Wait blocks until every tracked session released or the context expires.
func (m *Manager) Wait(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return ErrTimeout
	case <-waitDone:
		return nil
	}
}
