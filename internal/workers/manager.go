package workers

import (
	"context"
	"log/slog"
	"sync"
)

// Manager orchestrates the background worker loops of a process.
type Manager struct {
	wg    sync.WaitGroup
	mu    sync.Mutex
	names []string
}

func NewManager() *Manager {
	return &Manager{}
}

// Start launches l in its own goroutine.
func (m *Manager) Start(ctx context.Context, l Loop) {
	m.mu.Lock()
	m.names = append(m.names, l.Name)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		l.Run(ctx)
	}()
}

// Names lists the loops started so far.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

// Wait blocks until every loop has returned. Cancel their context first.
func (m *Manager) Wait() {
	m.wg.Wait()
	slog.Info("All workers stopped")
}
