package gateway

import (
	"log/slog"
	"sync"
)

// Manager tracks the live connection of each token. A token has at most one
// streaming connection since all of them would share one outbound consumer.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Connection
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]*Connection),
	}
}

// Get returns the live connection for token, or nil.
func (m *Manager) Get(token string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[token]
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Register records conn as the live connection for its token. A previous
// connection for the same token is closed as replaced.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	existing := m.active[conn.Token]
	m.active[conn.Token] = conn
	m.mu.Unlock()

	if existing != nil && existing != conn {
		existing.Close(reasonReplaced)
		slog.Info("Connection replaced", "token", conn.Token, "old_id", existing.ID, "new_id", conn.ID)
	}
	slog.Info("Connection registered", "token", conn.Token, "conn_id", conn.ID)
}

// Unregister removes conn if it is still the live connection for its token.
func (m *Manager) Unregister(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[conn.Token]; ok && current == conn {
		delete(m.active, conn.Token)
		slog.Info("Connection unregistered", "token", conn.Token, "conn_id", conn.ID)
	}
}

// CloseAll closes every live connection for shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.active))
	for _, conn := range m.active {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.Close(reasonShutdown)
		}()
	}
	wg.Wait()
}
