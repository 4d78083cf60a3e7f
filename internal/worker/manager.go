// ABOUTME: Tracks connected workers by connection id.
// ABOUTME: Source of truth for listings and liveness in the HTTP ops surface.

package worker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAlreadyRegistered indicates a connection with the same ID is already tracked.
var ErrAlreadyRegistered = errors.New("worker already registered")

// Manager coordinates all connected workers.
type Manager struct {
	workers map[string]*Connection
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		workers: make(map[string]*Connection),
		logger:  logger,
	}
}

// Register adds a new connection.
// Returns ErrAlreadyRegistered if a connection with the same ID exists.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[conn.ID()]; exists {
		return ErrAlreadyRegistered
	}

	m.workers[conn.ID()] = conn
	m.logger.Info("=== WORKER CONNECTED ===",
		"worker_id", conn.ID(),
		"peer", conn.PeerAddr(),
		"principal", conn.Principal(),
		"total_workers", len(m.workers),
	)
	return nil
}

// Unregister removes a connection from the manager.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, exists := m.workers[id]; exists {
		delete(m.workers, id)
		m.logger.Info("=== WORKER DISCONNECTED ===",
			"worker_id", id,
			"agent_types", conn.Types(),
			"total_workers", len(m.workers),
		)
	}
}

// Get retrieves a connection by ID.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.workers[id]
	return conn, ok
}

// Count returns the number of tracked connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// List returns a snapshot of every connection, sorted by ID.
func (m *Manager) List() []Info {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.workers))
	for _, c := range m.workers {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseAll closes every tracked connection.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.workers {
		c.Close()
	}
}
