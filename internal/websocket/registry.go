package websocket

import (
	"log/slog"
	"sync"
)

// Registry maps learners to their live connection. A learner has at most
// one; registering a new one closes the old.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // learnerID -> Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Register adds conn, replacing any existing connection for the learner.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	learnerID := conn.LearnerID()
	if learnerID == "" {
		return ErrMissingLearnerID
	}

	r.mu.Lock()
	existing, exists := r.connections[learnerID]
	r.connections[learnerID] = conn
	r.mu.Unlock()

	if exists && existing != conn {
		// Closed outside the lock; Close may block on the network.
		go func() {
			if err := existing.Close(); err != nil {
				slog.Debug("Failed to close replaced connection", "learner_id", learnerID, "error", err)
			}
		}()
	}
	return nil
}

// Unregister removes conn if it is still the learner's current connection.
// An old connection cleaning up never removes its replacement.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.LearnerID()]; exists && registered == conn {
		delete(r.connections, conn.LearnerID())
	}
}

// Get returns the learner's current connection.
func (r *Registry) Get(learnerID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[learnerID]
	return conn, exists
}

// Send writes v to the learner's connection, if they have one.
func (r *Registry) Send(learnerID string, v interface{}) error {
	conn, ok := r.Get(learnerID)
	if !ok {
		return ErrNotConnected
	}
	return conn.WriteJSON(v)
}

// Count returns the number of connected learners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes and forgets every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
