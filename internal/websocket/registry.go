package websocket

import (
	"sync"

	"go.uber.org/zap"
)

// Registry tracks live connections per hub channel
// ARCHITECTURAL DISCOVERY: Delivery goes through hub subscriptions, so the registry
// only answers "who is watching" and enforces one connection per user per channel
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Connection // channel -> userID -> Connection
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		channels: make(map[string]map[string]*Connection),
		logger:   logger.Named("registry"),
	}
}

// RegisterConnection adds conn under its channel, replacing the user's previous
// connection on that channel
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	channel := conn.GetChannel()

	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.channels[channel]
	if !ok {
		users = make(map[string]*Connection)
		r.channels[channel] = users
	}

	// FUNCTIONAL DISCOVERY: Close the replaced connection asynchronously so a slow
	// socket close never holds the registry lock
	if existing, ok := users[userID]; ok && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				r.logger.Debug("closing replaced connection failed",
					zap.String("user_id", userID), zap.Error(err))
			}
		}()
	}
	users[userID] = conn
	return nil
}

// UnregisterConnection removes conn if it is still the registered instance
// RACE CONDITION FIX: A replaced connection cleaning up late must not remove its successor
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	userID := conn.GetUserID()
	channel := conn.GetChannel()

	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.channels[channel]
	if !ok || users[userID] != conn {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(r.channels, channel)
	}
}

// GetConnection returns a user's connection on a channel
func (r *Registry) GetConnection(channel, userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.channels[channel][userID]
	return conn, ok
}

// Count returns how many users are watching channel
func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// GetStats returns registry statistics for the health endpoint
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, users := range r.channels {
		total += len(users)
	}
	return map[string]int{
		"total_connections": total,
		"channels":          len(r.channels),
	}
}
