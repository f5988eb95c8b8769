package interfaces

// Connection represents a realtime client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// WriteJSON sends a JSON frame to the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// so all implementations use the single-writer pattern
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the connected user's ID
	GetUserID() string

	// GetChannel returns the hub channel this connection currently follows
	GetChannel() string
}
