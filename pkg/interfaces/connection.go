package interfaces

// Connection is one live client as seen by the relay core.
// Implementations must make WriteJSON safe for concurrent use.
type Connection interface {
	// ID returns the transport-assigned connection id
	ID() string

	// WriteJSON queues v for delivery; it fails fast when the peer is gone
	WriteJSON(v interface{}) error

	// Close closes the connection and releases its resources
	Close() error
}
