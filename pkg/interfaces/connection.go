package interfaces

// Connection is a broker-side client connection.
// ARCHITECTURAL DISCOVERY: Identity is bound to the connection at create or
// join time; requests naming another identity are rejected.
type Connection interface {
	// WriteJSON sends a JSON frame to the client (thread-safe).
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources.
	Close() error

	// ID is a per-connection identifier assigned at upgrade time.
	ID() string

	// GetUserEmail returns the identity bound to the connection, if any.
	GetUserEmail() string

	// GetSessionID returns the session room the connection belongs to.
	GetSessionID() string

	// IsBound reports whether the connection joined a session room.
	IsBound() bool

	// Bind attaches the connection to a session room under an identity.
	Bind(userEmail, sessionID string) error

	// Unbind detaches the connection from its room.
	Unbind()
}
