package interfaces

import (
	"context"
	"encoding/json"

	"collabsync/pkg/types"
)

// DatabaseManager handles all broker persistence.
type DatabaseManager interface {
	// CreateSession persists a new session with its allowed users and
	// permission grants.
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession retrieves a session by ID. Returns types.ErrSessionNotFound
	// when the row does not exist.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// UpdateSession persists status and end time changes.
	UpdateSession(ctx context.Context, session *types.Session) error

	// ListActiveSessions returns all sessions with status active.
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)

	// AddMembers records newly allowed users.
	AddMembers(ctx context.Context, sessionID string, emails []string) error

	// UpdatePermissions stores a participant's complete triple.
	UpdatePermissions(ctx context.Context, sessionID, email string, perms types.Permissions) error

	// UpdateSnapshot replaces the current diagram snapshot.
	UpdateSnapshot(ctx context.Context, sessionID string, snapshot json.RawMessage) error

	// StoreChange appends a change message to the session history.
	StoreChange(ctx context.Context, change *types.ChangeMessage) error

	// GetChangeHistory returns changes for a session in arrival order.
	GetChangeHistory(ctx context.Context, sessionID string, limit int) ([]*types.ChangeMessage, error)

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
