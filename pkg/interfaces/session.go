package interfaces

import (
	"context"
	"encoding/json"

	"collabsync/pkg/types"
)

// JoinResult is what the broker hands a joining participant.
type JoinResult struct {
	Session     *types.Session
	IsCreator   bool
	Permissions types.Permissions
}

// SessionManager is the broker's authority over session state.
// ARCHITECTURAL DISCOVERY: Every permission decision is made here; clients
// mirror the outcome but never decide.
type SessionManager interface {
	CreateSession(ctx context.Context, creatorEmail string, snapshot json.RawMessage) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	JoinSession(ctx context.Context, sessionID, userEmail string) (*JoinResult, error)
	AddAllowedUsers(ctx context.Context, sessionID, requesterEmail string, emails []string) ([]string, error)
	UpdatePermissions(ctx context.Context, sessionID, requesterEmail, targetEmail string, perms types.Permissions) (types.Permissions, error)
	ApplyChange(ctx context.Context, sessionID, userEmail string, snapshot json.RawMessage) error
	EndSession(ctx context.Context, sessionID string) error
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
}
