package interfaces

import (
	"context"

	"collabsync/pkg/types"
)

// ChangeRouter validates, persists and fans out diagram changes.
type ChangeRouter interface {
	// RouteChange delivers a change to every room member except the sender.
	RouteChange(ctx context.Context, change *types.ChangeMessage, sender Connection) error

	// BroadcastUpdate delivers a collaboration update to the whole room.
	BroadcastUpdate(update *types.CollaborationUpdate)
}
