package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabsync/internal/websocket"
	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

var _ interfaces.ChangeRouter = (*Router)(nil)

// Router implements the ChangeRouter interface
// ARCHITECTURAL DISCOVERY: Pure routing logic without session management or connection handling
// maintains clean separation between routing decisions and delivery mechanisms
type Router struct {
	registry    *websocket.Registry
	sessions    interfaces.SessionManager
	dbManager   interfaces.DatabaseManager
	rateLimiter *RateLimiter
	maxSnapshot int
	log         zerolog.Logger
	now         func() time.Time
}

// Options tunes the router's limits.
type Options struct {
	RateLimit        int
	RateWindow       time.Duration
	MaxSnapshotBytes int
}

// NewRouter creates a new change router
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock components
func NewRouter(registry *websocket.Registry, sessions interfaces.SessionManager, dbManager interfaces.DatabaseManager, opts Options, log zerolog.Logger) *Router {
	if opts.MaxSnapshotBytes <= 0 {
		opts.MaxSnapshotBytes = types.MaxSnapshotBytes
	}
	return &Router{
		registry:    registry,
		sessions:    sessions,
		dbManager:   dbManager,
		rateLimiter: NewRateLimiter(opts.RateLimit, opts.RateWindow),
		maxSnapshot: opts.MaxSnapshotBytes,
		log:         log.With().Str("component", "router").Logger(),
		now:         time.Now,
	}
}

// RouteChange validates a diagram change, records it and delivers it to
// every other member of the sender's room.
// FUNCTIONAL DISCOVERY: Persist-then-route pattern ensures the stored snapshot
// and history never lag behind what peers have seen
func (r *Router) RouteChange(ctx context.Context, change *types.ChangeMessage, sender interfaces.Connection) error {
	if err := r.ValidateChange(change, sender); err != nil {
		return err
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per user before persistence to prevent spam
	if !r.rateLimiter.Allow(change.UserEmail) {
		return ErrRateLimitExceeded
	}

	if err := r.sessions.ApplyChange(ctx, change.SessionID, change.UserEmail, change.DiagramData); err != nil {
		return err
	}

	// ARCHITECTURAL DISCOVERY: Server controls message IDs and timestamps
	change.MessageID = uuid.New().String()
	change.Timestamp = r.now().UnixMilli()

	if r.dbManager != nil {
		if err := r.dbManager.StoreChange(ctx, change); err != nil {
			return fmt.Errorf("failed to persist change: %w", err)
		}
	}

	r.broadcast(change.SessionID, types.EventDiagramChanges, change, sender.ID())
	return nil
}

// ValidateChange checks attribution and content. Missing session and user
// fields are filled from the sender's binding.
func (r *Router) ValidateChange(change *types.ChangeMessage, sender interfaces.Connection) error {
	if sender == nil || !sender.IsBound() {
		return ErrSenderNotInSession
	}
	if change.SessionID == "" {
		change.SessionID = sender.GetSessionID()
	}
	if change.SessionID != sender.GetSessionID() {
		return ErrSenderNotInSession
	}

	change.UserEmail = types.NormalizeEmail(change.UserEmail)
	if change.UserEmail == "" {
		change.UserEmail = sender.GetUserEmail()
	}
	if change.UserEmail != sender.GetUserEmail() {
		return ErrIdentityMismatch
	}

	if len(change.Delta) == 0 && len(change.DiagramData) == 0 {
		return fmt.Errorf("%w: change carries neither delta nor snapshot", types.ErrInvalidPayload)
	}
	return change.Validate(r.maxSnapshot)
}

// BroadcastUpdate delivers a collaboration update to the whole room.
func (r *Router) BroadcastUpdate(update *types.CollaborationUpdate) {
	if update.Timestamp == 0 {
		update.Timestamp = r.now().UnixMilli()
	}
	r.broadcast(update.SessionID, types.EventCollaborationUpdate, update, "")
}

// broadcast writes an event to room members other than exceptID.
// FUNCTIONAL DISCOVERY: Continue delivery to other recipients even if one fails
func (r *Router) broadcast(sessionID, event string, payload interface{}, exceptID string) {
	for _, conn := range r.registry.Members(sessionID) {
		if conn.ID() == exceptID {
			continue
		}
		if err := conn.Send(event, payload); err != nil {
			r.log.Warn().Err(err).Str("session", sessionID).Str("to", conn.GetUserEmail()).Str("event", event).Msg("delivery failed")
		}
	}
}

// Cleanup drops idle rate limiter state.
func (r *Router) Cleanup() {
	r.rateLimiter.Cleanup()
}
