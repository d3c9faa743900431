package session

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

var _ interfaces.SessionManager = (*Manager)(nil)

// Manager implements interfaces.SessionManager with an in-memory cache of
// active sessions in front of the database.
// ARCHITECTURAL DISCOVERY: Every mutation holds mu across its database write
// so the cache never runs ahead of what was persisted.
type Manager struct {
	dbManager      interfaces.DatabaseManager
	log            zerolog.Logger
	maxSnapshot    int
	activeSessions map[string]*types.Session
	mu             sync.RWMutex
	now            func() time.Time
}

// NewManager creates a session manager. maxSnapshot bounds stored diagrams;
// zero means types.MaxSnapshotBytes.
func NewManager(dbManager interfaces.DatabaseManager, log zerolog.Logger, maxSnapshot int) *Manager {
	if maxSnapshot <= 0 {
		maxSnapshot = types.MaxSnapshotBytes
	}
	return &Manager{
		dbManager:      dbManager,
		log:            log.With().Str("component", "session").Logger(),
		maxSnapshot:    maxSnapshot,
		activeSessions: make(map[string]*types.Session),
		now:            time.Now,
	}
}

// LoadActiveSessions warms the cache from the database.
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	sessions, err := m.dbManager.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSessions = make(map[string]*types.Session, len(sessions))
	for _, session := range sessions {
		m.activeSessions[session.ID] = session
	}

	m.log.Info().Int("sessions", len(sessions)).Msg("loaded active sessions")
	return nil
}

// CreateSession opens a session owned by creatorEmail.
func (m *Manager) CreateSession(ctx context.Context, creatorEmail string, snapshot json.RawMessage) (*types.Session, error) {
	creatorEmail = types.NormalizeEmail(creatorEmail)
	if !types.IsValidEmail(creatorEmail) {
		return nil, fmt.Errorf("creator %q: %w", creatorEmail, types.ErrInvalidEmail)
	}
	if err := types.ValidateSnapshot(snapshot, m.maxSnapshot); err != nil {
		return nil, err
	}

	session := &types.Session{
		ID:           uuid.New().String(),
		CreatorEmail: creatorEmail,
		AllowedUsers: []string{creatorEmail},
		Permissions:  map[string]types.Permissions{creatorEmail: types.CreatorPermissions()},
		Snapshot:     snapshot,
		StartTime:    m.now(),
		Status:       types.SessionActive,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.dbManager.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.activeSessions[session.ID] = session

	m.log.Info().Str("session", session.ID).Str("creator", creatorEmail).Msg("created session")
	return cloneSession(session), nil
}

// GetSession returns a copy of the session, from cache or database.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	if session, exists := m.activeSessions[sessionID]; exists {
		defer m.mu.RUnlock()
		return cloneSession(session), nil
	}
	m.mu.RUnlock()

	return m.dbManager.GetSession(ctx, sessionID)
}

// active returns the cached session for mutation. Caller holds mu.
func (m *Manager) active(ctx context.Context, sessionID string) (*types.Session, error) {
	if session, exists := m.activeSessions[sessionID]; exists {
		return session, nil
	}
	session, err := m.dbManager.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != types.SessionActive {
		return nil, fmt.Errorf("%w: %w", types.ErrSessionNotFound, ErrSessionEnded)
	}
	m.activeSessions[session.ID] = session
	return session, nil
}

// JoinSession admits an allowed user and returns the current snapshot.
func (m *Manager) JoinSession(ctx context.Context, sessionID, userEmail string) (*interfaces.JoinResult, error) {
	userEmail = types.NormalizeEmail(userEmail)

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsAllowed(userEmail) {
		return nil, fmt.Errorf("%s in %s: %w", userEmail, sessionID, types.ErrNotAllowed)
	}

	return &interfaces.JoinResult{
		Session:     cloneSession(session),
		IsCreator:   userEmail == session.CreatorEmail,
		Permissions: session.PermissionsFor(userEmail),
	}, nil
}

// AddAllowedUsers extends the allowed list. The requester must be the
// creator or hold CanInvite. Returns the resulting allowed list.
func (m *Manager) AddAllowedUsers(ctx context.Context, sessionID, requesterEmail string, emails []string) ([]string, error) {
	requesterEmail = types.NormalizeEmail(requesterEmail)
	invitees := lo.Uniq(lo.Map(emails, func(e string, _ int) string { return types.NormalizeEmail(e) }))
	if len(invitees) == 0 {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidPayload, ErrEmptyInviteList)
	}
	if bad, found := lo.Find(invitees, func(e string) bool { return !types.IsValidEmail(e) }); found {
		return nil, fmt.Errorf("invitee %q: %w", bad, types.ErrInvalidEmail)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.active(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if requesterEmail != session.CreatorEmail && !session.PermissionsFor(requesterEmail).CanInvite {
		return nil, fmt.Errorf("%s cannot invite: %w", requesterEmail, types.ErrPermissionDenied)
	}

	added := lo.Filter(invitees, func(e string, _ int) bool { return !session.IsAllowed(e) })
	if len(added) > 0 {
		if err := m.dbManager.AddMembers(ctx, sessionID, added); err != nil {
			return nil, fmt.Errorf("failed to add members: %w", err)
		}
		session.AllowedUsers = append(session.AllowedUsers, added...)
	}

	m.log.Info().Str("session", sessionID).Str("by", requesterEmail).Strs("added", added).Msg("allowed users updated")
	return append([]string(nil), session.AllowedUsers...), nil
}

// UpdatePermissions replaces target's triple. The requester must be the
// creator or hold CanManagePermissions; the creator keeps management rights.
func (m *Manager) UpdatePermissions(ctx context.Context, sessionID, requesterEmail, targetEmail string, perms types.Permissions) (types.Permissions, error) {
	requesterEmail = types.NormalizeEmail(requesterEmail)
	targetEmail = types.NormalizeEmail(targetEmail)

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.active(ctx, sessionID)
	if err != nil {
		return types.Permissions{}, err
	}
	if requesterEmail != session.CreatorEmail && !session.PermissionsFor(requesterEmail).CanManagePermissions {
		return types.Permissions{}, fmt.Errorf("%s cannot manage permissions: %w", requesterEmail, types.ErrPermissionDenied)
	}
	if !session.IsAllowed(targetEmail) {
		return types.Permissions{}, fmt.Errorf("target %s: %w", targetEmail, types.ErrNotAllowed)
	}
	if targetEmail == session.CreatorEmail {
		perms.CanManagePermissions = true
	}

	if err := m.dbManager.UpdatePermissions(ctx, sessionID, targetEmail, perms); err != nil {
		return types.Permissions{}, fmt.Errorf("failed to store permissions: %w", err)
	}
	if session.Permissions == nil {
		session.Permissions = make(map[string]types.Permissions)
	}
	session.Permissions[targetEmail] = perms

	m.log.Info().Str("session", sessionID).Str("target", targetEmail).Str("by", requesterEmail).Msg("permissions updated")
	return perms, nil
}

// ApplyChange records a participant's new snapshot. Requires CanEdit.
func (m *Manager) ApplyChange(ctx context.Context, sessionID, userEmail string, snapshot json.RawMessage) error {
	userEmail = types.NormalizeEmail(userEmail)
	if err := types.ValidateSnapshot(snapshot, m.maxSnapshot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.active(ctx, sessionID)
	if err != nil {
		return err
	}
	if !session.IsAllowed(userEmail) {
		return fmt.Errorf("%s in %s: %w", userEmail, sessionID, types.ErrNotAllowed)
	}
	if !session.PermissionsFor(userEmail).CanEdit {
		return fmt.Errorf("%s cannot edit: %w", userEmail, types.ErrPermissionDenied)
	}
	if len(snapshot) == 0 {
		return nil
	}

	if err := m.dbManager.UpdateSnapshot(ctx, sessionID, snapshot); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	session.Snapshot = snapshot
	return nil
}

// EndSession marks a session ended and evicts it from the cache.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.activeSessions[sessionID]
	if !exists {
		dbSession, err := m.dbManager.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if dbSession.Status == types.SessionEnded {
			return ErrSessionAlreadyEnded
		}
		session = dbSession
	}

	ended := cloneSession(session)
	now := m.now()
	ended.EndTime = &now
	ended.Status = types.SessionEnded
	if err := m.dbManager.UpdateSession(ctx, ended); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	delete(m.activeSessions, sessionID)

	m.log.Info().Str("session", sessionID).Msg("ended session")
	return nil
}

// ListActiveSessions returns copies of the cached sessions.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*types.Session, 0, len(m.activeSessions))
	for _, session := range m.activeSessions {
		sessions = append(sessions, cloneSession(session))
	}
	return sessions, nil
}

// IsSessionActive is a cache-only check.
func (m *Manager) IsSessionActive(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, exists := m.activeSessions[sessionID]
	return exists && session.Status == types.SessionActive
}

// GetStats reports cache statistics for the health endpoint.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"active_sessions": len(m.activeSessions),
	}
}

func cloneSession(s *types.Session) *types.Session {
	c := *s
	c.AllowedUsers = append([]string(nil), s.AllowedUsers...)
	c.Permissions = maps.Clone(s.Permissions)
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return &c
}
