package hub

import (
	"context"
	"time"

	"github.com/samber/lo"

	"collabsync/internal/websocket"
	"collabsync/pkg/types"
)

func (h *Hub) createSession(ctx context.Context, conn *websocket.Connection, req *types.CreateSessionRequest) (interface{}, error) {
	session, err := h.sessions.CreateSession(ctx, req.CreatorEmail, req.DiagramData)
	if err != nil {
		return nil, err
	}
	if err := h.enterRoom(conn, session.CreatorEmail, session.ID, session.PermissionsFor(session.CreatorEmail), true); err != nil {
		return nil, err
	}
	return types.CreateSessionAck{Ack: success(), SessionID: session.ID}, nil
}

func (h *Hub) joinSession(ctx context.Context, conn *websocket.Connection, req *types.JoinSessionRequest) (interface{}, error) {
	res, err := h.sessions.JoinSession(ctx, req.SessionID, req.UserEmail)
	if err != nil {
		return nil, err
	}
	session := res.Session
	email := types.NormalizeEmail(req.UserEmail)
	if err := h.enterRoom(conn, email, session.ID, res.Permissions, res.IsCreator); err != nil {
		return nil, err
	}

	perms := res.Permissions
	return types.JoinSessionAck{
		Ack:            success(),
		SessionID:      session.ID,
		CurrentContent: &types.CurrentContent{DiagramData: session.Snapshot},
		IsCreator:      res.IsCreator,
		CreatorEmail:   session.CreatorEmail,
		Permissions:    &perms,
		Participants:   h.participants(session),
	}, nil
}

func (h *Hub) addAllowedUsers(ctx context.Context, conn *websocket.Connection, req *types.AddAllowedUsersRequest) (interface{}, error) {
	requester, err := h.requireMember(conn, req.SessionID, req.CreatorEmail)
	if err != nil {
		return nil, err
	}
	allowed, err := h.sessions.AddAllowedUsers(ctx, req.SessionID, requester, req.UsersToAdd)
	if err != nil {
		return nil, err
	}
	return types.AddAllowedUsersAck{Ack: success(), AllowedUsers: allowed}, nil
}

func (h *Hub) updatePermissions(ctx context.Context, conn *websocket.Connection, req *types.UpdatePermissionsRequest) (interface{}, error) {
	requester, err := h.requireMember(conn, req.SessionID, req.RequestedByEmail)
	if err != nil {
		return nil, err
	}
	perms, err := h.sessions.UpdatePermissions(ctx, req.SessionID, requester, req.TargetUserEmail, req.NewPermissions)
	if err != nil {
		return nil, err
	}

	h.router.BroadcastUpdate(&types.CollaborationUpdate{
		Type:      types.PermissionsChanged,
		SessionID: req.SessionID,
		Data: types.UpdateData{
			UserEmail:   types.NormalizeEmail(req.TargetUserEmail),
			Permissions: &perms,
		},
	})
	return success(), nil
}

// leaveSession is idempotent: leaving a room the connection is not in succeeds.
func (h *Hub) leaveSession(conn *websocket.Connection, req *types.LeaveSessionRequest) (interface{}, error) {
	if !conn.IsBound() || conn.GetSessionID() != req.SessionID {
		return success(), nil
	}
	if types.NormalizeEmail(req.UserEmail) != conn.GetUserEmail() {
		return nil, ErrIdentityMismatch
	}
	h.leaveRoom(conn)
	return success(), nil
}

// requireMember checks that the connection joined sessionID as email and
// returns the normalized identity.
func (h *Hub) requireMember(conn *websocket.Connection, sessionID, email string) (string, error) {
	if !conn.IsBound() || conn.GetSessionID() != sessionID {
		return "", ErrNotInSession
	}
	email = types.NormalizeEmail(email)
	if email != conn.GetUserEmail() {
		return "", ErrIdentityMismatch
	}
	return email, nil
}

// enterRoom binds the connection and announces the arrival to the room.
// A connection in another room leaves it first.
func (h *Hub) enterRoom(conn *websocket.Connection, email, sessionID string, perms types.Permissions, isCreator bool) error {
	if conn.IsBound() && (conn.GetSessionID() != sessionID || conn.GetUserEmail() != email) {
		h.leaveRoom(conn)
	}
	if err := conn.Bind(email, sessionID); err != nil {
		return err
	}
	if err := h.registry.Join(conn); err != nil {
		return err
	}

	h.log.Info().Str("session", sessionID).Str("user", email).Msg("user joined")
	h.router.BroadcastUpdate(&types.CollaborationUpdate{
		Type:      types.UserJoined,
		SessionID: sessionID,
		Data: types.UpdateData{
			UserEmail:   email,
			Permissions: &perms,
			ActiveUsers: h.registry.ActiveUsers(sessionID),
			IsCreator:   &isCreator,
		},
	})
	return nil
}

// leaveRoom unbinds the connection and announces the departure.
func (h *Hub) leaveRoom(conn *websocket.Connection) {
	sessionID, email := conn.GetSessionID(), conn.GetUserEmail()
	wasMember := h.registry.Leave(conn)
	conn.Unbind()
	if wasMember {
		h.announceLeft(sessionID, email)
	}
}

// handleDisconnect forgets a closed connection.
func (h *Hub) handleDisconnect(conn *websocket.Connection) {
	sessionID, email := conn.GetSessionID(), conn.GetUserEmail()
	if h.registry.Remove(conn) {
		h.announceLeft(sessionID, email)
	}
}

func (h *Hub) announceLeft(sessionID, email string) {
	h.log.Info().Str("session", sessionID).Str("user", email).Msg("user left")
	h.router.BroadcastUpdate(&types.CollaborationUpdate{
		Type:      types.UserLeft,
		SessionID: sessionID,
		Data: types.UpdateData{
			UserEmail:   email,
			ActiveUsers: h.registry.ActiveUsers(sessionID),
		},
	})
}

// participants builds the roster handed to a joining client.
func (h *Hub) participants(session *types.Session) []types.Participant {
	now := time.Now()
	return lo.Map(session.AllowedUsers, func(email string, _ int) types.Participant {
		p := types.Participant{
			Email:       email,
			IsActive:    h.registry.IsActive(session.ID, email),
			Permissions: session.PermissionsFor(email),
			IsCreator:   email == session.CreatorEmail,
		}
		if p.IsActive {
			p.LastActivity = now
		}
		return p
	})
}
