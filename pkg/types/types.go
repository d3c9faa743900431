package types

import (
	"encoding/json"
	"time"
)

// Wire event names shared by the broker and the client transport.
// ARCHITECTURAL DISCOVERY: Event names match the original socket.io emits so
// existing web clients can be pointed at this broker.
const (
	EventCreateSession       = "createSession"
	EventJoinSession         = "joinSession"
	EventAddAllowedUsers     = "addAllowedUsers"
	EventUpdatePermissions   = "updatePermissions"
	EventLeaveSession        = "leaveSession"
	EventDiagramChanges      = "diagramChanges"
	EventCollaborationUpdate = "collaborationUpdate"
)

// Frame kinds carried in Envelope.Kind.
const (
	KindRequest = "request"
	KindAck     = "ack"
	KindEmit    = "emit"
	KindEvent   = "event"
)

// Ack status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// UpdateType tags a CollaborationUpdate.
type UpdateType string

const (
	UserJoined         UpdateType = "USER_JOINED"
	UserLeft           UpdateType = "USER_LEFT"
	PermissionsChanged UpdateType = "PERMISSIONS_CHANGED"
)

// Capability names one flag of a Permissions triple.
type Capability string

const (
	CapabilityEdit              Capability = "canEdit"
	CapabilityInvite            Capability = "canInvite"
	CapabilityManagePermissions Capability = "canManagePermissions"
)

// Permissions is the capability triple of a participant. Updates always carry
// the complete triple.
type Permissions struct {
	CanEdit              bool `json:"canEdit"`
	CanInvite            bool `json:"canInvite"`
	CanManagePermissions bool `json:"canManagePermissions"`
}

// Allows reports whether the triple grants the capability.
func (p Permissions) Allows(c Capability) bool {
	switch c {
	case CapabilityEdit:
		return p.CanEdit
	case CapabilityInvite:
		return p.CanInvite
	case CapabilityManagePermissions:
		return p.CanManagePermissions
	default:
		return false
	}
}

// Session identifies one collaborative editing context.
// FUNCTIONAL DISCOVERY: CreatorEmail is immutable after creation; the
// snapshot and allowed list are the only fields that change.
type Session struct {
	ID           string                 `json:"id" db:"id"`
	CreatorEmail string                 `json:"creatorEmail" db:"creator_email"`
	AllowedUsers []string               `json:"allowedUsers" db:"allowed_users"`
	Permissions  map[string]Permissions `json:"permissions" db:"permissions"`
	Snapshot     json.RawMessage        `json:"diagramData" db:"snapshot"`
	StartTime    time.Time              `json:"startTime" db:"start_time"`
	EndTime      *time.Time             `json:"endTime,omitempty" db:"end_time"`
	Status       string                 `json:"status" db:"status"`
}

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// IsAllowed reports whether email may join. The creator is implicitly allowed.
func (s *Session) IsAllowed(email string) bool {
	if email == s.CreatorEmail {
		return true
	}
	for _, allowed := range s.AllowedUsers {
		if allowed == email {
			return true
		}
	}
	return false
}

// PermissionsFor returns the stored triple for email, falling back to
// defaults. The creator always holds management rights.
func (s *Session) PermissionsFor(email string) Permissions {
	p, ok := s.Permissions[email]
	if email == s.CreatorEmail {
		if !ok {
			return CreatorPermissions()
		}
		p.CanManagePermissions = true
		return p
	}
	if ok {
		return p
	}
	return DefaultPermissions()
}

// DefaultPermissions is the triple given to participants with no explicit grant.
func DefaultPermissions() Permissions {
	return Permissions{CanEdit: true, CanInvite: false, CanManagePermissions: false}
}

// CreatorPermissions is the triple held by a session creator.
func CreatorPermissions() Permissions {
	return Permissions{CanEdit: true, CanInvite: true, CanManagePermissions: true}
}

// Participant is a user's presence and rights within a session.
type Participant struct {
	Email        string      `json:"email"`
	IsActive     bool        `json:"isActive"`
	Permissions  Permissions `json:"permissions"`
	LastActivity time.Time   `json:"lastActivity"`
	IsCreator    bool        `json:"isCreator"`
}

// ChangeMessage is one propagated diagram mutation.
// ARCHITECTURAL DISCOVERY: DiagramData travels with every delta so a peer that
// missed a message heals on the next one without a snapshot request.
type ChangeMessage struct {
	SessionID   string          `json:"sessionId"`
	UserEmail   string          `json:"userEmail"`
	Delta       json.RawMessage `json:"delta,omitempty"`
	DiagramData json.RawMessage `json:"diagramData,omitempty"`
	OriginID    string          `json:"originId,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// UpdateData is the payload of a CollaborationUpdate.
type UpdateData struct {
	UserEmail   string       `json:"userEmail"`
	Permissions *Permissions `json:"permissions,omitempty"`
	ActiveUsers []string     `json:"activeUsers,omitempty"`
	IsCreator   *bool        `json:"isCreator,omitempty"`
}

// CollaborationUpdate is a presence or permission event.
type CollaborationUpdate struct {
	Type      UpdateType `json:"type"`
	SessionID string     `json:"sessionId"`
	Data      UpdateData `json:"data"`
	Timestamp int64      `json:"timestamp"`
}

// Envelope is the frame exchanged over the duplex channel.
type Envelope struct {
	Kind  string          `json:"kind"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a broadcast delivered to subscribers of the transport.
type Event struct {
	Name string
	Data json.RawMessage
}

// Ack is the common part of every acknowledgement.
type Ack struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Err converts a failed ack into a typed error.
func (a Ack) Err() error {
	if a.Status == StatusSuccess {
		return nil
	}
	return &AckError{Code: a.Code, Message: a.Message}
}

// CreateSessionRequest is the payload of createSession.
type CreateSessionRequest struct {
	CreatorEmail string          `json:"creatorEmail" validate:"required,email"`
	DiagramData  json.RawMessage `json:"diagramData,omitempty"`
}

// CreateSessionAck answers createSession.
type CreateSessionAck struct {
	Ack
	SessionID string `json:"sessionId,omitempty"`
}

// JoinSessionRequest is the payload of joinSession.
type JoinSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserEmail string `json:"userEmail" validate:"required,email"`
}

// CurrentContent wraps the snapshot handed to a joining client.
type CurrentContent struct {
	DiagramData json.RawMessage `json:"diagramData,omitempty"`
}

// JoinSessionAck answers joinSession.
type JoinSessionAck struct {
	Ack
	SessionID      string          `json:"sessionId,omitempty"`
	CurrentContent *CurrentContent `json:"currentContent,omitempty"`
	IsCreator      bool            `json:"isCreator"`
	CreatorEmail   string          `json:"creatorEmail,omitempty"`
	Permissions    *Permissions    `json:"permissions,omitempty"`
	Participants   []Participant   `json:"participants,omitempty"`
}

// AddAllowedUsersRequest is the payload of addAllowedUsers.
type AddAllowedUsersRequest struct {
	SessionID    string   `json:"sessionId" validate:"required"`
	CreatorEmail string   `json:"creatorEmail" validate:"required,email"`
	UsersToAdd   []string `json:"usersToAdd" validate:"required,min=1,dive,required,email"`
}

// AddAllowedUsersAck answers addAllowedUsers.
type AddAllowedUsersAck struct {
	Ack
	AllowedUsers []string `json:"allowedUsers,omitempty"`
}

// UpdatePermissionsRequest is the payload of updatePermissions.
type UpdatePermissionsRequest struct {
	SessionID        string      `json:"sessionId" validate:"required"`
	TargetUserEmail  string      `json:"targetUserEmail" validate:"required,email"`
	NewPermissions   Permissions `json:"newPermissions"`
	RequestedByEmail string      `json:"requestedByEmail" validate:"required,email"`
}

// LeaveSessionRequest is the payload of leaveSession.
type LeaveSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserEmail string `json:"userEmail" validate:"required,email"`
}
