package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"collabsync/pkg/types"
)

// memBroker is an in-memory stand-in for the broker's request handling and
// room fan-out.
type memBroker struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*memSession
}

type memSession struct {
	id       string
	creator  string
	allowed  map[string]bool
	perms    map[string]types.Permissions
	snapshot json.RawMessage
	members  map[string]*fakeTransport
}

func newMemBroker() *memBroker {
	return &memBroker{sessions: make(map[string]*memSession)}
}

func (s *memSession) permsFor(email string) types.Permissions {
	if email == s.creator {
		return types.CreatorPermissions()
	}
	if p, ok := s.perms[email]; ok {
		return p
	}
	return types.DefaultPermissions()
}

func (s *memSession) active() []string {
	out := make([]string, 0, len(s.members))
	for email := range s.members {
		out = append(out, email)
	}
	return out
}

func (b *memBroker) broadcast(s *memSession, event string, payload interface{}, except *fakeTransport) {
	data, _ := json.Marshal(payload)
	for _, member := range s.members {
		if member == except {
			continue
		}
		member.deliver(types.Event{Name: event, Data: data})
	}
}

func reencode(payload, into interface{}) {
	data, _ := json.Marshal(payload)
	_ = json.Unmarshal(data, into)
}

func failed(code string) types.Ack {
	return types.Ack{Status: types.StatusError, Code: code}
}

func (b *memBroker) request(t *fakeTransport, event string, payload interface{}) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event {
	case types.EventCreateSession:
		var req types.CreateSessionRequest
		reencode(payload, &req)
		b.nextID++
		s := &memSession{
			id:       fmt.Sprintf("session-%d", b.nextID),
			creator:  req.CreatorEmail,
			allowed:  map[string]bool{req.CreatorEmail: true},
			perms:    map[string]types.Permissions{},
			snapshot: req.DiagramData,
			members:  map[string]*fakeTransport{req.CreatorEmail: t},
		}
		b.sessions[s.id] = s
		return types.CreateSessionAck{Ack: types.Ack{Status: types.StatusSuccess}, SessionID: s.id}

	case types.EventJoinSession:
		var req types.JoinSessionRequest
		reencode(payload, &req)
		s, ok := b.sessions[req.SessionID]
		if !ok {
			return failed(types.CodeSessionNotFound)
		}
		if !s.allowed[req.UserEmail] {
			return failed(types.CodeNotAllowed)
		}
		s.members[req.UserEmail] = t
		perms := s.permsFor(req.UserEmail)
		participants := make([]types.Participant, 0, len(s.members))
		for email := range s.members {
			participants = append(participants, types.Participant{
				Email: email, IsActive: true, Permissions: s.permsFor(email), IsCreator: email == s.creator,
			})
		}
		b.broadcast(s, types.EventCollaborationUpdate, types.CollaborationUpdate{
			Type:      types.UserJoined,
			SessionID: s.id,
			Data:      types.UpdateData{UserEmail: req.UserEmail, Permissions: &perms, ActiveUsers: s.active()},
		}, nil)
		return types.JoinSessionAck{
			Ack:            types.Ack{Status: types.StatusSuccess},
			SessionID:      s.id,
			CurrentContent: &types.CurrentContent{DiagramData: s.snapshot},
			IsCreator:      req.UserEmail == s.creator,
			CreatorEmail:   s.creator,
			Permissions:    &perms,
			Participants:   participants,
		}

	case types.EventAddAllowedUsers:
		var req types.AddAllowedUsersRequest
		reencode(payload, &req)
		s, ok := b.sessions[req.SessionID]
		if !ok {
			return failed(types.CodeSessionNotFound)
		}
		if !s.permsFor(req.CreatorEmail).CanInvite {
			return failed(types.CodePermissionDenied)
		}
		for _, email := range req.UsersToAdd {
			s.allowed[email] = true
		}
		return types.AddAllowedUsersAck{Ack: types.Ack{Status: types.StatusSuccess}}

	case types.EventUpdatePermissions:
		var req types.UpdatePermissionsRequest
		reencode(payload, &req)
		s, ok := b.sessions[req.SessionID]
		if !ok {
			return failed(types.CodeSessionNotFound)
		}
		if !s.permsFor(req.RequestedByEmail).CanManagePermissions {
			return failed(types.CodePermissionDenied)
		}
		s.perms[req.TargetUserEmail] = req.NewPermissions
		perms := s.permsFor(req.TargetUserEmail)
		b.broadcast(s, types.EventCollaborationUpdate, types.CollaborationUpdate{
			Type:      types.PermissionsChanged,
			SessionID: s.id,
			Data:      types.UpdateData{UserEmail: req.TargetUserEmail, Permissions: &perms},
		}, nil)
		return types.Ack{Status: types.StatusSuccess}
	}
	return failed(types.CodeBadRequest)
}

func (b *memBroker) emit(t *fakeTransport, event string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event {
	case types.EventDiagramChanges:
		var msg types.ChangeMessage
		reencode(payload, &msg)
		s, ok := b.sessions[msg.SessionID]
		if !ok || s.members[msg.UserEmail] != t || !s.permsFor(msg.UserEmail).CanEdit {
			return
		}
		s.snapshot = msg.DiagramData
		b.broadcast(s, types.EventDiagramChanges, msg, t)
	case types.EventLeaveSession:
		var req types.LeaveSessionRequest
		reencode(payload, &req)
		if s, ok := b.sessions[req.SessionID]; ok {
			b.leave(s, req.UserEmail)
		}
	}
}

func (b *memBroker) leave(s *memSession, email string) {
	if _, ok := s.members[email]; !ok {
		return
	}
	delete(s.members, email)
	b.broadcast(s, types.EventCollaborationUpdate, types.CollaborationUpdate{
		Type:      types.UserLeft,
		SessionID: s.id,
		Data:      types.UpdateData{UserEmail: email},
	}, nil)
}

func (b *memBroker) disconnect(t *fakeTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		for email, member := range s.members {
			if member == t {
				b.leave(s, email)
			}
		}
	}
}

// fakeTransport records traffic and routes it through a memBroker.
type fakeTransport struct {
	broker *memBroker

	mu         sync.Mutex
	connected  bool
	connectErr error
	events     chan types.Event
	requests   map[string]int
	emits      map[string]int
	gate       chan struct{}
	started    chan string
}

func newFakeTransport(b *memBroker) *fakeTransport {
	return &fakeTransport{
		broker:   b,
		requests: make(map[string]int),
		emits:    make(map[string]int),
		events:   make(chan types.Event, 256),
	}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	if !t.connected {
		t.connected = true
		t.events = make(chan types.Event, 256)
	}
	return nil
}

func (t *fakeTransport) Request(ctx context.Context, event string, payload, out interface{}) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return types.ErrConnection
	}
	t.requests[event]++
	gate, started := t.gate, t.started
	t.mu.Unlock()

	if started != nil {
		started <- event
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ack := t.broker.request(t, event, payload)
	reencode(ack, out)
	return nil
}

func (t *fakeTransport) Emit(event string, payload interface{}) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return types.ErrConnection
	}
	t.emits[event]++
	t.mu.Unlock()

	t.broker.emit(t, event, payload)
	return nil
}

func (t *fakeTransport) Events() <-chan types.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	close(t.events)
	t.mu.Unlock()

	t.broker.disconnect(t)
	return nil
}

func (t *fakeTransport) deliver(ev types.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

func (t *fakeTransport) requestCount(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[event]
}

func (t *fakeTransport) emitCount(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emits[event]
}

// fakeEngine records applied state and behaves like a UI that republishes
// every mutation the engine raises.
type fakeEngine struct {
	mu        sync.Mutex
	coord     *Coordinator
	snapshots []string
	deltas    []string
}

func (e *fakeEngine) ApplySnapshot(snapshot json.RawMessage) error {
	e.mu.Lock()
	e.snapshots = append(e.snapshots, string(snapshot))
	coord := e.coord
	e.mu.Unlock()
	if coord != nil {
		_, _ = coord.Publish(json.RawMessage(`{"replaced":true}`), snapshot)
	}
	return nil
}

func (e *fakeEngine) ApplyDelta(delta json.RawMessage) error {
	e.mu.Lock()
	e.deltas = append(e.deltas, string(delta))
	coord := e.coord
	e.mu.Unlock()
	if coord != nil {
		_, _ = coord.Publish(delta, nil)
	}
	return nil
}

func (e *fakeEngine) current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.snapshots) == 0 {
		return ""
	}
	return e.snapshots[len(e.snapshots)-1]
}

type staticIdentity string

func (s staticIdentity) CurrentEmail() (string, error) {
	return string(s), nil
}
