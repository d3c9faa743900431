// Package coordinator owns the client side of a collaboration session: its
// lifecycle, the roster and permissions, and the flow of diagram changes
// between the local engine and the broker.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"collabsync/pkg/interfaces"
	"collabsync/pkg/permission"
	"collabsync/pkg/presence"
	"collabsync/pkg/propagator"
	"collabsync/pkg/types"
)

// JoinResult is what a successful join hands back to the caller.
type JoinResult struct {
	SessionID   string
	Snapshot    json.RawMessage
	IsCreator   bool
	Permissions types.Permissions
}

// ChangeHandler observes applied remote changes.
type ChangeHandler func(msg types.ChangeMessage)

// PresenceHandler observes roster and permission updates.
type PresenceHandler func(update types.CollaborationUpdate)

// DisconnectHandler observes a session dropped without LeaveSession. err
// wraps types.ErrConnection.
type DisconnectHandler func(err error)

// Coordinator is the single owner of session state on a client.
//
// ARCHITECTURAL DISCOVERY: All session, roster and permission mutations run on
// one event-loop goroutine. Broker round-trips run on the caller's goroutine
// and hand their result to the loop, which discards it if a leave bumped the
// epoch in the meantime. Observers run in order on a separate delivery
// goroutine, so they may call back into the coordinator.
type Coordinator struct {
	transport  interfaces.Transport
	opts       Options
	log        zerolog.Logger
	registry   *permission.Registry
	tracker    *presence.Tracker
	propagator *propagator.Propagator

	ops      chan func()
	stop     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	noticeMu sync.Mutex
	notices  []notice
	wake     chan struct{}

	// Written only on the loop; mu lets queries read from any goroutine.
	mu           sync.RWMutex
	state        State
	epoch        uint64
	sessionID    string
	creatorEmail string
	userEmail    string
	sessionCtx   context.Context
	cancel       context.CancelFunc

	handlersMu         sync.Mutex
	nextHandlerID      int
	changeHandlers     map[int]ChangeHandler
	presenceHandlers   map[int]PresenceHandler
	disconnectHandlers map[int]DisconnectHandler
}

// New creates a coordinator and starts its event loop.
func New(transport interfaces.Transport, engine interfaces.DiagramEngine, opts Options) *Coordinator {
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("component", "coordinator").Logger()
	registry := permission.NewRegistry()

	c := &Coordinator{
		transport:          transport,
		opts:               opts,
		log:                log,
		registry:           registry,
		tracker:            presence.NewTracker(registry),
		propagator:         propagator.New(engine, transport, opts.Logger),
		ops:                make(chan func(), opts.QueueSize),
		stop:               make(chan struct{}),
		loopDone:           make(chan struct{}),
		wake:               make(chan struct{}, 1),
		changeHandlers:     make(map[int]ChangeHandler),
		presenceHandlers:   make(map[int]PresenceHandler),
		disconnectHandlers: make(map[int]DisconnectHandler),
	}
	go c.loop()
	go c.deliver()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.stop:
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	if err := c.enqueue(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-c.stop:
		return ErrClosed
	}
}

func (c *Coordinator) enqueue(fn func()) error {
	select {
	case c.ops <- fn:
		return nil
	case <-c.stop:
		return ErrClosed
	}
}

// CreateSession opens a new session with the caller as creator. If a session
// is already held, its ID is returned without contacting the broker.
func (c *Coordinator) CreateSession(ctx context.Context, creatorEmail string, snapshot json.RawMessage) (string, error) {
	creatorEmail, err := c.resolveEmail(creatorEmail)
	if err != nil {
		return "", err
	}
	if err := types.ValidateSnapshot(snapshot, types.MaxSnapshotBytes); err != nil {
		return "", err
	}

	var (
		existing string
		ticket   attempt
		beginErr error
	)
	if err := c.do(func() {
		if c.state == Joined {
			existing = c.sessionID
			return
		}
		ticket, beginErr = c.begin()
	}); err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	if beginErr != nil {
		return "", beginErr
	}

	var ack types.CreateSessionAck
	req := types.CreateSessionRequest{CreatorEmail: creatorEmail, DiagramData: snapshot}
	err = c.roundTrip(ctx, ticket, types.EventCreateSession, req, &ack, func() error {
		if err := ack.Err(); err != nil {
			return err
		}
		if ack.SessionID == "" {
			return fmt.Errorf("%w: ack without session id", types.ErrBroker)
		}
		return nil
	})
	if err != nil {
		c.abort(ticket)
		return "", fmt.Errorf("create session: %w", err)
	}

	var applyErr error
	if err := c.do(func() {
		if applyErr = c.current(ticket); applyErr != nil {
			return
		}
		c.enterSession(ticket, ack.SessionID, creatorEmail, creatorEmail)
		perms := types.CreatorPermissions()
		c.tracker.OnUserJoined([]string{creatorEmail}, creatorEmail, &perms)
		c.propagator.Bind(ack.SessionID, creatorEmail, snapshot)
	}); err != nil {
		return "", err
	}
	if applyErr != nil {
		return "", applyErr
	}

	c.log.Info().Str("session", ack.SessionID).Str("creator", creatorEmail).Msg("session created")
	return ack.SessionID, nil
}

// JoinSession enters an existing session and loads its snapshot into the
// engine. On failure no session state changes.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID, userEmail string) (JoinResult, error) {
	userEmail, err := c.resolveEmail(userEmail)
	if err != nil {
		return JoinResult{}, err
	}
	if sessionID == "" {
		return JoinResult{}, fmt.Errorf("join session: %w", types.ErrSessionNotFound)
	}

	var (
		existing *JoinResult
		ticket   attempt
		beginErr error
	)
	if err := c.do(func() {
		if c.state == Joined {
			if c.sessionID == sessionID && c.userEmail == userEmail {
				existing = &JoinResult{
					SessionID:   c.sessionID,
					Snapshot:    c.propagator.Snapshot(),
					IsCreator:   userEmail == c.creatorEmail,
					Permissions: c.registry.Ensure(userEmail),
				}
				return
			}
			beginErr = ErrSessionActive
			return
		}
		ticket, beginErr = c.begin()
	}); err != nil {
		return JoinResult{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	if beginErr != nil {
		return JoinResult{}, beginErr
	}

	var ack types.JoinSessionAck
	req := types.JoinSessionRequest{SessionID: sessionID, UserEmail: userEmail}
	err = c.roundTrip(ctx, ticket, types.EventJoinSession, req, &ack, func() error { return ack.Err() })
	if err != nil {
		c.abort(ticket)
		return JoinResult{}, fmt.Errorf("join session %s: %w", sessionID, err)
	}

	result := JoinResult{SessionID: sessionID, IsCreator: ack.IsCreator, Permissions: types.DefaultPermissions()}
	if ack.CurrentContent != nil {
		result.Snapshot = ack.CurrentContent.DiagramData
	}
	if ack.Permissions != nil {
		result.Permissions = *ack.Permissions
	}
	creator := ack.CreatorEmail
	if creator == "" && ack.IsCreator {
		creator = userEmail
	}

	var applyErr error
	if err := c.do(func() {
		if applyErr = c.current(ticket); applyErr != nil {
			return
		}
		c.enterSession(ticket, sessionID, creator, userEmail)
		c.tracker.Seed(ack.Participants)
		active := lo.FilterMap(ack.Participants, func(p types.Participant, _ int) (string, bool) {
			return p.Email, p.IsActive
		})
		perms := result.Permissions
		c.tracker.OnUserJoined(append(active, userEmail), userEmail, &perms)
		result.Permissions, _ = c.registry.Get(userEmail)

		c.propagator.Bind(sessionID, userEmail, result.Snapshot)
		if err := c.propagator.Bootstrap(result.Snapshot); err != nil {
			c.log.Warn().Err(err).Str("session", sessionID).Msg("initial snapshot not applied")
		}
	}); err != nil {
		return JoinResult{}, err
	}
	if applyErr != nil {
		return JoinResult{}, applyErr
	}

	c.log.Info().Str("session", sessionID).Str("user", userEmail).Bool("creator", result.IsCreator).Msg("joined session")
	return result, nil
}

// InviteUsers asks the broker to extend the session's allowed list. Whether
// the requester may invite is decided by the broker.
func (c *Coordinator) InviteUsers(ctx context.Context, sessionID, creatorEmail string, emails []string) error {
	invitees := lo.Uniq(lo.Map(emails, func(e string, _ int) string { return types.NormalizeEmail(e) }))
	if len(invitees) == 0 {
		return fmt.Errorf("invite users: %w", types.ErrInvalidEmail)
	}
	for _, email := range invitees {
		if !types.IsValidEmail(email) {
			return fmt.Errorf("invite %q: %w", email, types.ErrInvalidEmail)
		}
	}
	creatorEmail = types.NormalizeEmail(creatorEmail)

	ticket, err := c.joinedTicket()
	if err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = ticket.sessionID
	}

	var ack types.AddAllowedUsersAck
	req := types.AddAllowedUsersRequest{SessionID: sessionID, CreatorEmail: creatorEmail, UsersToAdd: invitees}
	if err := c.roundTrip(ctx, ticket, types.EventAddAllowedUsers, req, &ack, func() error { return ack.Err() }); err != nil {
		return fmt.Errorf("invite users: %w", err)
	}
	c.log.Info().Str("session", sessionID).Strs("invited", invitees).Msg("users invited")
	return nil
}

// UpdatePermissions asks the broker to replace a participant's permission
// triple. The roster changes when the broker's PERMISSIONS_CHANGED arrives.
func (c *Coordinator) UpdatePermissions(ctx context.Context, targetEmail string, perms types.Permissions) error {
	targetEmail = types.NormalizeEmail(targetEmail)
	if !types.IsValidEmail(targetEmail) {
		return fmt.Errorf("update permissions: %w", types.ErrInvalidEmail)
	}
	ticket, err := c.joinedTicket()
	if err != nil {
		return err
	}

	var ack types.Ack
	req := types.UpdatePermissionsRequest{
		SessionID:        ticket.sessionID,
		TargetUserEmail:  targetEmail,
		NewPermissions:   perms,
		RequestedByEmail: ticket.userEmail,
	}
	if err := c.roundTrip(ctx, ticket, types.EventUpdatePermissions, req, &ack, func() error { return ack.Err() }); err != nil {
		return fmt.Errorf("update permissions for %s: %w", targetEmail, err)
	}
	return nil
}

// LeaveSession tears the session down. Pending requests are cancelled,
// observers are unregistered and the transport is closed. Calling it without
// a session is a no-op.
func (c *Coordinator) LeaveSession() error {
	var (
		sessionID, userEmail string
		active               bool
	)
	if err := c.do(func() {
		if c.state == Disconnected {
			return
		}
		active = true
		sessionID, userEmail = c.sessionID, c.userEmail
		c.teardown()
		c.clearHandlers()
	}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	if !active {
		return nil
	}

	if sessionID != "" {
		notice := types.LeaveSessionRequest{SessionID: sessionID, UserEmail: userEmail}
		if err := c.transport.Emit(types.EventLeaveSession, notice); err != nil {
			c.log.Debug().Err(err).Msg("leave notice not sent")
		}
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debug().Err(err).Msg("transport close")
	}
	c.log.Info().Str("session", sessionID).Str("user", userEmail).Msg("left session")
	return nil
}

// Close leaves any session and stops the event loop. Pending observer
// notifications are dropped.
func (c *Coordinator) Close() error {
	err := c.LeaveSession()
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.loopDone
	return err
}

// Publish sends a local, user-initiated change. It does nothing while a remote
// change is being applied.
func (c *Coordinator) Publish(delta, snapshot json.RawMessage) (bool, error) {
	c.mu.RLock()
	state, user := c.state, c.userEmail
	c.mu.RUnlock()
	if state != Joined {
		return false, types.ErrNoActiveSession
	}
	if c.propagator.Suppressing() {
		return false, nil
	}
	if !c.registry.CanPerform(user, types.CapabilityEdit) {
		return false, fmt.Errorf("publish: %w", types.ErrPermissionDenied)
	}
	if err := types.ValidateSnapshot(snapshot, types.MaxSnapshotBytes); err != nil {
		return false, err
	}
	return c.propagator.Publish(delta, snapshot)
}

// OnRemoteChange registers h for applied remote changes. The returned func
// unregisters it.
func (c *Coordinator) OnRemoteChange(h ChangeHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.changeHandlers[id] = h
	return c.unsubscriber(func() { delete(c.changeHandlers, id) })
}

// OnPresenceUpdate registers h for roster and permission updates.
func (c *Coordinator) OnPresenceUpdate(h PresenceHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.presenceHandlers[id] = h
	return c.unsubscriber(func() { delete(c.presenceHandlers, id) })
}

// OnDisconnect registers h for sessions lost to the transport or ended by the
// broker.
func (c *Coordinator) OnDisconnect(h DisconnectHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.disconnectHandlers[id] = h
	return c.unsubscriber(func() { delete(c.disconnectHandlers, id) })
}

func (c *Coordinator) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			remove()
		})
	}
}

func (c *Coordinator) clearHandlers() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.changeHandlers = make(map[int]ChangeHandler)
	c.presenceHandlers = make(map[int]PresenceHandler)
	c.disconnectHandlers = make(map[int]DisconnectHandler)
}

// State reports the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID is empty unless joined.
func (c *Coordinator) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Coordinator) CreatorEmail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creatorEmail
}

// UserEmail is the local participant.
func (c *Coordinator) UserEmail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userEmail
}

// Snapshot is the last known full diagram state.
func (c *Coordinator) Snapshot() json.RawMessage {
	return c.propagator.Snapshot()
}

// Participants lists the roster ordered by email.
func (c *Coordinator) Participants() []types.Participant {
	return c.tracker.Roster()
}

func (c *Coordinator) Participant(email string) (types.Participant, bool) {
	return c.tracker.Get(types.NormalizeEmail(email))
}

// CanPerform answers permission checks for UI gating.
func (c *Coordinator) CanPerform(email string, capability types.Capability) bool {
	return c.registry.CanPerform(types.NormalizeEmail(email), capability)
}

func (c *Coordinator) resolveEmail(email string) (string, error) {
	if email == "" {
		if c.opts.Identity == nil {
			return "", fmt.Errorf("%w: %w", types.ErrInvalidEmail, interfaces.ErrNotAuthenticated)
		}
		resolved, err := c.opts.Identity.CurrentEmail()
		if err != nil {
			return "", fmt.Errorf("resolve identity: %w", err)
		}
		email = resolved
	}
	email = types.NormalizeEmail(email)
	if !types.IsValidEmail(email) {
		return "", types.ErrInvalidEmail
	}
	return email, nil
}
