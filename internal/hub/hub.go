package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabsync/internal/router"
	"collabsync/internal/websocket"
	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

var _ websocket.Dispatcher = (*Hub)(nil)

const (
	defaultOpTimeout = 10 * time.Second
	cleanupInterval  = time.Minute
)

// Hub coordinates request handling, change routing and room membership
// ARCHITECTURAL DISCOVERY: Central coordination point for all message flow
// maintains clean separation between WebSocket handling and message routing
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered channels prevent blocking during message bursts
	messageChannel    chan *Inbound              // 1000 buffer handles change bursts
	unregisterChannel chan *websocket.Connection // 100 buffer for disconnects
	controlChannel    chan func(context.Context) // Administrative operations
	shutdownChannel   chan struct{}
	done              chan struct{}

	registry  *websocket.Registry
	router    *router.Router
	sessions  interfaces.SessionManager
	log       zerolog.Logger
	opTimeout time.Duration

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
}

// Inbound is a frame together with the connection it arrived on.
type Inbound struct {
	Conn     *websocket.Connection
	Envelope *types.Envelope
	Received time.Time
}

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, router *router.Router, sessions interfaces.SessionManager, log zerolog.Logger) *Hub {
	return &Hub{
		messageChannel:    make(chan *Inbound, 1000),
		unregisterChannel: make(chan *websocket.Connection, 100),
		controlChannel:    make(chan func(context.Context)),
		shutdownChannel:   make(chan struct{}),
		done:              make(chan struct{}),
		registry:          registry,
		router:            router,
		sessions:          sessions,
		log:               log.With().Str("component", "hub").Logger(),
		opTimeout:         defaultOpTimeout,
	}
}

// SetRequestTimeout bounds the work done for a single frame. Call before Start.
func (h *Hub) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		h.opTimeout = d
	}
}

// Start begins hub processing
// FUNCTIONAL DISCOVERY: Single hub goroutine keeps room membership and
// presence broadcasts in one order
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.log.Info().Msg("starting hub")
	go h.run(ctx)
	return nil
}

// Stop shuts the hub down and waits for the loop to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	h.log.Info().Msg("stopping hub")
	<-h.done
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Dispatch queues an inbound frame.
func (h *Hub) Dispatch(conn *websocket.Connection, env *types.Envelope) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
	select {
	case h.messageChannel <- &Inbound{Conn: conn, Envelope: env, Received: time.Now()}:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

// Disconnect queues a closed connection for removal.
func (h *Hub) Disconnect(conn *websocket.Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	select {
	case h.unregisterChannel <- conn:
		return nil
	default:
		return ErrUnregisterChannelFull
	}
}

// EndSession ends a session and closes every connection in its room.
func (h *Hub) EndSession(ctx context.Context, sessionID string) error {
	var err error
	if doErr := h.do(ctx, func(loopCtx context.Context) {
		if err = h.sessions.EndSession(ctx, sessionID); err != nil {
			return
		}
		members := h.registry.CloseRoom(sessionID)
		for _, conn := range members {
			conn.Unbind()
			_ = conn.Close()
		}
		h.log.Info().Str("session", sessionID).Int("closed", len(members)).Msg("session ended")
	}); doErr != nil {
		return doErr
	}
	return err
}

// do runs fn on the hub goroutine and waits for it.
func (h *Hub) do(ctx context.Context, fn func(context.Context)) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	finished := make(chan struct{})
	select {
	case h.controlChannel <- func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}:
	case <-h.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// GetStats reports hub state for the health endpoint.
func (h *Hub) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"running":       h.isRunning(),
		"queued_frames": len(h.messageChannel),
	}
	for k, v := range h.registry.GetStats() {
		stats[k] = v
	}
	return stats
}

// run is the main hub processing loop
// TECHNICAL DISCOVERY: Single select loop handles all coordination
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.log.Info().Msg("hub processing stopped")

	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case in := <-h.messageChannel:
			h.handleFrame(ctx, in)

		case conn := <-h.unregisterChannel:
			h.handleDisconnect(conn)

		case fn := <-h.controlChannel:
			fn(ctx)

		case <-cleanup.C:
			h.router.Cleanup()

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

// handleFrame runs one request or emit and acks requests.
// FUNCTIONAL DISCOVERY: Processing continues despite individual failures
func (h *Hub) handleFrame(ctx context.Context, in *Inbound) {
	opCtx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	env := in.Envelope
	result, err := h.handle(opCtx, in.Conn, env)

	if env.Kind != types.KindRequest {
		if err != nil {
			h.log.Warn().Err(err).Str("event", env.Event).Str("user", in.Conn.GetUserEmail()).Msg("emit rejected")
		}
		return
	}

	if err != nil {
		h.log.Info().Err(err).Str("event", env.Event).Str("user", in.Conn.GetUserEmail()).Msg("request rejected")
		result = types.Ack{Status: types.StatusError, Code: types.CodeForError(err), Message: err.Error()}
	}
	if ackErr := in.Conn.Ack(env.ID, result); ackErr != nil {
		h.log.Warn().Err(ackErr).Str("event", env.Event).Msg("failed to write ack")
	}
}

func (h *Hub) handle(ctx context.Context, conn *websocket.Connection, env *types.Envelope) (interface{}, error) {
	switch env.Event {
	case types.EventCreateSession:
		var req types.CreateSessionRequest
		if err := decode(env.Data, &req); err != nil {
			return nil, err
		}
		return h.createSession(ctx, conn, &req)

	case types.EventJoinSession:
		var req types.JoinSessionRequest
		if err := decode(env.Data, &req); err != nil {
			return nil, err
		}
		return h.joinSession(ctx, conn, &req)

	case types.EventAddAllowedUsers:
		var req types.AddAllowedUsersRequest
		if err := decode(env.Data, &req); err != nil {
			return nil, err
		}
		return h.addAllowedUsers(ctx, conn, &req)

	case types.EventUpdatePermissions:
		var req types.UpdatePermissionsRequest
		if err := decode(env.Data, &req); err != nil {
			return nil, err
		}
		return h.updatePermissions(ctx, conn, &req)

	case types.EventLeaveSession:
		var req types.LeaveSessionRequest
		if err := decode(env.Data, &req); err != nil {
			return nil, err
		}
		return h.leaveSession(conn, &req)

	case types.EventDiagramChanges:
		var change types.ChangeMessage
		if err := json.Unmarshal(env.Data, &change); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
		}
		if err := h.router.RouteChange(ctx, &change, conn); err != nil {
			return nil, err
		}
		return success(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", types.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidPayload, err)
	}
	return types.ValidatePayload(v)
}

func success() types.Ack {
	return types.Ack{Status: types.StatusSuccess}
}
