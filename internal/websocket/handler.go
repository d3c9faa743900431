package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabsync/pkg/types"
)

// Options tunes heartbeats and frame limits. Zero fields take defaults.
type Options struct {
	PingInterval  time.Duration
	PongWait      time.Duration
	MaxFrameBytes int
}

func (o Options) withDefaults() Options {
	// TECHNICAL DISCOVERY: 60-second read deadline with 30-second ping interval
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 4 << 20
	}
	return o
}

// WebSocket upgrader with production-ready settings
// ARCHITECTURAL DISCOVERY: Separate upgrader configuration enables reuse
// and consistent WebSocket settings across different handler instances
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Allow all origins; diagram editors are served
		// from arbitrary hosts
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Dispatcher receives frames and lifecycle events from connections.
type Dispatcher interface {
	Dispatch(conn *Connection, env *types.Envelope) error
	Disconnect(conn *Connection) error
}

// Handler upgrades HTTP requests and pumps frames into the dispatcher.
// Identity is not established here; it is bound by createSession or
// joinSession.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	opts       Options
	log        zerolog.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, dispatcher Dispatcher, opts Options, log zerolog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		log:        log.With().Str("component", "websocket").Logger(),
	}
}

// ServeHTTP handles WebSocket connection requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws)
	if err := h.registry.Add(conn); err != nil {
		h.log.Error().Err(err).Msg("failed to register connection")
		_ = conn.Close()
		return
	}
	h.log.Debug().Str("conn", conn.ID()).Str("remote", r.RemoteAddr).Msg("connection opened")

	go h.handleConnection(conn)
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: Single goroutine per connection reads frames; a
// companion goroutine sends pings until the connection closes
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.dispatcher.Disconnect(conn); err != nil {
			h.log.Debug().Err(err).Str("conn", conn.ID()).Msg("disconnect not dispatched")
			h.registry.Remove(conn)
		}
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(int64(h.opts.MaxFrameBytes))
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	go h.heartbeat(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("conn", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.handleFrame(conn, data)
	}
}

func (h *Handler) handleFrame(conn *Connection, data []byte) {
	env, err := decodeFrame(data)
	if err != nil {
		h.log.Warn().Err(err).Str("conn", conn.ID()).Msg("dropping frame")
		return
	}

	if err := h.dispatcher.Dispatch(conn, env); err != nil {
		h.log.Error().Err(err).Str("conn", conn.ID()).Str("event", env.Event).Msg("frame not dispatched")
		if env.Kind == types.KindRequest {
			_ = conn.Ack(env.ID, types.Ack{Status: types.StatusError, Code: types.CodeInternal, Message: err.Error()})
		}
	}
}

// decodeFrame parses an inbound envelope. Clients may only send requests and
// emits.
func decodeFrame(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}
	if env.Kind != types.KindRequest && env.Kind != types.KindEmit {
		return nil, fmt.Errorf("%w: unexpected kind %q", ErrInvalidFrame, env.Kind)
	}
	if env.Kind == types.KindRequest && env.ID == "" {
		return nil, fmt.Errorf("%w: request without id", ErrInvalidFrame)
	}
	return &env, nil
}

func (h *Handler) heartbeat(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
