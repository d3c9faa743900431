package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

var _ interfaces.Connection = (*Connection)(nil)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	id        string
	conn      *websocket.Conn
	writeCh   chan []byte // FUNCTIONAL DISCOVERY: 100 buffer absorbs a burst of room broadcasts
	userEmail string      // Set on create or join
	sessionID string      // Room the connection belongs to
	bound     bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.RWMutex // Protects identity fields
}

// NewConnection creates a new WebSocket connection wrapper
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.New().String(),
		conn:    conn,
		writeCh: make(chan []byte, writeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer goroutine.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Send writes an event frame.
func (c *Connection) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.WriteJSON(types.Envelope{Kind: types.KindEvent, Event: event, Data: data})
}

// Ack writes the acknowledgement for request id.
func (c *Connection) Ack(id string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.WriteJSON(types.Envelope{Kind: types.KindAck, ID: id, Data: data})
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string {
	return c.id
}

// Bind attaches the connection to a room under an identity.
func (c *Connection) Bind(userEmail, sessionID string) error {
	userEmail = types.NormalizeEmail(userEmail)
	if !types.IsValidEmail(userEmail) {
		return types.ErrInvalidEmail
	}
	if sessionID == "" {
		return ErrInvalidParameters
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.userEmail = userEmail
	c.sessionID = sessionID
	c.bound = true
	return nil
}

// Unbind detaches the connection from its room. The identity stays so a
// later request on the same socket can be attributed in logs.
func (c *Connection) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.bound = false
}

func (c *Connection) IsBound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound
}

func (c *Connection) GetUserEmail() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userEmail
}

func (c *Connection) GetSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}
