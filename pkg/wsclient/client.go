// Package wsclient is the client transport: request/ack and broadcasts over a
// single WebSocket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

var _ interfaces.Transport = (*Client)(nil)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
	closeGrace   = time.Second
)

// Client implements interfaces.Transport. It can be reconnected after Close.
type Client struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *link
	pending map[string]chan types.Envelope
	idle    chan types.Event
}

// link is one live WebSocket and its goroutines.
type link struct {
	ws      *websocket.Conn
	writeCh chan []byte
	queue   *eventQueue
	done    chan struct{}
	closed  sync.Once
}

// New creates a client for url. header is sent with the handshake.
func New(url string, header http.Header, log zerolog.Logger) *Client {
	idle := make(chan types.Event)
	close(idle)
	return &Client{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second, Proxy: http.ProxyFromEnvironment},
		log:     log.With().Str("component", "wsclient").Logger(),
		pending: make(map[string]chan types.Envelope),
		idle:    idle,
	}
}

// Connect dials the broker. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", types.ErrConnection, c.url, err)
	}

	l := &link{
		ws:      ws,
		writeCh: make(chan []byte, writeBuffer),
		queue:   newEventQueue(),
		done:    make(chan struct{}),
	}
	c.conn = l
	go c.writeLoop(l)
	go c.readLoop(l)

	c.log.Debug().Str("url", c.url).Msg("connected")
	return nil
}

// IsConnected reports whether a link is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Events returns the broadcast stream of the current link. Without a link the
// returned channel is already closed.
func (c *Client) Events() <-chan types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return c.idle
	}
	return c.conn.queue.out
}

// Request sends a correlated request and decodes the ack's data into out.
func (c *Client) Request(ctx context.Context, event string, payload, out interface{}) error {
	id := uuid.NewString()
	ackCh := make(chan types.Envelope, 1)

	c.mu.Lock()
	l := c.conn
	if l == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(l, types.KindRequest, id, event, payload); err != nil {
		return err
	}

	select {
	case env, ok := <-ackCh:
		if !ok {
			return fmt.Errorf("%w: %w", types.ErrConnection, ErrClosedPending)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s ack: %w", event, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", event, ctx.Err())
	}
}

// Emit sends a frame without waiting for an ack.
func (c *Client) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	l := c.conn
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return c.send(l, types.KindEmit, "", event, payload)
}

func (c *Client) send(l *link, kind, id, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(types.Envelope{Kind: kind, ID: id, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.writeCh <- frame:
		return nil
	case <-l.done:
		return ErrNotConnected
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	}
}

// Close flushes queued frames, sends a close frame and drops the link.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.conn
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	// Let the writer drain what is already queued.
	deadline := time.After(closeGrace)
	for len(l.writeCh) > 0 {
		select {
		case <-l.done:
			return nil
		case <-deadline:
			c.shutdown(l, nil)
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	c.shutdown(l, nil)
	return nil
}

// shutdown tears down a link once and fails pending requests. The event
// stream closes when the read loop exits.
func (c *Client) shutdown(l *link, cause error) {
	l.closed.Do(func() {
		close(l.done)
		_ = l.ws.Close()

		c.mu.Lock()
		if c.conn == l {
			c.conn = nil
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if cause != nil {
			c.log.Warn().Err(cause).Msg("connection lost")
		}
	})
}

func (c *Client) writeLoop(l *link) {
	for {
		select {
		case frame := <-l.writeCh:
			if err := l.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.shutdown(l, err)
				return
			}
			if err := l.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(l, err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (c *Client) readLoop(l *link) {
	defer close(l.queue.in)
	for {
		var env types.Envelope
		if err := l.ws.ReadJSON(&env); err != nil {
			select {
			case <-l.done:
				c.shutdown(l, nil)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
					c.shutdown(l, nil)
				} else {
					c.shutdown(l, err)
				}
			}
			return
		}

		switch env.Kind {
		case types.KindAck:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			} else {
				c.log.Debug().Str("id", env.ID).Msg("ack for unknown request")
			}
		case types.KindEvent:
			select {
			case l.queue.in <- types.Event{Name: env.Event, Data: env.Data}:
			case <-l.done:
				return
			}
		default:
			c.log.Debug().Str("kind", env.Kind).Msg("ignoring frame")
		}
	}
}
