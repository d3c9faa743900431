package coordinator

import (
	"context"
	"errors"
	"fmt"

	"collabsync/pkg/types"
)

// attempt pins a broker round-trip to the session epoch it started in.
type attempt struct {
	epoch     uint64
	ctx       context.Context
	sessionID string
	userEmail string
}

// begin moves to Connecting under a fresh epoch. Loop only.
func (c *Coordinator) begin() (attempt, error) {
	if c.state == Connecting {
		return attempt{}, ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.epoch++
	c.state = Connecting
	c.sessionCtx, c.cancel = ctx, cancel
	epoch := c.epoch
	c.mu.Unlock()

	return attempt{epoch: epoch, ctx: ctx}, nil
}

// current fails if the session the attempt belongs to is gone. Loop only.
func (c *Coordinator) current(t attempt) error {
	if c.epoch != t.epoch {
		return ErrCancelled
	}
	return nil
}

// abort rolls a failed create or join back to Disconnected.
func (c *Coordinator) abort(t attempt) {
	var owned bool
	_ = c.do(func() {
		if c.epoch != t.epoch {
			return
		}
		owned = true
		c.teardown()
	})
	if owned {
		if err := c.transport.Close(); err != nil {
			c.log.Debug().Err(err).Msg("transport close after failed attempt")
		}
	}
}

// enterSession records a successful create or join and starts consuming
// broadcasts. Loop only.
func (c *Coordinator) enterSession(t attempt, sessionID, creatorEmail, userEmail string) {
	c.mu.Lock()
	c.state = Joined
	c.sessionID = sessionID
	c.creatorEmail = creatorEmail
	c.userEmail = userEmail
	c.mu.Unlock()

	c.registry.SetCreator(creatorEmail)
	go c.pump(t.ctx, t.epoch, c.transport.Events())
}

// teardown drops all session state and invalidates in-flight work. Loop only.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.epoch++
	c.state = Disconnected
	c.sessionID = ""
	c.creatorEmail = ""
	c.userEmail = ""
	c.sessionCtx, c.cancel = nil, nil
	c.mu.Unlock()

	c.propagator.Unbind()
	c.tracker.Reset()
	c.registry.Reset()
}

// joinedTicket captures the current session for a request issued while joined.
func (c *Coordinator) joinedTicket() (attempt, error) {
	var (
		t   attempt
		err error
	)
	if doErr := c.do(func() {
		if c.state != Joined {
			err = types.ErrNoActiveSession
			return
		}
		t = attempt{epoch: c.epoch, ctx: c.sessionCtx, sessionID: c.sessionID, userEmail: c.userEmail}
	}); doErr != nil {
		return attempt{}, doErr
	}
	return t, err
}

// roundTrip connects if needed, sends one request and decodes its ack. The
// request is abandoned when ctx ends, when the request timeout elapses or when
// the session it belongs to is left.
func (c *Coordinator) roundTrip(ctx context.Context, t attempt, event string, payload, out interface{}, ackErr func() error) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	if !c.transport.IsConnected() {
		connCtx, connCancel := context.WithTimeout(reqCtx, c.opts.ConnectTimeout)
		err := c.transport.Connect(connCtx)
		connCancel()
		if err != nil {
			if t.ctx.Err() != nil {
				return ErrCancelled
			}
			if errors.Is(err, types.ErrConnection) {
				return err
			}
			return fmt.Errorf("%w: %w", types.ErrConnection, err)
		}
	}

	if err := c.transport.Request(reqCtx, event, payload, out); err != nil {
		if t.ctx.Err() != nil {
			return ErrCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, types.ErrConnection) {
			return fmt.Errorf("%w: %w", types.ErrConnection, err)
		}
		return err
	}
	if t.ctx.Err() != nil {
		return ErrCancelled
	}
	return ackErr()
}
