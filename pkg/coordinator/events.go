package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"collabsync/pkg/types"
)

// pump forwards broadcasts for one session epoch onto the loop.
func (c *Coordinator) pump(ctx context.Context, epoch uint64, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = c.enqueue(func() { c.transportLost(epoch) })
				return
			}
			if err := c.enqueue(func() { c.dispatch(epoch, ev) }); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) transportLost(epoch uint64) {
	if c.epoch != epoch || c.state == Disconnected {
		return
	}
	sessionID := c.sessionID
	c.log.Error().Str("session", sessionID).Msg("transport lost, session dropped")
	c.teardown()

	c.handlersMu.Lock()
	handlers := make([]DisconnectHandler, 0, len(c.disconnectHandlers))
	for _, id := range slices.Sorted(maps.Keys(c.disconnectHandlers)) {
		handlers = append(handlers, c.disconnectHandlers[id])
	}
	c.handlersMu.Unlock()

	err := fmt.Errorf("%w: session %s lost its transport", types.ErrConnection, sessionID)
	c.notify(func() {
		for _, h := range handlers {
			c.safely("disconnect handler", func() { h(err) })
		}
	})
}

func (c *Coordinator) dispatch(epoch uint64, ev types.Event) {
	if c.epoch != epoch || c.state != Joined {
		c.log.Debug().Str("event", ev.Name).Msg("discarding event from previous session")
		return
	}
	switch ev.Name {
	case types.EventDiagramChanges:
		c.handleChange(ev.Data)
	case types.EventCollaborationUpdate:
		c.handleUpdate(ev.Data)
	default:
		c.log.Debug().Str("event", ev.Name).Msg("ignoring unknown event")
	}
}

func (c *Coordinator) handleChange(data json.RawMessage) {
	var msg types.ChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("malformed change message")
		return
	}
	if msg.SessionID != "" && msg.SessionID != c.sessionID {
		return
	}

	applied, err := c.propagator.ApplyRemote(&msg)
	if err != nil {
		c.log.Warn().Err(err).Str("from", msg.UserEmail).Msg("remote change failed")
		return
	}
	if !applied {
		return
	}

	c.handlersMu.Lock()
	handlers := make([]ChangeHandler, 0, len(c.changeHandlers))
	for _, id := range slices.Sorted(maps.Keys(c.changeHandlers)) {
		handlers = append(handlers, c.changeHandlers[id])
	}
	c.handlersMu.Unlock()

	c.notify(func() {
		for _, h := range handlers {
			c.safely("change handler", func() { h(msg) })
		}
	})
}

func (c *Coordinator) handleUpdate(data json.RawMessage) {
	var update types.CollaborationUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		c.log.Warn().Err(err).Msg("malformed collaboration update")
		return
	}
	if update.SessionID != "" && update.SessionID != c.sessionID {
		return
	}

	email := types.NormalizeEmail(update.Data.UserEmail)
	switch update.Type {
	case types.UserJoined:
		c.tracker.OnUserJoined(update.Data.ActiveUsers, email, update.Data.Permissions)
	case types.UserLeft:
		c.tracker.OnUserLeft(email)
	case types.PermissionsChanged:
		c.tracker.OnPermissionsChanged(email, update.Data.Permissions)
	default:
		c.log.Debug().Str("type", string(update.Type)).Msg("ignoring unknown update type")
		return
	}

	c.handlersMu.Lock()
	handlers := make([]PresenceHandler, 0, len(c.presenceHandlers))
	for _, id := range slices.Sorted(maps.Keys(c.presenceHandlers)) {
		handlers = append(handlers, c.presenceHandlers[id])
	}
	c.handlersMu.Unlock()

	c.notify(func() {
		for _, h := range handlers {
			c.safely("presence handler", func() { h(update) })
		}
	})
}

// notice is an observer call queued by the loop for the current epoch.
type notice struct {
	epoch uint64
	run   func()
}

// notify queues run behind earlier notices without blocking the loop. Loop only.
func (c *Coordinator) notify(run func()) {
	c.noticeMu.Lock()
	c.notices = append(c.notices, notice{epoch: c.epoch, run: run})
	c.noticeMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliver runs queued notices in order. Notices from an epoch that has since
// ended are dropped, so nothing reaches observers after a leave.
func (c *Coordinator) deliver() {
	for {
		select {
		case <-c.wake:
		case <-c.stop:
			return
		}
		for {
			c.noticeMu.Lock()
			if len(c.notices) == 0 {
				c.noticeMu.Unlock()
				break
			}
			n := c.notices[0]
			c.notices[0] = notice{}
			c.notices = c.notices[1:]
			c.noticeMu.Unlock()

			c.mu.RLock()
			live := c.epoch == n.epoch
			c.mu.RUnlock()
			if live {
				n.run()
			}
		}
	}
}

// safely keeps a panicking observer from taking the loop down.
func (c *Coordinator) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("handler", what).Msg("observer panicked")
		}
	}()
	fn()
}
