// Package propagator turns local diagram mutations into change messages and
// applies incoming ones without echoing them back.
package propagator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

// Emitter is the fire-and-forget half of the transport.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Propagator mediates between the diagram engine and the wire.
//
// Echo suppression has two layers. While ApplyRemote runs, a guard keyed by
// session drops every Publish to that session, which covers mutation events
// the engine raises synchronously during the apply. Every outgoing message
// also carries this propagator's origin ID, and incoming messages with the
// same origin are discarded by ID.
type Propagator struct {
	engine   interfaces.DiagramEngine
	emitter  Emitter
	originID string
	log      zerolog.Logger
	now      func() time.Time
	guard    *guard

	mu        sync.Mutex
	sessionID string
	userEmail string
	primed    bool
	snapshot  json.RawMessage
}

// New creates a propagator with a fresh origin ID.
func New(engine interfaces.DiagramEngine, emitter Emitter, log zerolog.Logger) *Propagator {
	return &Propagator{
		engine:   engine,
		emitter:  emitter,
		originID: uuid.NewString(),
		log:      log.With().Str("component", "propagator").Logger(),
		now:      time.Now,
		guard:    newGuard(),
	}
}

// OriginID identifies messages published by this propagator.
func (p *Propagator) OriginID() string {
	return p.originID
}

// Bind attaches the propagator to a session. The next ApplyRemote uses the
// message's full snapshot rather than its delta.
func (p *Propagator) Bind(sessionID, userEmail string, snapshot json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.userEmail = userEmail
	p.snapshot = snapshot
	p.primed = false
}

// Unbind detaches from the current session. Later publishes are dropped.
func (p *Propagator) Unbind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = ""
	p.userEmail = ""
	p.snapshot = nil
	p.primed = false
}

// Suppressing reports whether a remote apply is in progress.
func (p *Propagator) Suppressing() bool {
	return p.guard.any()
}

// Snapshot returns the last known full diagram state.
func (p *Propagator) Snapshot() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Publish sends a locally committed, user-initiated mutation. It is a no-op
// while a remote apply is in progress for the bound session, or when no
// session is bound. The full snapshot always travels with the delta.
func (p *Propagator) Publish(delta, snapshot json.RawMessage) (bool, error) {
	p.mu.Lock()
	sessionID, userEmail := p.sessionID, p.userEmail
	p.mu.Unlock()

	if sessionID == "" {
		p.log.Debug().Msg("publish dropped: no session bound")
		return false, nil
	}
	if p.guard.active(sessionID) {
		p.log.Debug().Str("session", sessionID).Msg("publish suppressed during remote apply")
		return false, nil
	}

	msg := types.ChangeMessage{
		SessionID:   sessionID,
		UserEmail:   userEmail,
		Delta:       delta,
		DiagramData: snapshot,
		OriginID:    p.originID,
		MessageID:   uuid.NewString(),
		Timestamp:   p.now().UnixMilli(),
	}

	p.mu.Lock()
	if p.sessionID == sessionID && len(snapshot) > 0 {
		p.snapshot = snapshot
	}
	p.mu.Unlock()

	if err := p.emitter.Emit(types.EventDiagramChanges, msg); err != nil {
		return false, fmt.Errorf("publish change: %w", err)
	}
	return true, nil
}

// ApplyRemote applies an incoming change to the engine. Suppression is held
// for the whole apply and released on every exit path, including engine
// panics, which are recovered and returned as errors.
func (p *Propagator) ApplyRemote(msg *types.ChangeMessage) (applied bool, err error) {
	if msg == nil {
		return false, ErrEmptyChange
	}
	if msg.OriginID != "" && msg.OriginID == p.originID {
		p.log.Debug().Str("message", msg.MessageID).Msg("dropping self-originated echo")
		return false, nil
	}

	p.mu.Lock()
	sessionID, primed := p.sessionID, p.primed
	p.mu.Unlock()

	if sessionID == "" || (msg.SessionID != "" && msg.SessionID != sessionID) {
		p.log.Debug().Str("session", msg.SessionID).Msg("dropping change for inactive session")
		return false, nil
	}
	if len(msg.Delta) == 0 && len(msg.DiagramData) == 0 {
		return false, ErrEmptyChange
	}

	p.guard.enter(sessionID)
	defer p.guard.exit(sessionID)
	defer func() {
		if r := recover(); r != nil {
			applied = false
			err = fmt.Errorf("%w: %v", ErrApplyPanic, r)
		}
	}()

	if err := p.apply(msg, primed); err != nil {
		p.log.Warn().Err(err).Str("from", msg.UserEmail).Msg("remote change not applied")
		return false, err
	}

	p.mu.Lock()
	if p.sessionID == sessionID {
		p.primed = true
		if len(msg.DiagramData) > 0 {
			p.snapshot = msg.DiagramData
		}
	}
	p.mu.Unlock()
	return true, nil
}

// Bootstrap loads a snapshot into the engine under suppression, as done once
// after joining.
func (p *Propagator) Bootstrap(snapshot json.RawMessage) (err error) {
	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}

	p.guard.enter(sessionID)
	defer p.guard.exit(sessionID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrApplyPanic, r)
		}
	}()

	if err := p.engine.ApplySnapshot(snapshot); err != nil {
		return fmt.Errorf("apply bootstrap snapshot: %w", err)
	}
	p.mu.Lock()
	p.snapshot = snapshot
	p.mu.Unlock()
	return nil
}

func (p *Propagator) apply(msg *types.ChangeMessage, primed bool) error {
	if !primed && len(msg.DiagramData) > 0 {
		return p.engine.ApplySnapshot(msg.DiagramData)
	}
	if len(msg.Delta) == 0 {
		return p.engine.ApplySnapshot(msg.DiagramData)
	}

	deltaErr := p.engine.ApplyDelta(msg.Delta)
	if deltaErr == nil || len(msg.DiagramData) == 0 {
		return deltaErr
	}

	// The delta did not replay; the snapshot is authoritative for this message.
	if err := p.engine.ApplySnapshot(msg.DiagramData); err != nil {
		return errors.Join(deltaErr, err)
	}
	p.log.Debug().Err(deltaErr).Msg("delta rejected, resynchronized from snapshot")
	return nil
}
