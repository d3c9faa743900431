// Package presence maintains the active/inactive roster of a session.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"collabsync/pkg/permission"
	"collabsync/pkg/types"
)

type entry struct {
	email        string
	active       bool
	lastActivity time.Time
}

// Tracker records who is, or was, in the session. Permission triples live in
// the shared permission.Registry so the roster and capability checks never
// disagree.
type Tracker struct {
	mu       sync.RWMutex
	roster   map[string]*entry
	registry *permission.Registry
	now      func() time.Time
}

// NewTracker creates a tracker backed by registry.
func NewTracker(registry *permission.Registry) *Tracker {
	return &Tracker{
		roster:   make(map[string]*entry),
		registry: registry,
		now:      time.Now,
	}
}

// OnUserJoined applies a USER_JOINED event. The roster's active set becomes
// activeEmails. The joiner receives perms (nil keeps what is known, or the
// defaults). Other users keep any permissions already known and unknown ones
// get the defaults. Users missing from activeEmails stay on the roster,
// inactive.
func (t *Tracker) OnUserJoined(activeEmails []string, joiner string, perms *types.Permissions) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	active := lo.Uniq(activeEmails)
	if joiner != "" && !lo.Contains(active, joiner) {
		active = append(active, joiner)
	}

	for _, e := range t.roster {
		e.active = false
	}
	for _, email := range active {
		e, ok := t.roster[email]
		if !ok {
			e = &entry{email: email}
			t.roster[email] = e
		}
		e.active = true
		e.lastActivity = now

		if email == joiner && perms != nil {
			t.registry.Update(email, *perms)
			continue
		}
		t.registry.Ensure(email)
	}
}

// OnUserLeft marks email inactive. The record and its permissions are kept.
func (t *Tracker) OnUserLeft(email string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.roster[email]; ok {
		e.active = false
	}
}

// OnPermissionsChanged replaces email's triple. A nil triple resets to the
// defaults.
func (t *Tracker) OnPermissionsChanged(email string, perms *types.Permissions) types.Permissions {
	p := types.DefaultPermissions()
	if perms != nil {
		p = *perms
	}

	t.mu.Lock()
	if e, ok := t.roster[email]; ok {
		e.lastActivity = t.now()
	}
	t.mu.Unlock()

	return t.registry.Update(email, p)
}

// Seed loads a full participant list, as returned by a join ack.
func (t *Tracker) Seed(participants []types.Participant) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range participants {
		t.roster[p.Email] = &entry{email: p.Email, active: p.IsActive, lastActivity: p.LastActivity}
		t.registry.Update(p.Email, p.Permissions)
	}
}

// Get returns the participant record for email.
func (t *Tracker) Get(email string) (types.Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.roster[email]
	if !ok {
		return types.Participant{}, false
	}
	return t.participant(e), true
}

// Roster returns every known participant sorted by email.
func (t *Tracker) Roster() []types.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Participant, 0, len(t.roster))
	for _, e := range t.roster {
		out = append(out, t.participant(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// Active returns the emails of active participants, sorted.
func (t *Tracker) Active() []string {
	return lo.FilterMap(t.Roster(), func(p types.Participant, _ int) (string, bool) {
		return p.Email, p.IsActive
	})
}

// Reset clears the roster.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roster = make(map[string]*entry)
}

func (t *Tracker) participant(e *entry) types.Participant {
	perms, ok := t.registry.Get(e.email)
	if !ok {
		perms = types.DefaultPermissions()
	}
	creator := t.registry.Creator()
	return types.Participant{
		Email:        e.email,
		IsActive:     e.active,
		Permissions:  perms,
		LastActivity: e.lastActivity,
		IsCreator:    creator != "" && e.email == creator,
	}
}
