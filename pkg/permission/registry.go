// Package permission mirrors each participant's capability triple on the
// client. The broker authorizes every change; this registry only records the
// outcome and answers queries.
package permission

import (
	"sync"

	"collabsync/pkg/types"
)

// Registry holds per-user permissions for one session.
type Registry struct {
	mu      sync.RWMutex
	creator string
	perms   map[string]types.Permissions
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{perms: make(map[string]types.Permissions)}
}

// DefaultPermissions returns the triple for participants without a grant.
func DefaultPermissions() types.Permissions {
	return types.DefaultPermissions()
}

// SetCreator records the session creator and grants creator rights.
func (r *Registry) SetCreator(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creator = email
	if email == "" {
		return
	}
	p, ok := r.perms[email]
	if !ok {
		p = types.CreatorPermissions()
	}
	p.CanManagePermissions = true
	r.perms[email] = p
}

// Creator returns the recorded creator email.
func (r *Registry) Creator() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creator
}

// Update replaces email's triple. Callers pass the complete triple.
// FUNCTIONAL DISCOVERY: The creator's management flag is pinned to true no
// matter what the update carries, including updates the creator sent itself.
func (r *Registry) Update(email string, perms types.Permissions) types.Permissions {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email == r.creator && r.creator != "" {
		perms.CanManagePermissions = true
	}
	r.perms[email] = perms
	return perms
}

// Ensure records defaults for email if nothing is known yet and returns the
// effective triple.
func (r *Registry) Ensure(email string) types.Permissions {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.perms[email]; ok {
		return p
	}
	p := types.DefaultPermissions()
	if email == r.creator && r.creator != "" {
		p = types.CreatorPermissions()
	}
	r.perms[email] = p
	return p
}

// Get returns the triple for email and whether it is known.
func (r *Registry) Get(email string) (types.Permissions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.perms[email]
	return p, ok
}

// Known reports whether email has a recorded triple.
func (r *Registry) Known(email string) bool {
	_, ok := r.Get(email)
	return ok
}

// CanPerform reports whether email holds the capability. Unknown users hold
// nothing.
func (r *Registry) CanPerform(email string, capability types.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if capability == types.CapabilityManagePermissions && email == r.creator && r.creator != "" {
		return true
	}
	p, ok := r.perms[email]
	if !ok {
		return false
	}
	return p.Allows(capability)
}

// Reset forgets every grant and the creator.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creator = ""
	r.perms = make(map[string]types.Permissions)
}
