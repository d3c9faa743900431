package websocket

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Registry tracks upgraded connections and the session rooms they joined.
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and connection operations
type Registry struct {
	mu          sync.RWMutex                      // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy broadcast lookups
	connections map[string]*Connection            // connection ID -> Connection
	rooms       map[string]map[string]*Connection // sessionID -> email -> Connection
	log         zerolog.Logger
}

// NewRegistry creates a new connection registry
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		log:         log.With().Str("component", "registry").Logger(),
	}
}

// Add tracks a freshly upgraded connection.
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID()] = conn
	return nil
}

// Join places a bound connection in its session room.
// FUNCTIONAL DISCOVERY: A second connection for the same identity replaces the
// first; the old one is closed asynchronously to avoid deadlock.
func (r *Registry) Join(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsBound() {
		return ErrConnectionUnbound
	}
	sessionID, email := conn.GetSessionID(), conn.GetUserEmail()

	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[sessionID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[sessionID] = room
	}
	if existing, ok := room[email]; ok && existing != conn {
		r.log.Info().Str("session", sessionID).Str("user", email).Msg("replacing existing connection")
		go func() {
			if err := existing.Close(); err != nil {
				r.log.Debug().Err(err).Msg("close replaced connection")
			}
		}()
	}
	room[email] = conn
	return nil
}

// Leave removes the connection from its room. It reports false when the
// connection was not the room's current member for its identity.
// RACE CONDITION FIX: A replaced connection never evicts its replacement.
func (r *Registry) Leave(conn *Connection) bool {
	if conn == nil {
		return false
	}
	sessionID, email := conn.GetSessionID(), conn.GetUserEmail()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(conn, sessionID, email)
}

func (r *Registry) leaveLocked(conn *Connection, sessionID, email string) bool {
	room, ok := r.rooms[sessionID]
	if !ok || room[email] != conn {
		return false
	}
	delete(room, email)
	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if len(room) == 0 {
		delete(r.rooms, sessionID)
	}
	return true
}

// Remove forgets a closed connection. It reports whether the connection was
// still a room member, in which case the caller announces the departure.
func (r *Registry) Remove(conn *Connection) bool {
	if conn == nil {
		return false
	}
	sessionID, email := conn.GetSessionID(), conn.GetUserEmail()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[conn.ID()] == conn {
		delete(r.connections, conn.ID())
	}
	return r.leaveLocked(conn, sessionID, email)
}

// Get returns a tracked connection by ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// Members returns the room's connections ordered by identity.
func (r *Registry) Members(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[sessionID]
	emails := lo.Keys(room)
	slices.Sort(emails)
	return lo.Map(emails, func(e string, _ int) *Connection { return room[e] })
}

// ActiveUsers returns the sorted identities present in a room.
func (r *Registry) ActiveUsers(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	emails := lo.Keys(r.rooms[sessionID])
	slices.Sort(emails)
	return emails
}

// IsActive reports whether email has a connection in the room.
func (r *Registry) IsActive(sessionID, email string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[sessionID][email]
	return ok
}

// CloseRoom empties a room and returns its former members, still bound.
func (r *Registry) CloseRoom(sessionID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[sessionID]
	delete(r.rooms, sessionID)
	return lo.Values(room)
}

// CloseAll closes every tracked connection and forgets all rooms.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	conns := lo.Values(r.connections)
	r.connections = make(map[string]*Connection)
	r.rooms = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// GetStats returns registry statistics for the health endpoint.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := lo.SumBy(lo.Values(r.rooms), func(room map[string]*Connection) int { return len(room) })
	return map[string]int{
		"total_connections": len(r.connections),
		"active_sessions":   len(r.rooms),
		"room_members":      members,
	}
}
