package propagator

import "sync"

// guard is a reentrant suppression counter keyed by session. While the depth
// for a session is non-zero, local publishes to that session are dropped.
type guard struct {
	mu     sync.Mutex
	depths map[string]int
}

func newGuard() *guard {
	return &guard{depths: make(map[string]int)}
}

func (g *guard) enter(sessionID string) {
	g.mu.Lock()
	g.depths[sessionID]++
	g.mu.Unlock()
}

func (g *guard) exit(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depths[sessionID] <= 1 {
		delete(g.depths, sessionID)
		return
	}
	g.depths[sessionID]--
}

func (g *guard) active(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depths[sessionID] > 0
}

func (g *guard) any() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.depths) > 0
}
