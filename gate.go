package main

import "sync"

// Gate serializes admission of source connections. At most one source holds
// the gate at any time; concurrent acquisition attempts see exactly one
// winner.
type Gate struct {
	mu     sync.Mutex
	active bool
}

// TryAcquire marks the gate active and returns true iff no source currently
// holds it.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return false
	}
	g.active = true
	return true
}

// Release clears the active flag so the next source can be admitted.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
}

// Active reports whether a source session currently holds the gate.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
