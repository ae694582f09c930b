// ABOUTME: Generation counter and tickets that tell an async result whether it is still current.
// ABOUTME: Used by restart finalization, run reconciliation, and setup retries to drop stale outcomes.

package guard

import "sync"

// Generation hands out tickets. Each Begin or Invalidate advances the
// generation, making every previously issued ticket stale.
type Generation struct {
	mu    sync.Mutex
	value uint64
}

// Begin advances the generation and returns a ticket for the new value.
func (g *Generation) Begin() Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.value++
	return Ticket{gen: g, value: g.value}
}

// Invalidate advances the generation without issuing a ticket.
func (g *Generation) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value++
}

// Ticket identifies one generation of a Generation.
type Ticket struct {
	gen   *Generation
	value uint64
}

// Current reports whether no Begin or Invalidate happened since the ticket was issued.
// The zero Ticket is never current.
func (t Ticket) Current() bool {
	if t.gen == nil {
		return false
	}
	t.gen.mu.Lock()
	defer t.gen.mu.Unlock()
	return t.gen.value == t.value
}

// Apply runs fn if the ticket is current and reports whether it ran.
// The generation cannot advance while fn runs, so fn must not call
// Begin or Invalidate on the same Generation.
func (t Ticket) Apply(fn func()) bool {
	if t.gen == nil {
		return false
	}
	t.gen.mu.Lock()
	defer t.gen.mu.Unlock()

	if t.gen.value != t.value {
		return false
	}
	fn()
	return true
}
