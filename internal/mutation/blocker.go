// ABOUTME: Blocker owns the single active mutation block and its restart tickets.
// ABOUTME: Every phase change invalidates outstanding tickets so stale finalizes are dropped.

package mutation

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/guard"
)

// ErrBlockActive is returned when a mutation is requested while another is in progress.
var ErrBlockActive = errors.New("another agent mutation is in progress")

// ErrSuperseded is returned when a mutation settles after its block was cleared.
var ErrSuperseded = errors.New("agent mutation settled after its block was cleared")

// Blocker holds at most one Block.
type Blocker struct {
	mu         sync.Mutex
	block      *Block
	nextID     uint64
	status     fleet.ConnectionStatus
	timedOut   bool
	finalizing bool
	gen        guard.Generation
	maxWait    time.Duration
	now        func() time.Time

	// onRestartGate runs with mu held whenever the restart gate opens or closes.
	onRestartGate func(active bool)
}

// NewBlocker creates a Blocker whose blocks time out after maxWait.
func NewBlocker(maxWait time.Duration) *Blocker {
	return &Blocker{
		status:  fleet.Disconnected,
		maxWait: maxWait,
		now:     time.Now,
	}
}

// OnRestartGate registers fn to learn when an awaiting-restart block starts
// or stops gating the queue. fn runs with the Blocker locked and must not call
// back into it. Register before the first Begin.
func (b *Blocker) OnRestartGate(fn func(active bool)) {
	b.onRestartGate = fn
}

// Begin installs a queued block and returns it. It fails with ErrBlockActive
// if one exists.
func (b *Blocker) Begin(kind Kind, agentID, agentName string) (Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block != nil {
		return Block{}, ErrBlockActive
	}
	b.nextID++
	b.block = &Block{
		ID:        b.nextID,
		Kind:      kind,
		AgentID:   agentID,
		AgentName: agentName,
		Phase:     PhaseQueued,
		StartedAt: b.now(),
	}
	b.timedOut = false
	b.finalizing = false
	b.gen.Invalidate()
	return *b.block, nil
}

// Advance moves the active block to phase. Entering mutating restarts the
// timeout clock.
func (b *Blocker) Advance(phase Phase) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block != nil {
		b.advanceLocked(phase)
	}
}

// AdvanceOwned is Advance for block id only. It reports false, changing
// nothing, once id is no longer the active block.
func (b *Blocker) AdvanceOwned(id uint64, phase Phase) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block == nil || b.block.ID != id {
		return false
	}
	b.advanceLocked(phase)
	return true
}

func (b *Blocker) advanceLocked(phase Phase) {
	if b.block.Phase == phase {
		return
	}
	b.block.Phase = phase
	if phase == PhaseMutating {
		b.block.StartedAt = b.now()
		b.timedOut = false
	}
	b.finalizing = false
	b.gen.Invalidate()
	if phase == PhaseAwaitingRestart && b.onRestartGate != nil {
		b.onRestartGate(true)
	}
}

// Owns reports whether id is the active block.
func (b *Blocker) Owns(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block != nil && b.block.ID == id
}

// Clear removes the active block, if any, and invalidates outstanding tickets.
func (b *Blocker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

// Release clears block id. It reports false if id is no longer the active
// block, leaving any newer block in place.
func (b *Blocker) Release(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block == nil || b.block.ID != id {
		return false
	}
	b.clearLocked()
	return true
}

// ClearIfCurrent clears the block only if t is still current.
func (b *Blocker) ClearIfCurrent(t guard.Ticket) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !t.Current() {
		return false
	}
	b.clearLocked()
	return true
}

func (b *Blocker) clearLocked() {
	gated := b.block != nil && b.block.Phase == PhaseAwaitingRestart
	b.block = nil
	b.timedOut = false
	b.finalizing = false
	b.gen.Invalidate()
	if gated && b.onRestartGate != nil {
		b.onRestartGate(false)
	}
}

// Active returns a copy of the active block.
func (b *Blocker) Active() (Block, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block == nil {
		return Block{}, false
	}
	return *b.block, true
}

// Status returns the last observed connection status.
func (b *Blocker) Status() fleet.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Observe records a connection status. Disconnects are tracked while the
// block is mutating or awaiting restart. When an awaiting-restart block sees
// its restart complete, Observe returns a ticket for finalizing it; a later
// non-connected status revokes that ticket.
func (b *Blocker) Observe(status fleet.ConnectionStatus) (RestartObservation, guard.Ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.status = status
	if b.block == nil || b.block.Phase == PhaseQueued {
		return RestartObservation{}, guard.Ticket{}, false
	}

	obs := ObserveRestart(b.block.SawDisconnect, status)
	b.block.SawDisconnect = obs.SawDisconnect

	if status != fleet.Connected && b.finalizing {
		b.finalizing = false
		b.gen.Invalidate()
	}
	if b.block.Phase != PhaseAwaitingRestart || !obs.RestartComplete || b.finalizing {
		return obs, guard.Ticket{}, false
	}
	b.finalizing = true
	return obs, b.gen.Begin(), true
}

// CheckTimeout returns the block's timeout signal the first time the block
// has been active for maxWait. It does not clear the block.
func (b *Blocker) CheckTimeout() (Block, Signal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.block == nil || b.timedOut {
		return Block{}, "", false
	}
	sig, ok := CheckTimeout(*b.block, b.now(), b.maxWait)
	if !ok {
		return Block{}, "", false
	}
	b.timedOut = true
	return *b.block, sig, true
}
