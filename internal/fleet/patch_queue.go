// ABOUTME: Per-agent coalescing queue for live streaming patches.
// ABOUTME: Merges bursts with MergePatch and drains them as UpdateAgent actions in arrival order.

package fleet

import (
	"strings"
	"sync"
)

// PatchQueue coalesces patches per agent until they are drained.
type PatchQueue struct {
	mu      sync.Mutex
	pending map[string]Patch
	order   []string
}

// NewPatchQueue creates an empty queue.
func NewPatchQueue() *PatchQueue {
	return &PatchQueue{
		pending: make(map[string]Patch),
	}
}

// Enqueue merges p into the pending patch for agentID.
func (q *PatchQueue) Enqueue(agentID string, p Patch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, ok := q.pending[agentID]
	if !ok {
		q.pending[agentID] = MergePatch(nil, p)
		q.order = append(q.order, agentID)
		return
	}
	q.pending[agentID] = MergePatch(&existing, p)
}

// Discard drops the pending patch for agentID, if any.
func (q *PatchQueue) Discard(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[agentID]; ok {
		q.removeLocked(agentID)
	}
}

// DiscardRun drops agentID's pending patch unless it belongs to a run other
// than runID.
func (q *PatchQueue) DiscardRun(agentID, runID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[agentID]
	if !ok {
		return
	}
	if pending := normalizedRunID(p); pending != "" && pending != strings.TrimSpace(runID) {
		return
	}
	q.removeLocked(agentID)
}

func (q *PatchQueue) removeLocked(agentID string) {
	delete(q.pending, agentID)
	for i, id := range q.order {
		if id == agentID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Drain returns every pending patch as an UpdateAgent action and empties the queue.
func (q *PatchQueue) Drain() []UpdateAgent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	out := make([]UpdateAgent, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, UpdateAgent{AgentID: id, Patch: q.pending[id]})
	}
	q.pending = make(map[string]Patch)
	q.order = nil
	return out
}

// Len returns the number of agents with a pending patch.
func (q *PatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
