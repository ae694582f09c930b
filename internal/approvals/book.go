// ABOUTME: Book holds outstanding approvals, scoped to agents or held unscoped.
// ABOUTME: Supports claim-by-session-key, resolve progress marking, and expiry pruning.

package approvals

import (
	"sort"
	"sync"

	"github.com/2389/coven-console/internal/fleet"
)

// Observer receives the number of outstanding approvals.
type Observer interface {
	ObservePendingApprovals(n int)
}

// Book is the set of outstanding approvals keyed by id.
type Book struct {
	mu        sync.RWMutex
	approvals map[string]Approval
	observer  Observer
}

// NewBook creates an empty book. observer may be nil.
func NewBook(observer Observer) *Book {
	return &Book{
		approvals: make(map[string]Approval),
		observer:  observer,
	}
}

// Upsert stores a, replacing any approval with the same id.
func (b *Book) Upsert(a Approval) {
	b.mu.Lock()
	b.approvals[a.ID] = a
	n := len(b.approvals)
	b.mu.Unlock()
	b.report(n)
}

// Remove deletes the approval with id and reports whether it existed.
func (b *Book) Remove(id string) bool {
	b.mu.Lock()
	_, ok := b.approvals[id]
	delete(b.approvals, id)
	n := len(b.approvals)
	b.mu.Unlock()

	if ok {
		b.report(n)
	}
	return ok
}

// Get returns the approval with id.
func (b *Book) Get(id string) (Approval, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.approvals[id]
	return a, ok
}

// ForAgent returns the approvals attached to agentID, oldest first.
func (b *Book) ForAgent(agentID string) []Approval {
	return b.filter(func(a Approval) bool { return a.AgentID == agentID })
}

// Unscoped returns approvals no agent has claimed, oldest first.
func (b *Book) Unscoped() []Approval {
	return b.filter(func(a Approval) bool { return a.AgentID == "" })
}

// All returns every approval, oldest first.
func (b *Book) All() []Approval {
	return b.filter(func(Approval) bool { return true })
}

// Claim attaches unscoped approvals to agents whose session key now matches.
// It returns the approvals that were claimed.
func (b *Book) Claim(agents []fleet.AgentRecord) []Approval {
	b.mu.Lock()
	defer b.mu.Unlock()

	var claimed []Approval
	for id, a := range b.approvals {
		if a.AgentID != "" {
			continue
		}
		agent, ok := fleet.FindBySessionKey(agents, a.SessionKey)
		if !ok {
			continue
		}
		a.AgentID = agent.AgentID
		b.approvals[id] = a
		claimed = append(claimed, a)
	}
	sortApprovals(claimed)
	return claimed
}

// SetResolving records resolve progress on an approval. errMsg is cleared
// when a new attempt starts.
func (b *Book) SetResolving(id string, resolving bool, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, ok := b.approvals[id]
	if !ok {
		return
	}
	a.Resolving = resolving
	a.Error = errMsg
	b.approvals[id] = a
}

// PruneExpired removes approvals past expiry that are not mid-resolve and
// returns them.
func (b *Book) PruneExpired(nowMs int64) []Approval {
	b.mu.Lock()
	var pruned []Approval
	for id, a := range b.approvals {
		if a.Expired(nowMs) && !a.Resolving {
			pruned = append(pruned, a)
			delete(b.approvals, id)
		}
	}
	n := len(b.approvals)
	b.mu.Unlock()

	if len(pruned) > 0 {
		b.report(n)
	}
	sortApprovals(pruned)
	return pruned
}

// Len returns the number of outstanding approvals.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.approvals)
}

func (b *Book) filter(keep func(Approval) bool) []Approval {
	b.mu.RLock()
	var out []Approval
	for _, a := range b.approvals {
		if keep(a) {
			out = append(out, a)
		}
	}
	b.mu.RUnlock()

	sortApprovals(out)
	return out
}

func (b *Book) report(n int) {
	if b.observer != nil {
		b.observer.ObservePendingApprovals(n)
	}
}

func sortApprovals(list []Approval) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAtMs != list[j].CreatedAtMs {
			return list[i].CreatedAtMs < list[j].CreatedAtMs
		}
		return list[i].ID < list[j].ID
	})
}
