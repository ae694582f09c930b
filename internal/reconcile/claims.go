// ABOUTME: Non-blocking claim set keyed by runId.
// ABOUTME: Claim either succeeds immediately or the caller skips the run.

package reconcile

import "sync"

// ClaimSet tracks runs with an outstanding status probe.
type ClaimSet struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewClaimSet creates an empty claim set.
func NewClaimSet() *ClaimSet {
	return &ClaimSet{claimed: make(map[string]struct{})}
}

// Claim marks runID as being probed. It returns false if already claimed.
func (c *ClaimSet) Claim(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.claimed[runID]; ok {
		return false
	}
	c.claimed[runID] = struct{}{}
	return true
}

// Release frees runID.
func (c *ClaimSet) Release(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, runID)
}

// Len returns the number of claimed runs.
func (c *ClaimSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claimed)
}
