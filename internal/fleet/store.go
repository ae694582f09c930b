// ABOUTME: Store owns the current fleet State and serializes Dispatch through Reduce.
// ABOUTME: Changed agent records are published to the Broadcaster after every dispatch.

package fleet

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
)

// Store holds the current State. Dispatch is the only way to change it.
type Store struct {
	mu          sync.RWMutex
	state       State
	broadcaster *Broadcaster
	onChange    []func(State)
	logger      *slog.Logger
}

// NewStore creates a store with an empty, not-yet-loaded state.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state:       State{Focus: PaneFleet},
		broadcaster: NewBroadcaster(logger),
		logger:      logger.With("component", "fleet_store"),
	}
}

// OnChange registers fn to run after every dispatch that changes the state.
// Register hooks before the store is shared between goroutines.
func (s *Store) OnChange(fn func(State)) {
	s.onChange = append(s.onChange, fn)
}

// Dispatch reduces a into the current state and returns the new state.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, a)
	s.state = next
	s.mu.Unlock()

	changed := changedAgents(prev, next)
	for _, rec := range changed {
		s.broadcaster.Publish(rec)
	}
	if len(changed) > 0 || prev.SelectedAgentID != next.SelectedAgentID || prev.Focus != next.Focus || prev.Loaded != next.Loaded {
		for _, fn := range s.onChange {
			fn(next)
		}
	}
	return next
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Agent returns the freshest record for agentID.
func (s *Store) Agent(agentID string) (AgentRecord, bool) {
	return s.Snapshot().Agent(agentID)
}

// Subscribe streams record changes for agentID, or AllAgents.
func (s *Store) Subscribe(ctx context.Context, agentID string) <-chan AgentRecord {
	ch, _ := s.broadcaster.Subscribe(ctx, agentID)
	return ch
}

// Close closes every subscription.
func (s *Store) Close() {
	s.broadcaster.Close()
}

func changedAgents(prev, next State) []AgentRecord {
	var out []AgentRecord
	for _, rec := range next.Agents {
		old, ok := prev.Agent(rec.AgentID)
		if ok && reflect.DeepEqual(old, rec) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
