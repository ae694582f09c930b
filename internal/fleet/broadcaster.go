// ABOUTME: In-memory fan-out of agent record changes to UI subscribers.
// ABOUTME: Subscribers watch one agent id or AllAgents; slow subscribers drop updates instead of blocking.

package fleet

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllAgents subscribes to changes for every agent.
	AllAgents = "*"
)

// Broadcaster publishes AgentRecord snapshots to subscribers keyed by agent id.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan AgentRecord // agentID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan AgentRecord),
		logger:      logger.With("component", "fleet_broadcaster"),
	}
}

// Subscribe registers for changes to agentID (or AllAgents). The
// subscription is removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan AgentRecord, string) {
	subID := uuid.New().String()
	ch := make(chan AgentRecord, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan AgentRecord)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish sends rec to subscribers of rec.AgentID and of AllAgents.
// Non-blocking: a subscriber whose buffer is full misses the update.
func (b *Broadcaster) Publish(rec AgentRecord) {
	// Held across sends: Unsubscribe must not close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{rec.AgentID, AllAgents} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- rec:
			default:
				b.logger.Debug("dropped update for slow subscriber", "agent_id", rec.AgentID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
}
