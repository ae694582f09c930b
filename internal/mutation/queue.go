// ABOUTME: Single-flight FIFO queue for configuration mutations.
// ABOUTME: Starts the head only while connected, with no restart block and no running agents.

package mutation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/google/uuid"
)

// ErrQueueClosed is returned for mutations still queued when the queue closes.
var ErrQueueClosed = errors.New("mutation queue closed")

// Conditions are the external preconditions for starting a mutation.
type Conditions struct {
	Status             fleet.ConnectionStatus
	RestartBlockActive bool
	AgentsRunning      bool
}

// CanStart reports whether the head of a queue holding queued items may
// start given c and whether a mutation is already active.
func CanStart(c Conditions, queued int, active bool) bool {
	return c.Status == fleet.Connected &&
		queued > 0 &&
		!active &&
		!c.RestartBlockActive &&
		!c.AgentsRunning
}

// RunFunc performs one queued mutation.
type RunFunc func(ctx context.Context) error

type queuedMutation struct {
	id      string
	kind    Kind
	label   string
	ctx     context.Context
	run     RunFunc
	result  chan error
	settled chan struct{}
}

func (m *queuedMutation) settle(err error) {
	m.result <- err
	close(m.result)
	close(m.settled)
}

// Queue runs queued mutations one at a time.
type Queue struct {
	mu      sync.Mutex
	items   []*queuedMutation
	active  *queuedMutation
	cond    Conditions
	closed  bool
	onDepth func(int)
	logger  *slog.Logger
}

// NewQueue creates an empty queue. Pass nil logger for default.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cond:   Conditions{Status: fleet.Disconnected},
		logger: logger.With("component", "mutation_queue"),
	}
}

// OnDepthChange registers fn to receive the number of waiting mutations
// whenever it changes. fn runs with the queue locked and must not call back
// into the queue. Register before enqueuing.
func (q *Queue) OnDepthChange(fn func(int)) {
	q.onDepth = fn
}

// Enqueue appends a mutation and returns a channel that receives run's
// result once it settles. If ctx ends while the mutation is still waiting,
// it is dropped and settles with ctx.Err(); once started, run receives ctx.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, label string, run RunFunc) <-chan error {
	m := &queuedMutation{
		id:      uuid.New().String(),
		kind:    kind,
		label:   label,
		ctx:     ctx,
		run:     run,
		result:  make(chan error, 1),
		settled: make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		m.settle(ErrQueueClosed)
		return m.result
	}
	q.items = append(q.items, m)
	q.reportDepth()
	q.mu.Unlock()

	q.logger.Debug("mutation queued", "mutation_id", m.id, "kind", kind, "label", label)

	go func() {
		select {
		case <-ctx.Done():
			q.drop(m, ctx.Err())
		case <-m.settled:
		}
	}()

	q.schedule()
	return m.result
}

// SetStatus records the gateway connection status.
func (q *Queue) SetStatus(status fleet.ConnectionStatus) {
	q.update(func(c *Conditions) { c.Status = status })
}

// SetRestartBlockActive records whether a restart block is awaiting completion.
func (q *Queue) SetRestartBlockActive(active bool) {
	q.update(func(c *Conditions) { c.RestartBlockActive = active })
}

// SetAgentsRunning records whether any agent has a run in flight.
func (q *Queue) SetAgentsRunning(running bool) {
	q.update(func(c *Conditions) { c.AgentsRunning = running })
}

// Conditions returns the current preconditions.
func (q *Queue) Conditions() Conditions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cond
}

func (q *Queue) update(fn func(*Conditions)) {
	q.mu.Lock()
	fn(&q.cond)
	q.mu.Unlock()
	q.schedule()
}

// Len returns the number of mutations waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Busy reports whether a mutation is running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != nil
}

// Close rejects every waiting mutation with ErrQueueClosed. A running
// mutation is left to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	waiting := q.items
	q.items = nil
	q.reportDepth()
	q.mu.Unlock()

	for _, m := range waiting {
		m.settle(ErrQueueClosed)
	}
}

// schedule starts the head of the queue if the preconditions allow.
func (q *Queue) schedule() {
	q.mu.Lock()
	if q.closed || !CanStart(q.cond, len(q.items), q.active != nil) {
		q.mu.Unlock()
		return
	}
	m := q.items[0]
	q.items = q.items[1:]
	q.active = m
	q.reportDepth()
	q.mu.Unlock()

	q.logger.Debug("mutation started", "mutation_id", m.id, "kind", m.kind, "label", m.label)

	go func() {
		err := m.run(m.ctx)
		q.finish(m, err)
	}()
}

func (q *Queue) finish(m *queuedMutation, err error) {
	q.mu.Lock()
	q.active = nil
	q.mu.Unlock()

	if err != nil {
		q.logger.Debug("mutation failed", "mutation_id", m.id, "kind", m.kind, "error", err)
	} else {
		q.logger.Debug("mutation settled", "mutation_id", m.id, "kind", m.kind)
	}
	m.settle(err)
	q.schedule()
}

// drop removes m if it is still waiting.
func (q *Queue) drop(m *queuedMutation, err error) {
	q.mu.Lock()
	idx := -1
	for i, item := range q.items {
		if item == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.reportDepth()
	q.mu.Unlock()

	q.logger.Debug("mutation dropped before start", "mutation_id", m.id, "kind", m.kind)
	m.settle(err)
}

// reportDepth must be called with q.mu held.
func (q *Queue) reportDepth() {
	if q.onDepth != nil {
		q.onDepth(len(q.items))
	}
}
