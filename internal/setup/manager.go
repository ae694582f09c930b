// ABOUTME: Manager runs guided creation and retries pending setups.
// ABOUTME: Pending setups are cached in memory and written through to the store.

package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/coven-console/internal/guard"
	"github.com/2389/coven-console/internal/store"
)

// Options configures a Manager.
type Options struct {
	// Scope identifies the gateway; pending setups are stored per scope.
	Scope string
	// Local gateways apply setup in-process.
	Local bool
	// IsDisconnect classifies transient failures.
	IsDisconnect func(error) bool
	Logger       *slog.Logger
}

// RetryConditions gate automatic retries.
type RetryConditions struct {
	Connected         bool
	FleetLoaded       bool
	LoadedScope       string
	CreateBlockActive bool
}

// Manager owns pending setups for one gateway.
type Manager struct {
	gw           Gateway
	store        store.Store
	scope        string
	local        bool
	isDisconnect func(error) bool
	logger       *slog.Logger

	mu        sync.Mutex
	pending   map[string]Pending
	order     []string
	busy      map[string]bool
	attempted map[string]bool
	gens      map[string]*guard.Generation
}

// NewManager creates a Manager. st may be nil to keep pending setups in memory only.
func NewManager(gw Gateway, st store.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isDisconnect := opts.IsDisconnect
	if isDisconnect == nil {
		isDisconnect = func(error) bool { return false }
	}
	return &Manager{
		gw:           gw,
		store:        st,
		scope:        opts.Scope,
		local:        opts.Local,
		isDisconnect: isDisconnect,
		logger:       logger.With("component", "setup"),
		pending:      make(map[string]Pending),
		busy:         make(map[string]bool),
		attempted:    make(map[string]bool),
		gens:         make(map[string]*guard.Generation),
	}
}

// Load reads persisted pending setups for this scope.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rows, err := m.store.ListPendingSetups(ctx, m.scope)
	if err != nil {
		return fmt.Errorf("loading pending setups: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		var s Setup
		if err := json.Unmarshal(row.Setup, &s); err != nil {
			m.logger.Warn("skipping unreadable pending setup", "agent_id", row.AgentID, "error", err)
			continue
		}
		m.putLocked(Pending{
			AgentID:   row.AgentID,
			AgentName: row.AgentName,
			Setup:     s,
			Attempts:  row.Attempts,
			LastError: row.LastError,
		})
	}
	return nil
}

// Create creates an agent named name and applies s to it. A setup failure
// does not fail the creation: the agent id is returned with SetupStatus
// pending and the setup is kept for retry.
func (m *Manager) Create(ctx context.Context, name string, s Setup) (Result, error) {
	agentID, err := m.gw.CreateAgent(ctx, name)
	if err != nil {
		return Result{}, fmt.Errorf("creating agent %q: %w", name, err)
	}
	p := Pending{AgentID: agentID, AgentName: name, Setup: s}

	if !m.local {
		// Recorded before applying: the entry must outlive any failure below.
		m.record(ctx, p)
	}

	if err := m.gw.ApplySetup(ctx, agentID, s); err != nil {
		if m.local {
			m.record(ctx, p)
		}
		m.noteAttempt(ctx, agentID, err)
		m.logger.Warn("guided setup pending", "agent_id", agentID, "error", err)
		return Result{
			AgentID:           agentID,
			SetupStatus:       StatusPending,
			SetupErrorMessage: err.Error(),
		}, nil
	}

	if !m.local {
		m.remove(ctx, agentID)
	}
	m.logger.Info("agent created", "agent_id", agentID, "name", name)
	return Result{AgentID: agentID, SetupStatus: StatusApplied}, nil
}

// AutoRetry retries pending setups that have not been tried this session.
// Disconnect-like failures stay eligible and are not reported.
func (m *Manager) AutoRetry(ctx context.Context, cond RetryConditions) []Notice {
	if !cond.Connected || !cond.FleetLoaded || cond.LoadedScope != m.scope || cond.CreateBlockActive {
		return nil
	}

	var notices []Notice
	for _, p := range m.claimAuto() {
		err := m.apply(ctx, p)
		if err == nil {
			continue
		}
		if m.isDisconnect(err) {
			m.mu.Lock()
			delete(m.attempted, p.AgentID)
			m.mu.Unlock()
			m.logger.Debug("pending setup retry deferred", "agent_id", p.AgentID, "error", err)
			continue
		}
		notices = append(notices, Notice{
			AgentID: p.AgentID,
			Message: fmt.Sprintf("Setup for %s is still pending: %v", displayName(p), err),
		})
	}
	return notices
}

// claimAuto marks every eligible pending setup as attempted and busy.
func (m *Manager) claimAuto() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pending
	for _, id := range m.order {
		if m.busy[id] || m.attempted[id] {
			continue
		}
		m.attempted[id] = true
		m.busy[id] = true
		out = append(out, m.pending[id])
	}
	return out
}

// Retry applies agentID's pending setup now, regardless of earlier attempts.
func (m *Manager) Retry(ctx context.Context, agentID string) (RetryResult, error) {
	m.mu.Lock()
	p, ok := m.pending[agentID]
	if !ok {
		m.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%s: %w", agentID, ErrNoPendingSetup)
	}
	if m.busy[agentID] {
		m.mu.Unlock()
		return RetryResult{}, fmt.Errorf("%s: %w", displayName(p), ErrRetryBusy)
	}
	m.busy[agentID] = true
	m.attempted[agentID] = true
	m.mu.Unlock()

	if err := m.apply(ctx, p); err != nil {
		return RetryResult{}, fmt.Errorf("retrying setup for %s: %w", displayName(p), err)
	}
	return RetryResult{Applied: true}, nil
}

// apply runs one attempt for p. p must be marked busy; apply clears it.
func (m *Manager) apply(ctx context.Context, p Pending) error {
	ticket := m.generation(p.AgentID).Begin()
	defer func() {
		m.mu.Lock()
		delete(m.busy, p.AgentID)
		m.mu.Unlock()
	}()

	err := m.gw.ApplySetup(ctx, p.AgentID, p.Setup)
	if !ticket.Current() {
		m.logger.Debug("dropping stale setup result", "agent_id", p.AgentID)
		return err
	}
	if err != nil {
		m.noteAttempt(ctx, p.AgentID, err)
		return err
	}
	m.remove(ctx, p.AgentID)
	m.logger.Info("pending setup applied", "agent_id", p.AgentID)
	return nil
}

// Discard forgets agentID's pending setup, e.g. after the agent is deleted.
// An attempt in flight will not record its result.
func (m *Manager) Discard(ctx context.Context, agentID string) {
	m.generation(agentID).Invalidate()
	m.remove(ctx, agentID)
}

// Has reports whether agentID has a pending setup.
func (m *Manager) Has(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[agentID]
	return ok
}

// Get returns agentID's pending setup.
func (m *Manager) Get(agentID string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[agentID]
	return p, ok
}

// List returns pending setups in the order they were recorded.
func (m *Manager) List() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Pending, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.pending[id])
	}
	return out
}

func (m *Manager) generation(agentID string) *guard.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gens[agentID]
	if !ok {
		g = &guard.Generation{}
		m.gens[agentID] = g
	}
	return g
}

func (m *Manager) putLocked(p Pending) {
	if _, exists := m.pending[p.AgentID]; !exists {
		m.order = append(m.order, p.AgentID)
	}
	m.pending[p.AgentID] = p
}

// record stores p in memory and, best effort, in the store.
func (m *Manager) record(ctx context.Context, p Pending) {
	m.mu.Lock()
	m.putLocked(p)
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	raw, err := json.Marshal(p.Setup)
	if err != nil {
		m.logger.Warn("encoding pending setup", "agent_id", p.AgentID, "error", err)
		return
	}
	if err := m.store.SavePendingSetup(ctx, &store.PendingSetup{
		Scope:     m.scope,
		AgentID:   p.AgentID,
		AgentName: p.AgentName,
		Setup:     raw,
		Attempts:  p.Attempts,
		LastError: p.LastError,
	}); err != nil {
		m.logger.Warn("persisting pending setup", "agent_id", p.AgentID, "error", err)
	}
}

func (m *Manager) noteAttempt(ctx context.Context, agentID string, cause error) {
	m.mu.Lock()
	p, ok := m.pending[agentID]
	if ok {
		p.Attempts++
		p.LastError = cause.Error()
		m.pending[agentID] = p
	}
	m.mu.Unlock()

	if !ok || m.store == nil {
		return
	}
	if err := m.store.RecordSetupAttempt(ctx, m.scope, agentID, cause.Error()); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("recording setup attempt", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) remove(ctx context.Context, agentID string) {
	m.mu.Lock()
	_, ok := m.pending[agentID]
	delete(m.pending, agentID)
	delete(m.attempted, agentID)
	for i, id := range m.order {
		if id == agentID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if !ok || m.store == nil {
		return
	}
	if err := m.store.DeletePendingSetup(ctx, m.scope, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("deleting pending setup", "agent_id", agentID, "error", err)
	}
}

func displayName(p Pending) string {
	if name := strings.TrimSpace(p.AgentName); name != "" {
		return name
	}
	return p.AgentID
}
