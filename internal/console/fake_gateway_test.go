// ABOUTME: In-memory Gateway used by the runtime tests.
// ABOUTME: Records every call and lets tests script results and errors.

package console

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/setup"
)

type fakeGateway struct {
	statuses chan fleet.ConnectionStatus
	events   chan gatewayclient.Event
	gaps     chan gatewayclient.Gap

	mu        sync.Mutex
	status    fleet.ConnectionStatus
	agents    []fleet.Seed
	defaultID string

	listCalls  int
	createID   string
	createErr  error
	applyErr   error
	applyCalls int
	renames    map[string]string
	deletes    []string
	renameErr  error

	waitStatus map[string]string
	waitCalls  []string

	resolveErr error
	resolved   []string

	sends   []gatewayclient.ChatSend
	sendErr error

	history   map[string][]gatewayclient.ChatMessage
	onHistory func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		statuses:   make(chan fleet.ConnectionStatus, 16),
		events:     make(chan gatewayclient.Event, 16),
		gaps:       make(chan gatewayclient.Gap, 1),
		status:     fleet.Connected,
		renames:    make(map[string]string),
		waitStatus: make(map[string]string),
		history:    make(map[string][]gatewayclient.ChatMessage),
	}
}

func (f *fakeGateway) Status() fleet.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeGateway) Statuses() <-chan fleet.ConnectionStatus { return f.statuses }
func (f *fakeGateway) Events() <-chan gatewayclient.Event       { return f.events }
func (f *fakeGateway) Gaps() <-chan gatewayclient.Gap           { return f.gaps }

func (f *fakeGateway) ListAgents(context.Context) (gatewayclient.AgentList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return gatewayclient.AgentList{Agents: append([]fleet.Seed(nil), f.agents...), DefaultID: f.defaultID}, nil
}

func (f *fakeGateway) CreateAgent(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.agents = append(f.agents, fleet.Seed{AgentID: f.createID, Name: name, SessionKey: "agent:" + f.createID + ":main"})
	return f.createID, nil
}

func (f *fakeGateway) RenameAgent(_ context.Context, agentID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renames[agentID] = name
	for i := range f.agents {
		if f.agents[i].AgentID == agentID {
			f.agents[i].Name = name
		}
	}
	return nil
}

func (f *fakeGateway) DeleteAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, agentID)
	kept := f.agents[:0]
	for _, a := range f.agents {
		if a.AgentID != agentID {
			kept = append(kept, a)
		}
	}
	f.agents = kept
	return nil
}

func (f *fakeGateway) ApplySetup(context.Context, string, setup.Setup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	return f.applyErr
}

func (f *fakeGateway) WaitRun(_ context.Context, runID string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls = append(f.waitCalls, runID)
	return f.waitStatus[runID], nil
}

func (f *fakeGateway) ResolveExecApproval(_ context.Context, id string, _ approvals.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved = append(f.resolved, id)
	return nil
}

func (f *fakeGateway) SendChat(_ context.Context, msg gatewayclient.ChatSend) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sends = append(f.sends, msg)
	return "run-" + msg.IdempotencyKey, nil
}

func (f *fakeGateway) ChatHistory(_ context.Context, sessionKey string, _ int) ([]gatewayclient.ChatMessage, error) {
	f.mu.Lock()
	msgs := f.history[sessionKey]
	hook := f.onHistory
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return msgs, nil
}

func (f *fakeGateway) set(fn func(f *fakeGateway)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeGateway) get(fn func(f *fakeGateway)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
