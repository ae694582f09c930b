// ABOUTME: Agent record model, connection status, and run-status types for the fleet view.
// ABOUTME: AgentRecord is the per-agent row the reducer maintains.

package fleet

import (
	"strings"

	"github.com/2389/coven-console/internal/transcript"
)

// Status is an agent's run state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// ConnectionStatus is the state of the gateway control channel.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
)

// Seed is the gateway's description of an agent, used by HydrateAgents.
type Seed struct {
	AgentID    string
	Name       string
	SessionKey string
}

// AgentRecord is the console's view of one agent. Status is running exactly
// when RunID is set; the reducer refuses any change that would split them.
type AgentRecord struct {
	AgentID    string
	Name       string
	SessionKey string

	Status       Status
	RunID        string
	RunStartedAt int64 // unix ms, 0 when no run

	SessionCreated        bool
	SessionSettingsSynced bool
	SessionEpoch          int

	StreamText    string
	ThinkingTrace string

	TranscriptEntries []transcript.Entry
	OutputLines       []string

	LastActivityAt    int64
	HasUnseenActivity bool

	SessionExecHost     string
	SessionExecSecurity string
	SessionExecAsk      string

	// PausedRunID is the run held back by a pending exec approval.
	PausedRunID string
}

// IsRunning reports whether the record has an in-flight run.
func (r AgentRecord) IsRunning() bool {
	return r.Status == StatusRunning
}

// SameSessionKey compares session keys the way the gateway does:
// surrounding whitespace and case are not significant.
func SameSessionKey(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// FindBySessionKey returns the first agent whose session key matches key.
func FindBySessionKey(agents []AgentRecord, key string) (AgentRecord, bool) {
	for _, a := range agents {
		if SameSessionKey(a.SessionKey, key) {
			return a, true
		}
	}
	return AgentRecord{}, false
}

// FindByID returns the agent with the given id.
func FindByID(agents []AgentRecord, agentID string) (AgentRecord, bool) {
	for _, a := range agents {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return AgentRecord{}, false
}

// AnyRunning reports whether any agent is running.
func AnyRunning(agents []AgentRecord) bool {
	for _, a := range agents {
		if a.IsRunning() {
			return true
		}
	}
	return false
}

// clone copies r so slices are not shared with the previous snapshot.
func (r AgentRecord) clone() AgentRecord {
	out := r
	out.TranscriptEntries = append([]transcript.Entry(nil), r.TranscriptEntries...)
	out.OutputLines = append([]string(nil), r.OutputLines...)
	return out
}
