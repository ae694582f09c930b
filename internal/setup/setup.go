// ABOUTME: Guided setup model and the gateway operations needed to create and configure agents.
// ABOUTME: Setups are JSON-encoded for persistence as pending entries.

package setup

import (
	"context"
	"errors"
)

// File is a workspace file written into a new agent.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ExecPolicy is an agent's exec approval policy.
type ExecPolicy struct {
	Host     string `json:"host,omitempty"`
	Security string `json:"security,omitempty"`
	Ask      string `json:"ask,omitempty"`
}

// Setup is the guided configuration applied after an agent is created.
type Setup struct {
	Files       []File     `json:"files,omitempty"`
	ToolProfile string     `json:"toolProfile,omitempty"`
	Exec        ExecPolicy `json:"exec"`
}

// Gateway creates and configures agents.
type Gateway interface {
	CreateAgent(ctx context.Context, name string) (agentID string, err error)
	ApplySetup(ctx context.Context, agentID string, s Setup) error
}

// Status is the setup state reported for a created agent.
type Status string

const (
	StatusApplied Status = "applied"
	StatusPending Status = "pending"
)

// Result is the outcome of a guided creation.
type Result struct {
	AgentID           string
	SetupStatus       Status
	SetupErrorMessage string
}

// RetryResult is the outcome of a manual retry.
type RetryResult struct {
	Applied bool
}

// Notice is an operator-facing message from an automatic retry.
type Notice struct {
	AgentID string
	Message string
}

// Pending is a setup waiting to be applied.
type Pending struct {
	AgentID   string
	AgentName string
	Setup     Setup
	Attempts  int
	LastError string
}

var (
	// ErrNoPendingSetup is returned when retrying an agent with nothing pending.
	ErrNoPendingSetup = errors.New("no pending setup")

	// ErrRetryBusy is returned when a retry for the agent is already running.
	ErrRetryBusy = errors.New("setup retry already in progress")
)
