// ABOUTME: The gateway surface the runtime depends on.
// ABOUTME: Satisfied by *gatewayclient.Client; tests substitute a fake.

package console

import (
	"context"
	"time"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/setup"
)

// Gateway is the remote control channel.
type Gateway interface {
	Status() fleet.ConnectionStatus
	Statuses() <-chan fleet.ConnectionStatus
	Events() <-chan gatewayclient.Event
	Gaps() <-chan gatewayclient.Gap

	ListAgents(ctx context.Context) (gatewayclient.AgentList, error)
	CreateAgent(ctx context.Context, name string) (string, error)
	RenameAgent(ctx context.Context, agentID, name string) error
	DeleteAgent(ctx context.Context, agentID string) error
	ApplySetup(ctx context.Context, agentID string, s setup.Setup) error
	WaitRun(ctx context.Context, runID string, timeout time.Duration) (string, error)
	ResolveExecApproval(ctx context.Context, id string, decision approvals.Decision) error
	SendChat(ctx context.Context, msg gatewayclient.ChatSend) (string, error)
	ChatHistory(ctx context.Context, sessionKey string, limit int) ([]gatewayclient.ChatMessage, error)
}

var _ Gateway = (*gatewayclient.Client)(nil)
