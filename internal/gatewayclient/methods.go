// ABOUTME: Typed wrappers for the gateway methods the console uses.
// ABOUTME: Satisfies the small gateway interfaces of the setup, approvals, and reconcile packages.

package gatewayclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/setup"
)

// probeSlack is added to a run probe's server-side timeout for the call deadline.
const probeSlack = 2 * time.Second

// AgentList is the result of agents.list.
type AgentList struct {
	Agents    []fleet.Seed
	DefaultID string
}

// ListAgents fetches the gateway's agents.
func (c *Client) ListAgents(ctx context.Context) (AgentList, error) {
	var res struct {
		DefaultID string `json:"defaultId"`
		Agents    []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			SessionKey string `json:"sessionKey"`
		} `json:"agents"`
	}
	if err := c.Call(ctx, "agents.list", map[string]any{}, &res); err != nil {
		return AgentList{}, err
	}

	out := AgentList{DefaultID: res.DefaultID}
	for _, a := range res.Agents {
		if a.ID == "" {
			continue
		}
		name := a.Name
		if name == "" {
			name = a.ID
		}
		out.Agents = append(out.Agents, fleet.Seed{AgentID: a.ID, Name: name, SessionKey: a.SessionKey})
	}
	return out, nil
}

// CreateAgent creates an agent and returns its id.
func (c *Client) CreateAgent(ctx context.Context, name string) (string, error) {
	var res struct {
		AgentID string `json:"agentId"`
	}
	if err := c.Call(ctx, "agents.create", map[string]any{"name": name}, &res); err != nil {
		return "", err
	}
	if res.AgentID == "" {
		return "", errors.New("agents.create: gateway returned no agent id")
	}
	return res.AgentID, nil
}

// RenameAgent changes an agent's display name.
func (c *Client) RenameAgent(ctx context.Context, agentID, name string) error {
	return c.Call(ctx, "agents.update", map[string]any{"agentId": agentID, "name": name}, nil)
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.Call(ctx, "agents.delete", map[string]any{"agentId": agentID}, nil)
}

// ApplySetup writes the setup's files and patches the agent's tool and exec config.
func (c *Client) ApplySetup(ctx context.Context, agentID string, s setup.Setup) error {
	for _, f := range s.Files {
		params := map[string]any{"agentId": agentID, "name": f.Name, "content": f.Content}
		if err := c.Call(ctx, "agents.files.set", params, nil); err != nil {
			return fmt.Errorf("writing %s: %w", f.Name, err)
		}
	}

	agentPatch := map[string]any{}
	if s.ToolProfile != "" {
		agentPatch["tools"] = map[string]any{"profile": s.ToolProfile}
	}
	exec := map[string]any{}
	if s.Exec.Host != "" {
		exec["host"] = s.Exec.Host
	}
	if s.Exec.Security != "" {
		exec["security"] = s.Exec.Security
	}
	if s.Exec.Ask != "" {
		exec["ask"] = s.Exec.Ask
	}
	if len(exec) > 0 {
		agentPatch["exec"] = exec
	}
	if len(agentPatch) == 0 {
		return nil
	}

	patch := map[string]any{
		"agents": map[string]any{agentID: agentPatch},
	}
	return c.Call(ctx, "config.patch", map[string]any{"patch": patch}, nil)
}

// WaitRun asks the gateway for a run's status, waiting up to timeout for it
// to finish. Returns "ok", "error" or "timeout".
func (c *Client) WaitRun(ctx context.Context, runID string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+probeSlack)
	defer cancel()

	var res struct {
		Status string `json:"status"`
	}
	params := map[string]any{"runId": runID, "timeoutMs": timeout.Milliseconds()}
	if err := c.Call(ctx, "agent.wait", params, &res); err != nil {
		return "", err
	}
	return res.Status, nil
}

// ResolveExecApproval records the operator's decision on an exec approval.
func (c *Client) ResolveExecApproval(ctx context.Context, id string, decision approvals.Decision) error {
	return c.Call(ctx, "exec.approval.resolve", map[string]any{"id": id, "decision": string(decision)}, nil)
}

// ChatSend is a message to an agent session.
type ChatSend struct {
	SessionKey     string
	Message        string
	IdempotencyKey string
}

// SendChat sends a message and returns the run it started.
func (c *Client) SendChat(ctx context.Context, msg ChatSend) (string, error) {
	var res struct {
		RunID string `json:"runId"`
	}
	params := map[string]any{
		"sessionKey":     msg.SessionKey,
		"message":        msg.Message,
		"idempotencyKey": msg.IdempotencyKey,
	}
	if err := c.Call(ctx, "chat.send", params, &res); err != nil {
		return "", err
	}
	return res.RunID, nil
}

// ChatHistory returns up to limit recent messages of a session, oldest first.
func (c *Client) ChatHistory(ctx context.Context, sessionKey string, limit int) ([]ChatMessage, error) {
	var res struct {
		Messages []wireMessage `json:"messages"`
	}
	params := map[string]any{"sessionKey": sessionKey, "limit": limit}
	if err := c.Call(ctx, "chat.history", params, &res); err != nil {
		return nil, err
	}

	out := make([]ChatMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, m.toChatMessage())
	}
	return out, nil
}
