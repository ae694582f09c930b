// ABOUTME: Operator operations: fleet load, agent mutations, guided creation, approvals, and chat sends.
// ABOUTME: Safe to call from any goroutine; mutations are serialized by the mutation queue.

package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/mutation"
	"github.com/2389/coven-console/internal/setup"
	"github.com/2389/coven-console/internal/transcript"
)

// LoadFleet hydrates the fleet from the gateway, attaches unscoped approvals
// to newly matching agents, and kicks off pending setup retries.
func (r *Runtime) LoadFleet(ctx context.Context) error {
	list, err := r.gw.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading fleet: %w", err)
	}

	selected := ""
	if !r.fleet.Snapshot().Loaded {
		selected = list.DefaultID
	}
	state := r.fleet.Dispatch(fleet.HydrateAgents{Seeds: list.Agents, SelectedAgentID: selected})

	r.mu.Lock()
	r.loadedScope = r.opts.Scope
	r.mu.Unlock()

	for _, a := range r.book.Claim(state.Agents) {
		agent, ok := fleet.FindByID(state.Agents, a.AgentID)
		if ok && approvals.ShouldPause(a, agent) {
			r.fleet.Dispatch(fleet.UpdateAgent{AgentID: agent.AgentID, Patch: fleet.Patch{PausedRunID: fleet.Ptr(agent.RunID)}})
		}
	}

	r.logger.Debug("fleet loaded", "agents", len(state.Agents))
	r.triggerAutoRetry(ctx)
	return nil
}

// Rename renames an agent.
func (r *Runtime) Rename(ctx context.Context, agentID, name string) error {
	rec, err := r.agent(agentID)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("agent name is required")
	}

	return r.submit(ctx, mutation.Request{
		Kind:      mutation.KindRename,
		AgentID:   rec.AgentID,
		AgentName: rec.Name,
		Execute: func(ctx context.Context) error {
			return r.gw.RenameAgent(ctx, rec.AgentID, name)
		},
	})
}

// Delete removes an agent and forgets its pending setup.
func (r *Runtime) Delete(ctx context.Context, agentID string) error {
	rec, err := r.agent(agentID)
	if err != nil {
		return err
	}

	return r.submit(ctx, mutation.Request{
		Kind:      mutation.KindDelete,
		AgentID:   rec.AgentID,
		AgentName: rec.Name,
		Execute: func(ctx context.Context) error {
			if err := r.gw.DeleteAgent(ctx, rec.AgentID); err != nil {
				return err
			}
			r.setups.Discard(ctx, rec.AgentID)
			return nil
		},
	})
}

// Create creates an agent and applies its guided setup. A setup failure is
// not an error: the result reports the setup as pending and it is retried
// later.
func (r *Runtime) Create(ctx context.Context, name string, s setup.Setup) (setup.Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return setup.Result{}, errors.New("agent name is required")
	}

	var res setup.Result
	err := r.submit(ctx, mutation.Request{
		Kind:      mutation.KindCreate,
		AgentName: name,
		Execute: func(ctx context.Context) error {
			var err error
			res, err = r.setups.Create(ctx, name, s)
			return err
		},
	})
	if err != nil {
		return setup.Result{}, err
	}

	if res.SetupStatus == setup.StatusPending {
		r.notify(Notice{
			Level:   LevelError,
			AgentID: res.AgentID,
			Message: fmt.Sprintf("Agent %s was created but its setup is pending: %s", name, res.SetupErrorMessage),
		})
	}
	return res, nil
}

// RetrySetup applies an agent's pending setup now.
func (r *Runtime) RetrySetup(ctx context.Context, agentID string) (setup.RetryResult, error) {
	return r.setups.Retry(ctx, agentID)
}

func (r *Runtime) submit(ctx context.Context, req mutation.Request) error {
	req.Local = r.opts.Local
	req.RequiresRestart = r.requiresRestart
	cmds, err := r.mutations.Submit(ctx, req)
	if errors.Is(err, mutation.ErrSuperseded) {
		// The timeout already reloaded the fleet; this change landed after it.
		r.background(ctx, r.resync)
	}
	r.runMutationCommands(ctx, cmds)
	return err
}

// requiresRestart: a remote gateway restarts to apply any agent config change.
func (r *Runtime) requiresRestart(context.Context) (bool, error) {
	return !r.opts.Local, nil
}

// ResolveApproval sends the operator's decision. An allow decision sends a
// follow-up telling the agent to continue, once per approval.
func (r *Runtime) ResolveApproval(ctx context.Context, id string, decision approvals.Decision) error {
	pending, known := r.book.Get(id)
	followUp, send, err := r.resolver.Resolve(ctx, id, decision, r.fleet.Snapshot().Agents)
	if err != nil {
		return err
	}
	if known && pending.AgentID != "" {
		r.unpauseIfClear(pending.AgentID)
	}
	if !send {
		return nil
	}

	if _, err := r.sendMessage(ctx, followUp.AgentID, followUp.SessionKey, followUp.Message); err != nil {
		r.resolver.FollowUpFailed(id)
		return fmt.Errorf("sending follow-up for approval %s: %w", id, err)
	}
	return nil
}

// Send sends message to an agent and returns the run it started. The
// message appears in the transcript immediately and is confirmed when the
// gateway's copy arrives.
func (r *Runtime) Send(ctx context.Context, agentID, message string) (string, error) {
	rec, err := r.agent(agentID)
	if err != nil {
		return "", err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("message is required")
	}
	return r.sendMessage(ctx, rec.AgentID, rec.SessionKey, message)
}

func (r *Runtime) sendMessage(ctx context.Context, agentID, sessionKey, message string) (string, error) {
	key := uuid.NewString()
	now := r.nowMs()

	if agentID != "" {
		r.fleet.Dispatch(fleet.AppendOutput{
			AgentID: agentID,
			Line:    transcript.FormatLine(transcript.RoleUser, transcript.KindUser, message),
			Transcript: &transcript.Meta{
				EntryID:     key,
				Source:      transcript.SourceLocalSend,
				Role:        transcript.RoleUser,
				Kind:        transcript.KindUser,
				TimestampMs: now,
			},
		})
	}

	runID, err := r.gw.SendChat(ctx, gatewayclient.ChatSend{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: key,
	})
	if err != nil {
		if agentID != "" {
			r.appendSystem(agentID, "", transcript.KindError, "Send failed: "+err.Error(), now)
		}
		return "", fmt.Errorf("sending to %s: %w", firstNonEmpty(agentID, sessionKey), err)
	}

	if agentID != "" && runID != "" {
		r.fleet.Dispatch(fleet.UpdateAgent{AgentID: agentID, Patch: fleet.Patch{
			Status:         fleet.Ptr(fleet.StatusRunning),
			RunID:          fleet.Ptr(runID),
			RunStartedAt:   fleet.Ptr(now),
			SessionCreated: fleet.Ptr(true),
			LastActivityAt: fleet.Ptr(now),
		}})
	}
	return runID, nil
}

// Select moves the fleet selection to agentID.
func (r *Runtime) Select(agentID string) error {
	if _, err := r.agent(agentID); err != nil {
		return err
	}
	r.fleet.Dispatch(fleet.SelectAgent{AgentID: agentID})
	return nil
}

// ResetSession starts a fresh session for an agent. In-flight history
// replies for the old session are dropped.
func (r *Runtime) ResetSession(agentID, sessionKey string) error {
	if _, err := r.agent(agentID); err != nil {
		return err
	}
	r.patches.Discard(agentID)
	r.fleet.Dispatch(fleet.ResetSession{AgentID: agentID, SessionKey: sessionKey})
	return nil
}

func (r *Runtime) agent(agentID string) (fleet.AgentRecord, error) {
	rec, ok := r.fleet.Agent(agentID)
	if !ok {
		return fleet.AgentRecord{}, fmt.Errorf("%s: %w", agentID, ErrUnknownAgent)
	}
	return rec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
