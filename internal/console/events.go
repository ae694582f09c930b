// ABOUTME: Gateway event handling: exec approvals and the live chat stream.
// ABOUTME: Payloads are narrowed by their owning packages; malformed frames are dropped.

package console

import (
	"context"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/transcript"
)

func (r *Runtime) handleEvent(ctx context.Context, ev gatewayclient.Event) {
	switch ev.Name {
	case approvals.EventRequested:
		r.handleApprovalRequested(ev)
	case approvals.EventResolved:
		r.handleApprovalResolved(ev)
	case gatewayclient.EventChat:
		r.handleChat(ctx, ev)
	default:
		r.logger.Debug("ignoring event", "event", ev.Name)
	}
}

func (r *Runtime) handleApprovalRequested(ev gatewayclient.Event) {
	a, err := approvals.ParseRequested(ev.Payload)
	if err != nil {
		r.logger.Debug("dropping approval request", "error", err)
		return
	}

	plan := approvals.PlanRequested(a, r.fleet.Snapshot().Agents, r.nowMs())
	r.book.Upsert(plan.Approval)
	if plan.Activity != nil {
		r.fleet.Dispatch(*plan.Activity)
	}
	if plan.Pause != nil {
		r.fleet.Dispatch(*plan.Pause)
	}

	r.logger.Info("exec approval requested",
		"approval_id", plan.Approval.ID,
		"agent_id", plan.Approval.AgentID,
		"scoped", plan.Scoped,
		"paused", plan.Pause != nil,
	)
	r.notify(Notice{
		Level:   LevelInfo,
		AgentID: plan.Approval.AgentID,
		Message: "Exec approval requested: " + plan.Approval.Command,
	})
}

func (r *Runtime) handleApprovalResolved(ev gatewayclient.Event) {
	res, err := approvals.ParseResolved(ev.Payload)
	if err != nil {
		r.logger.Debug("dropping approval resolution", "error", err)
		return
	}

	plan := approvals.PlanResolved(res)
	a, known := r.book.Get(plan.RemoveID)
	if !r.book.Remove(plan.RemoveID) {
		return
	}
	r.logger.Info("exec approval resolved", "approval_id", res.ID, "decision", res.Decision, "resolved_by", res.ResolvedBy)
	if known && a.AgentID != "" {
		r.unpauseIfClear(a.AgentID)
	}
}

// unpauseIfClear releases agentID's paused run once it has no approvals left.
func (r *Runtime) unpauseIfClear(agentID string) {
	if len(r.book.ForAgent(agentID)) > 0 {
		return
	}
	rec, ok := r.fleet.Agent(agentID)
	if !ok || rec.PausedRunID == "" {
		return
	}
	r.fleet.Dispatch(fleet.UpdateAgent{AgentID: agentID, Patch: fleet.Patch{PausedRunID: fleet.Ptr("")}})
}

func (r *Runtime) handleChat(ctx context.Context, ev gatewayclient.Event) {
	chat, err := gatewayclient.ParseChatEvent(ev.Payload)
	if err != nil {
		r.logger.Debug("dropping chat event", "error", err)
		return
	}
	rec, ok := fleet.FindBySessionKey(r.fleet.Snapshot().Agents, chat.SessionKey)
	if !ok {
		return
	}
	now := r.nowMs()

	switch chat.State {
	case gatewayclient.ChatDelta:
		patch := fleet.Patch{
			Status:         fleet.Ptr(fleet.StatusRunning),
			SessionCreated: fleet.Ptr(true),
			StreamText:     fleet.Ptr(chat.Text),
			LastActivityAt: fleet.Ptr(now),
		}
		if chat.RunID != "" {
			patch.RunID = fleet.Ptr(chat.RunID)
			if chat.RunID != rec.RunID {
				patch.RunStartedAt = fleet.Ptr(now)
			}
		}
		r.patches.Enqueue(rec.AgentID, patch)

	case gatewayclient.ChatFinal:
		r.patches.Discard(rec.AgentID)
		if chat.Text != "" {
			r.fleet.Dispatch(fleet.AppendOutput{
				AgentID: rec.AgentID,
				Line:    transcript.FormatLine(transcript.RoleAssistant, transcript.KindAssistant, chat.Text),
				Transcript: &transcript.Meta{
					EntryID:     assistantEntryID(chat.RunID, chat.TimestampMs),
					Source:      transcript.SourceRuntimeChat,
					RunID:       chat.RunID,
					Role:        transcript.RoleAssistant,
					Kind:        transcript.KindAssistant,
					Confirmed:   true,
					TimestampMs: firstPositive(chat.TimestampMs, now),
				},
			})
		}
		r.endRun(rec, chat.RunID, fleet.StatusIdle)
		r.fleet.Dispatch(fleet.MarkActivity{AgentID: rec.AgentID, At: now})
		agentID := rec.AgentID
		r.background(ctx, func(ctx context.Context) { r.refreshHistory(ctx, agentID) })

	case gatewayclient.ChatAborted:
		r.patches.Discard(rec.AgentID)
		r.appendSystem(rec.AgentID, chat.RunID, transcript.KindMeta, "Run aborted.", now)
		r.endRun(rec, chat.RunID, fleet.StatusIdle)

	case gatewayclient.ChatError:
		r.patches.Discard(rec.AgentID)
		msg := chat.ErrorMessage
		if msg == "" {
			msg = "Run failed."
		}
		r.appendSystem(rec.AgentID, chat.RunID, transcript.KindError, msg, now)
		r.endRun(rec, chat.RunID, fleet.StatusError)
	}
}

// endRun clears rec's run unless it has moved on to a run other than runID.
func (r *Runtime) endRun(rec fleet.AgentRecord, runID string, status fleet.Status) {
	state := r.fleet.Dispatch(fleet.EndRun{AgentID: rec.AgentID, RunID: runID, Status: status})
	if latest, ok := state.Agent(rec.AgentID); ok && latest.IsRunning() {
		r.logger.Debug("ignoring end of superseded run", "agent_id", rec.AgentID, "run_id", runID, "current_run_id", latest.RunID)
	}
}

func (r *Runtime) appendSystem(agentID, runID string, kind transcript.Kind, text string, now int64) {
	id := "system:" + runID + ":" + string(kind)
	if runID == "" {
		id = "system:" + string(kind) + ":" + formatInt(now)
	}
	r.fleet.Dispatch(fleet.AppendOutput{
		AgentID: agentID,
		Line:    transcript.FormatLine(transcript.RoleSystem, kind, text),
		Transcript: &transcript.Meta{
			EntryID:     id,
			Source:      transcript.SourceRuntimeChat,
			RunID:       runID,
			Role:        transcript.RoleSystem,
			Kind:        kind,
			Confirmed:   true,
			TimestampMs: now,
		},
	})
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
