// ABOUTME: Transcript refresh from chat.history, guarded by the agent's session epoch.
// ABOUTME: History messages become confirmed transcript entries with ids that match live entries.

package console

import (
	"context"
	"strconv"
	"strings"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/transcript"
)

// refreshHistory merges the agent's chat history into its transcript, so
// repeated refreshes converge. A reply that arrives after the agent's
// session was reset or re-keyed is dropped.
func (r *Runtime) refreshHistory(ctx context.Context, agentID string) {
	rec, ok := r.fleet.Agent(agentID)
	if !ok || strings.TrimSpace(rec.SessionKey) == "" {
		return
	}
	epoch, key := rec.SessionEpoch, rec.SessionKey

	msgs, err := r.gw.ChatHistory(ctx, key, r.opts.HistoryLimit)
	if err != nil {
		if gatewayclient.IsDisconnect(err) {
			r.logger.Debug("history refresh skipped while disconnected", "agent_id", agentID)
		} else {
			r.logger.Warn("history refresh failed", "agent_id", agentID, "error", err)
		}
		return
	}

	latest, ok := r.fleet.Agent(agentID)
	if !ok || latest.SessionEpoch != epoch || !fleet.SameSessionKey(latest.SessionKey, key) {
		r.logger.Debug("dropping stale history", "agent_id", agentID, "epoch", epoch, "current_epoch", latest.SessionEpoch)
		return
	}

	r.fleet.Dispatch(fleet.ReplayHistory{
		AgentID:      agentID,
		SessionKey:   key,
		SessionEpoch: epoch,
		Entries:      historyEntries(msgs),
	})
	if len(msgs) > 0 && !latest.SessionCreated {
		r.fleet.Dispatch(fleet.UpdateAgent{AgentID: agentID, Patch: fleet.Patch{SessionCreated: fleet.Ptr(true)}})
	}
}

// historyEntries converts chat.history messages into confirmed transcript entries.
func historyEntries(msgs []gatewayclient.ChatMessage) []transcript.Entry {
	// The streamed final reply of a run is the run's last assistant message.
	finals := make(map[string]int)
	for i, m := range msgs {
		if role, _ := classifyRole(m.Role); role == transcript.RoleAssistant && m.RunID != "" && m.Text != "" {
			finals[m.RunID] = i
		}
	}

	var out []transcript.Entry
	for i, m := range msgs {
		role, kind := classifyRole(m.Role)
		id := historyEntryID(m, role)
		if last, ok := finals[m.RunID]; ok && last == i {
			id = assistantEntryID(m.RunID, m.TimestampMs)
		}

		if m.Thinking != "" {
			out = append(out, historyEntry(id+":thinking", m, role, transcript.KindThinking, m.Thinking))
		}
		if m.Text == "" {
			continue
		}
		out = append(out, historyEntry(id, m, role, kind, m.Text))
	}
	return out
}

func historyEntry(entryID string, m gatewayclient.ChatMessage, role transcript.Role, kind transcript.Kind, text string) transcript.Entry {
	return transcript.NewEntry(transcript.FormatLine(role, kind, text), &transcript.Meta{
		EntryID:     entryID,
		Source:      transcript.SourceHistory,
		RunID:       m.RunID,
		Role:        role,
		Kind:        kind,
		Confirmed:   true,
		TimestampMs: m.TimestampMs,
	}, 0)
}

func classifyRole(role string) (transcript.Role, transcript.Kind) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "user":
		return transcript.RoleUser, transcript.KindUser
	case "assistant":
		return transcript.RoleAssistant, transcript.KindAssistant
	case "tool", "toolresult", "tool_result":
		return transcript.RoleTool, transcript.KindTool
	default:
		return transcript.RoleSystem, transcript.KindMeta
	}
}

// historyEntryID picks a message's transcript id. User messages carry the
// send's idempotency key as their id.
func historyEntryID(m gatewayclient.ChatMessage, role transcript.Role) string {
	if m.ID != "" {
		return m.ID
	}
	return "history:" + string(role) + ":" + formatInt(m.TimestampMs)
}

func assistantEntryID(runID string, ts int64) string {
	if runID != "" {
		return "run:" + runID + ":assistant"
	}
	return "assistant:" + formatInt(ts)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
