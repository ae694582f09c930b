// ABOUTME: Pure approval policies: agent resolution, pause decisions, and follow-up planning.
// ABOUTME: Plans are data; the caller applies them to the book and the fleet store.

package approvals

import (
	"fmt"
	"strings"

	"github.com/2389/coven-console/internal/fleet"
)

// AskAlways is the ask mode that requires a pause for every command.
const AskAlways = "always"

// ResolveAgent finds the agent owning a: by explicit agent id first, then by
// session key.
func ResolveAgent(a Approval, agents []fleet.AgentRecord) (fleet.AgentRecord, bool) {
	if a.AgentID != "" {
		if rec, ok := fleet.FindByID(agents, a.AgentID); ok {
			return rec, true
		}
	}
	return fleet.FindBySessionKey(agents, a.SessionKey)
}

// EffectiveAsk is the approval's ask mode, falling back to the agent's session setting.
func EffectiveAsk(a Approval, agent fleet.AgentRecord) string {
	if ask := strings.TrimSpace(a.Ask); ask != "" {
		return strings.ToLower(ask)
	}
	return strings.ToLower(strings.TrimSpace(agent.SessionExecAsk))
}

// ShouldPause reports whether agent's current run must be held for a.
func ShouldPause(a Approval, agent fleet.AgentRecord) bool {
	return agent.IsRunning() &&
		agent.RunID != "" &&
		agent.RunID != agent.PausedRunID &&
		EffectiveAsk(a, agent) == AskAlways
}

// RequestedPlan is what to do with a newly requested approval.
type RequestedPlan struct {
	// Approval has AgentID set when Scoped.
	Approval Approval
	Scoped   bool
	Activity *fleet.MarkActivity
	Pause    *fleet.UpdateAgent
}

// PlanRequested attaches a to its agent, if one matches, and decides whether
// that agent's run pauses.
func PlanRequested(a Approval, agents []fleet.AgentRecord, nowMs int64) RequestedPlan {
	agent, ok := ResolveAgent(a, agents)
	if !ok {
		a.AgentID = ""
		return RequestedPlan{Approval: a}
	}

	a.AgentID = agent.AgentID
	plan := RequestedPlan{
		Approval: a,
		Scoped:   true,
		Activity: &fleet.MarkActivity{AgentID: agent.AgentID, At: nowMs},
	}
	if ShouldPause(a, agent) {
		plan.Pause = &fleet.UpdateAgent{
			AgentID: agent.AgentID,
			Patch:   fleet.Patch{PausedRunID: fleet.Ptr(agent.RunID)},
		}
	}
	return plan
}

// ResolvedPlan removes an approval by id.
type ResolvedPlan struct {
	RemoveID string
}

// PlanResolved handles a resolved event. Removal needs no agent scoping.
func PlanResolved(r Resolved) ResolvedPlan {
	return ResolvedPlan{RemoveID: r.ID}
}

// FollowUp is an instruction sent to an agent after its approval was granted.
type FollowUp struct {
	ApprovalID string
	AgentID    string
	SessionKey string
	Message    string
}

// FollowUpMessage is the instruction sent after decision on a. It is empty
// when there is nothing to tell the agent.
func FollowUpMessage(a Approval, decision Decision) string {
	command := strings.TrimSpace(a.Command)
	if command == "" {
		return ""
	}
	return fmt.Sprintf("Exec approval %s was granted (%s) for `%s`. Continue where you left off.", a.ID, decision, command)
}

// PlanFollowUp decides whether decision on a triggers a follow-up and where
// it goes. Only allow decisions do. The target is the approval's own agent,
// then any agent sharing its session key, then the bare session key.
func PlanFollowUp(a Approval, decision Decision, agents []fleet.AgentRecord) (FollowUp, bool) {
	if !decision.Allows() {
		return FollowUp{}, false
	}

	sessionKey := strings.TrimSpace(a.SessionKey)
	var agentID string
	if agent, ok := ResolveAgent(a, agents); ok {
		agentID = agent.AgentID
		if key := strings.TrimSpace(agent.SessionKey); key != "" {
			sessionKey = key
		}
	}

	message := FollowUpMessage(a, decision)
	if sessionKey == "" || message == "" {
		return FollowUp{}, false
	}
	return FollowUp{
		ApprovalID: a.ID,
		AgentID:    agentID,
		SessionKey: sessionKey,
		Message:    message,
	}, true
}
