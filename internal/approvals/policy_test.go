// ABOUTME: Tests for approval resolution, pause, and follow-up policies.
// ABOUTME: Includes the session-key request → deny / allow-once scenario.

package approvals

import (
	"testing"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fleetAgents() []fleet.AgentRecord {
	return []fleet.AgentRecord{
		{AgentID: "a1", SessionKey: "agent:a1:main", Status: fleet.StatusIdle},
		{AgentID: "a2", SessionKey: "Agent:A2:Main", Status: fleet.StatusRunning, RunID: "run-2"},
	}
}

func TestApprovalScenario(t *testing.T) {
	agents := fleetAgents()
	a := Approval{ID: "ap-1", SessionKey: "agent:a2:main", Command: "make deploy", Ask: "always"}

	plan := PlanRequested(a, agents, 500)
	require.True(t, plan.Scoped)
	assert.Equal(t, "a2", plan.Approval.AgentID)
	require.NotNil(t, plan.Activity)
	assert.Equal(t, fleet.MarkActivity{AgentID: "a2", At: 500}, *plan.Activity)
	require.NotNil(t, plan.Pause)
	assert.Equal(t, "a2", plan.Pause.AgentID)
	assert.Equal(t, "run-2", *plan.Pause.Patch.PausedRunID)

	assert.Equal(t, ResolvedPlan{RemoveID: "ap-1"}, PlanResolved(Resolved{ID: "ap-1", Decision: Deny}))
	_, ok := PlanFollowUp(plan.Approval, Deny, agents)
	assert.False(t, ok, "deny never follows up")

	fu, ok := PlanFollowUp(plan.Approval, AllowOnce, agents)
	require.True(t, ok)
	assert.Equal(t, "a2", fu.AgentID)
	assert.Equal(t, "Agent:A2:Main", fu.SessionKey, "canonical key from the agent record")
	assert.Contains(t, fu.Message, "make deploy")
}

func TestPlanRequested_Unscoped(t *testing.T) {
	plan := PlanRequested(Approval{ID: "ap-1", SessionKey: "agent:zz:main", AgentID: "ghost"}, fleetAgents(), 1)

	assert.False(t, plan.Scoped)
	assert.Empty(t, plan.Approval.AgentID)
	assert.Nil(t, plan.Activity)
	assert.Nil(t, plan.Pause)
}

func TestPlanRequested_ExplicitAgentWins(t *testing.T) {
	a := Approval{ID: "ap-1", AgentID: "a1", SessionKey: "agent:a2:main"}
	plan := PlanRequested(a, fleetAgents(), 1)

	assert.Equal(t, "a1", plan.Approval.AgentID)
	assert.Nil(t, plan.Pause, "a1 is idle")
}

func TestShouldPause(t *testing.T) {
	runningAgent := fleet.AgentRecord{AgentID: "a", Status: fleet.StatusRunning, RunID: "run-1"}

	tests := []struct {
		name  string
		ask   string
		agent func(fleet.AgentRecord) fleet.AgentRecord
		want  bool
	}{
		{"approval asks always", "always", nil, true},
		{"approval ask case-insensitive", " ALWAYS ", nil, true},
		{"approval asks on-miss", "on-miss", nil, false},
		{"falls back to session ask", "", func(r fleet.AgentRecord) fleet.AgentRecord {
			r.SessionExecAsk = "always"
			return r
		}, true},
		{"approval ask overrides session", "off", func(r fleet.AgentRecord) fleet.AgentRecord {
			r.SessionExecAsk = "always"
			return r
		}, false},
		{"already paused", "always", func(r fleet.AgentRecord) fleet.AgentRecord {
			r.PausedRunID = "run-1"
			return r
		}, false},
		{"not running", "always", func(r fleet.AgentRecord) fleet.AgentRecord {
			r.Status = fleet.StatusIdle
			return r
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := runningAgent
			if tt.agent != nil {
				agent = tt.agent(agent)
			}
			assert.Equal(t, tt.want, ShouldPause(Approval{Ask: tt.ask}, agent))
		})
	}
}

func TestPlanFollowUp(t *testing.T) {
	agents := fleetAgents()

	t.Run("allow-always behaves like allow-once", func(t *testing.T) {
		a := Approval{ID: "ap-1", AgentID: "a1", Command: "ls"}
		once, ok1 := PlanFollowUp(a, AllowOnce, agents)
		always, ok2 := PlanFollowUp(a, AllowAlways, agents)
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, once.SessionKey, always.SessionKey)
		assert.Equal(t, "agent:a1:main", once.SessionKey)
	})

	t.Run("unscoped falls back to bare session key", func(t *testing.T) {
		fu, ok := PlanFollowUp(Approval{ID: "ap-2", SessionKey: "agent:x:main", Command: "ls"}, AllowOnce, agents)
		require.True(t, ok)
		assert.Empty(t, fu.AgentID)
		assert.Equal(t, "agent:x:main", fu.SessionKey)
	})

	t.Run("suppressed without session key", func(t *testing.T) {
		_, ok := PlanFollowUp(Approval{ID: "ap-3", Command: "ls"}, AllowOnce, agents)
		assert.False(t, ok)
	})

	t.Run("suppressed without message", func(t *testing.T) {
		_, ok := PlanFollowUp(Approval{ID: "ap-4", AgentID: "a1"}, AllowOnce, agents)
		assert.False(t, ok)
	})
}
