// ABOUTME: Pure reducer over the fleet State with a typed action union.
// ABOUTME: Every producer expresses its change as an Action; Reduce never mutates its input.

package fleet

import (
	"github.com/2389/coven-console/internal/transcript"
)

// Pane names the UI region holding focus.
type Pane string

const (
	PaneFleet    Pane = "fleet"
	PaneChat     Pane = "chat"
	PaneSettings Pane = "settings"
)

// State is an immutable snapshot of the fleet.
type State struct {
	Agents          []AgentRecord
	SelectedAgentID string
	Focus           Pane
	Loaded          bool
}

// Agent returns the record for agentID.
func (s State) Agent(agentID string) (AgentRecord, bool) {
	return FindByID(s.Agents, agentID)
}

// Action is a change to the fleet State.
type Action interface {
	isAction()
}

// HydrateAgents replaces the agent list with the gateway's.
type HydrateAgents struct {
	Seeds           []Seed
	SelectedAgentID string
}

// UpdateAgent applies a Patch to one agent.
type UpdateAgent struct {
	AgentID string
	Patch   Patch
}

// EndRun ends an agent's run with Status in the same step that checks which
// run the agent is tracking. It is a no-op when the agent tracks a run other
// than RunID. With Exact set it also requires the agent to be running RunID.
type EndRun struct {
	AgentID string
	RunID   string
	Status  Status
	Exact   bool
}

// AppendOutput adds a line to an agent's transcript.
// Transcript is nil for legacy lines, which are always appended.
type AppendOutput struct {
	AgentID    string
	Line       string
	Transcript *transcript.Meta
}

// ReplayHistory folds a confirmed chat history replay into an agent's
// transcript. It is a no-op unless the agent is still on the session the
// history was read from.
type ReplayHistory struct {
	AgentID      string
	SessionKey   string
	SessionEpoch int
	Entries      []transcript.Entry
}

// MarkActivity records activity for an agent at a unix-ms timestamp.
type MarkActivity struct {
	AgentID string
	At      int64
}

// SelectAgent moves the selection.
type SelectAgent struct {
	AgentID string
}

// ResetSession clears an agent's transcript and run, and advances its session epoch.
type ResetSession struct {
	AgentID    string
	SessionKey string // optional new session key
}

// FocusPane moves UI focus.
type FocusPane struct {
	Pane Pane
}

func (HydrateAgents) isAction() {}
func (UpdateAgent) isAction()   {}
func (EndRun) isAction()        {}
func (AppendOutput) isAction()  {}
func (ReplayHistory) isAction() {}
func (MarkActivity) isAction()  {}
func (SelectAgent) isAction()   {}
func (ResetSession) isAction()  {}
func (FocusPane) isAction()     {}

// Reduce returns the state that results from applying a to s.
func Reduce(s State, a Action) State {
	switch act := a.(type) {
	case HydrateAgents:
		return hydrate(s, act)
	case UpdateAgent:
		return updateOne(s, act.AgentID, func(r AgentRecord) AgentRecord {
			return r.apply(act.Patch)
		})
	case EndRun:
		rec, ok := s.Agent(act.AgentID)
		if !ok || !rec.endsWith(act) {
			return s
		}
		return updateOne(s, act.AgentID, func(r AgentRecord) AgentRecord {
			return r.apply(ClearRunPatch(act.Status))
		})
	case AppendOutput:
		return updateOne(s, act.AgentID, func(r AgentRecord) AgentRecord {
			entry := transcript.NewEntry(act.Line, act.Transcript, transcript.NextSequence(r.TranscriptEntries))
			r.TranscriptEntries = transcript.Upsert(r.TranscriptEntries, entry)
			r.OutputLines = transcript.Lines(r.TranscriptEntries)
			return r
		})
	case ReplayHistory:
		rec, ok := s.Agent(act.AgentID)
		if !ok || rec.SessionEpoch != act.SessionEpoch || !SameSessionKey(rec.SessionKey, act.SessionKey) {
			return s
		}
		return updateOne(s, act.AgentID, func(r AgentRecord) AgentRecord {
			r.TranscriptEntries = transcript.MergeHistory(r.TranscriptEntries, act.Entries)
			r.OutputLines = transcript.Lines(r.TranscriptEntries)
			return r
		})
	case MarkActivity:
		selected := s.SelectedAgentID
		return updateOne(s, act.AgentID, func(r AgentRecord) AgentRecord {
			r.LastActivityAt = act.At
			if r.AgentID != selected {
				r.HasUnseenActivity = true
			}
			return r
		})
	case SelectAgent:
		out := s
		out.SelectedAgentID = act.AgentID
		return updateOne(out, act.AgentID, func(r AgentRecord) AgentRecord {
			r.HasUnseenActivity = false
			return r
		})
	case ResetSession:
		return updateOne(s, act.AgentID, func(r AgentRecord) AgentRecord {
			r.clearRun()
			r.Status = StatusIdle
			r.SessionEpoch++
			r.SessionCreated = false
			r.SessionSettingsSynced = false
			r.TranscriptEntries = nil
			r.OutputLines = nil
			if act.SessionKey != "" {
				r.SessionKey = act.SessionKey
			}
			return r
		})
	case FocusPane:
		out := s
		out.Focus = act.Pane
		return out
	default:
		return s
	}
}

// updateOne returns s with fn applied to a copy of agentID's record.
// Unknown agents leave the state unchanged.
func updateOne(s State, agentID string, fn func(AgentRecord) AgentRecord) State {
	for i, r := range s.Agents {
		if r.AgentID != agentID {
			continue
		}
		agents := make([]AgentRecord, len(s.Agents))
		copy(agents, s.Agents)
		agents[i] = fn(r.clone())

		out := s
		out.Agents = agents
		return out
	}
	return s
}

func hydrate(s State, act HydrateAgents) State {
	agents := make([]AgentRecord, 0, len(act.Seeds))
	for _, seed := range act.Seeds {
		prev, ok := s.Agent(seed.AgentID)
		if ok && SameSessionKey(prev.SessionKey, seed.SessionKey) {
			rec := prev.clone()
			rec.Name = seed.Name
			agents = append(agents, rec)
			continue
		}
		agents = append(agents, AgentRecord{
			AgentID:    seed.AgentID,
			Name:       seed.Name,
			SessionKey: seed.SessionKey,
			Status:     StatusIdle,
		})
	}

	out := s
	out.Agents = agents
	out.Loaded = true
	out.SelectedAgentID = pickSelection(agents, act.SelectedAgentID, s.SelectedAgentID)
	if out.Focus == "" {
		out.Focus = PaneFleet
	}
	return out
}

func pickSelection(agents []AgentRecord, candidates ...string) string {
	for _, id := range candidates {
		if id == "" {
			continue
		}
		if _, ok := FindByID(agents, id); ok {
			return id
		}
	}
	if len(agents) > 0 {
		return agents[0].AgentID
	}
	return ""
}

// AgentIDs returns the ids of every agent in s, in order.
func (s State) AgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	for _, a := range s.Agents {
		ids = append(ids, a.AgentID)
	}
	return ids
}
