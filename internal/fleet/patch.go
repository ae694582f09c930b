// ABOUTME: Partial agent updates and the live patch merge used for streaming state.
// ABOUTME: MergePatch uses run identity to decide whether queued transient fields survive.

package fleet

import "strings"

// Patch is a partial AgentRecord update. Nil fields are left untouched.
// A pointer to the zero value clears the field (RunID "", RunStartedAt 0).
type Patch struct {
	Name                  *string
	Status                *Status
	RunID                 *string
	RunStartedAt          *int64
	SessionCreated        *bool
	SessionSettingsSynced *bool
	StreamText            *string
	ThinkingTrace         *string
	LastActivityAt        *int64
	HasUnseenActivity     *bool
	SessionExecHost       *string
	SessionExecSecurity   *string
	SessionExecAsk        *string
	PausedRunID           *string
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// ClearRunPatch ends the current run with the given status.
func ClearRunPatch(status Status) Patch {
	return Patch{
		Status:        Ptr(status),
		RunID:         Ptr(""),
		RunStartedAt:  Ptr(int64(0)),
		StreamText:    Ptr(""),
		ThinkingTrace: Ptr(""),
	}
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Overlay returns a copy of p with every non-nil field of next applied on top.
// The result shares no pointers with p or next.
func (p Patch) Overlay(next Patch) Patch {
	var out Patch
	out.overlay(p)
	out.overlay(next)
	return out
}

func (p *Patch) overlay(next Patch) {
	overlay(&p.Name, next.Name)
	overlay(&p.Status, next.Status)
	overlay(&p.RunID, next.RunID)
	overlay(&p.RunStartedAt, next.RunStartedAt)
	overlay(&p.SessionCreated, next.SessionCreated)
	overlay(&p.SessionSettingsSynced, next.SessionSettingsSynced)
	overlay(&p.StreamText, next.StreamText)
	overlay(&p.ThinkingTrace, next.ThinkingTrace)
	overlay(&p.LastActivityAt, next.LastActivityAt)
	overlay(&p.HasUnseenActivity, next.HasUnseenActivity)
	overlay(&p.SessionExecHost, next.SessionExecHost)
	overlay(&p.SessionExecSecurity, next.SessionExecSecurity)
	overlay(&p.SessionExecAsk, next.SessionExecAsk)
	overlay(&p.PausedRunID, next.PausedRunID)
}

func overlay[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func normalizedRunID(p Patch) string {
	if p.RunID == nil {
		return ""
	}
	return strings.TrimSpace(*p.RunID)
}

// MergePatch combines a queued patch with a newly arriving one.
//
// A patch for a different run replaces the queued one outright. A patch
// that starts a run drops queued StreamText/ThinkingTrace before applying,
// so pre-run streaming content never bleeds into the new run. Otherwise
// incoming wins field by field.
func MergePatch(existing *Patch, incoming Patch) Patch {
	if existing == nil {
		return incoming
	}

	prevRun := normalizedRunID(*existing)
	nextRun := normalizedRunID(incoming)

	if prevRun != "" && nextRun != "" && prevRun != nextRun {
		return incoming
	}

	base := *existing
	if nextRun != "" && prevRun == "" {
		base.StreamText = nil
		base.ThinkingTrace = nil
	}
	return base.Overlay(incoming)
}

// apply returns r with p applied and the run invariant enforced.
func (r AgentRecord) apply(p Patch) AgentRecord {
	out := r
	set(&out.Name, p.Name)
	set(&out.Status, p.Status)
	set(&out.RunID, p.RunID)
	set(&out.RunStartedAt, p.RunStartedAt)
	set(&out.SessionCreated, p.SessionCreated)
	set(&out.SessionSettingsSynced, p.SessionSettingsSynced)
	set(&out.StreamText, p.StreamText)
	set(&out.ThinkingTrace, p.ThinkingTrace)
	set(&out.LastActivityAt, p.LastActivityAt)
	set(&out.HasUnseenActivity, p.HasUnseenActivity)
	set(&out.SessionExecHost, p.SessionExecHost)
	set(&out.SessionExecSecurity, p.SessionExecSecurity)
	set(&out.SessionExecAsk, p.SessionExecAsk)
	set(&out.PausedRunID, p.PausedRunID)

	out.RunID = strings.TrimSpace(out.RunID)
	if out.Status == StatusRunning && out.RunID == "" {
		// running needs a run id; keep a settled status, otherwise go idle
		out.Status = r.Status
		if out.Status == StatusRunning {
			out.Status = StatusIdle
		}
	}
	if out.Status != StatusRunning {
		out.clearRun()
	}
	return out
}

// endsWith reports whether e applies to r.
func (r AgentRecord) endsWith(e EndRun) bool {
	runID := strings.TrimSpace(e.RunID)
	if e.Exact {
		return r.IsRunning() && runID != "" && r.RunID == runID
	}
	return runID == "" || r.RunID == "" || r.RunID == runID
}

// clearRun drops every run-scoped field in one transition.
func (r *AgentRecord) clearRun() {
	r.RunID = ""
	r.RunStartedAt = 0
	r.StreamText = ""
	r.ThinkingTrace = ""
	r.PausedRunID = ""
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
