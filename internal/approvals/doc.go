// Package approvals tracks exec approval requests raised by running agents.
//
// # Lifecycle
//
// A requested event becomes an Approval in the Book, attached to its agent
// by explicit agent id or by session key. Approvals that match no agent are
// held unscoped until an agent with the same session key appears. A resolved
// event removes the approval by id.
//
// # Policies
//
// PlanRequested decides whether the owning agent's run must pause: the agent
// is running, the run is not already paused, and the effective ask mode is
// "always". PlanFollowUp decides whether an operator decision should send a
// follow-up instruction to the agent; deny never does.
//
// Payloads are decoded field by field in Parse*, and nothing past this
// package sees untyped event data.
package approvals
