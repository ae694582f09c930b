// Package fleet holds the console's view of every agent behind the gateway.
//
// # Overview
//
// The fleet is a single table of AgentRecords updated by many asynchronous
// producers: streaming chat events, history replays, run reconciliation,
// approval handling and operator mutations. None of them mutate records
// directly. They build Actions and hand them to a Store, which runs the
// pure Reduce function over an immutable State snapshot and publishes the
// changed records to subscribers.
//
// # Actions
//
//   - HydrateAgents: replace the agent list from the gateway, keeping the
//     runtime state of agents that survive
//   - UpdateAgent: apply a Patch to one agent
//   - AppendOutput: add a transcript line, reconciled by entry id
//   - MarkActivity: record activity, flagging unseen activity on
//     agents that are not selected
//   - SelectAgent: move the selection and clear its unseen flag
//   - ResetSession: start a new session epoch for an agent
//   - FocusPane: move UI focus
//
// # Run invariant
//
// RunID is set only while Status is running. Any update that leaves the
// running state, or clears RunID, clears RunID, RunStartedAt, StreamText
// and ThinkingTrace together in one transition.
//
// # Live patches
//
// Streaming updates arrive far faster than they need to be rendered.
// PatchQueue coalesces them per agent with MergePatch, which uses run
// identity to decide whether earlier transient fields survive, and Drain
// turns the result into UpdateAgent actions.
package fleet
