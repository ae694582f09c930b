// Package mutation serializes agent configuration changes against a
// restart-prone gateway.
//
// # Blocks
//
// At most one mutation block (create, rename, or delete) is active across
// the console. A block moves queued → mutating → awaiting-restart and is
// cleared when the mutation completes, fails, or the gateway finishes
// restarting. Blocker owns the block and hands out guard tickets so a
// restart finalize that raced a newer state change becomes a no-op.
//
// # Restart detection
//
// A restart is complete only when a connected status follows at least one
// observed non-connected status. ObserveRestart is the pure form of that
// rule; Blocker applies it to the live block.
//
// # Queue
//
// Queue runs one mutation at a time in FIFO order, and only while the
// gateway is connected, no restart block is awaiting, and no agent is
// running. Callers update those conditions as they change; every update
// re-runs the scheduler.
//
// # Controller
//
// Controller ties the block to the queue for one operator request and
// reports side effects as Commands (reload fleet, clear block, focus the
// default pane) that the caller executes in its own order.
package mutation
