// Package console wires the fleet synchronization engine to a gateway.
//
// A Runtime owns the fleet store and every reconciliation component:
// the mutation controller and queue, run reconciliation, the exec approval
// book and resolver, and the pending setup manager. Run is the event loop;
// operator operations (Rename, Delete, Create, ResolveApproval, Send, ...)
// may be called from any goroutine.
//
// # Event Loop
//
// Run consumes gateway connection statuses, event frames and sequence gaps,
// plus tickers for flushing live patches, reconciling runs, checking
// mutation timeouts and sweeping expired approvals. Slow remote work
// (history refresh, run probes, restart finalize, setup retries) runs in
// background goroutines that apply their results through the store.
//
// # Commands
//
// The mutation controller and the reconciler return commands rather than
// acting directly. The runtime executes them in order:
//
//	reload-fleet       LoadFleet
//	clear-block        release the mutation block
//	focus-default      focus the fleet pane
//	await-restart      notice: waiting for the gateway to restart
//	finalize-restart   reload the fleet, then clear the block if still current
//	report-error       notice with the failure message
//	timeout            notice, then force-clear the block
//	dispatch           apply a terminal run patch
//	request-history    refresh the agent's transcript
//
// # Notices
//
// Operator-facing messages are published on Notices.
package console
