// ABOUTME: Executes the commands returned by the mutation controller and the reconciler.
// ABOUTME: Commands run in the order given; finalize and history work moves to the background.

package console

import (
	"context"
	"fmt"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/mutation"
	"github.com/2389/coven-console/internal/reconcile"
)

func (r *Runtime) runMutationCommands(ctx context.Context, cmds []mutation.Command) {
	for _, c := range cmds {
		switch c.Type {
		case mutation.CommandReloadFleet:
			if err := r.LoadFleet(ctx); err != nil {
				r.notify(Notice{Level: LevelError, AgentID: c.AgentID, Message: err.Error()})
			}
		case mutation.CommandClearBlock:
			// A restart finalize has already released its block.
			r.mutations.ReleaseBlock(c.BlockID)
			r.triggerAutoRetry(ctx)
		case mutation.CommandFocusDefault:
			r.fleet.Dispatch(fleet.FocusPane{Pane: fleet.PaneFleet})
		case mutation.CommandAwaitRestart:
			r.notify(Notice{Level: LevelInfo, AgentID: c.AgentID, Message: "Waiting for the gateway to restart..."})
		case mutation.CommandFinalizeRestart:
			ticket := c.Ticket
			r.background(ctx, func(ctx context.Context) {
				next, err := r.mutations.FinalizeRestart(ctx, ticket, r.LoadFleet)
				if err != nil {
					r.notify(Notice{Level: LevelError, AgentID: c.AgentID, Message: err.Error()})
					return
				}
				r.runMutationCommands(ctx, next)
			})
		case mutation.CommandReportError:
			r.notify(Notice{Level: LevelError, AgentID: c.AgentID, Message: c.Message})
		case mutation.CommandTimeout:
			if !r.mutations.ReleaseBlock(c.BlockID) {
				continue
			}
			r.notify(Notice{Level: LevelError, AgentID: c.AgentID, Message: timeoutMessage(c.Kind)})
			r.triggerAutoRetry(ctx)
			r.background(ctx, func(ctx context.Context) {
				if err := r.LoadFleet(ctx); err != nil {
					r.logger.Warn("fleet reload after timeout failed", "error", err)
				}
			})
		}
	}
}

func timeoutMessage(kind mutation.Kind) string {
	return fmt.Sprintf("Timed out waiting for the gateway to finish the %s. Check the gateway and reload.", kind)
}

func (r *Runtime) runReconcileCommands(ctx context.Context, cmds []reconcile.Command) {
	for _, c := range cmds {
		switch c.Type {
		case reconcile.CommandDispatch:
			// A queued streaming patch for the finished run must not revive it.
			r.patches.DiscardRun(c.AgentID, c.RunID)
			r.fleet.Dispatch(c.End)
		case reconcile.CommandRequestHistory:
			r.refreshHistory(ctx, c.AgentID)
		}
	}
}
