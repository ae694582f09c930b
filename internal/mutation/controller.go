// ABOUTME: Mutation lifecycle controller: block, queue, execute, await restart, report.
// ABOUTME: Outcomes become Commands so the caller decides how and when side effects run.

package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/guard"
)

// CommandType names a side effect requested by the controller.
type CommandType string

const (
	CommandReloadFleet     CommandType = "reload-fleet"
	CommandClearBlock      CommandType = "clear-block"
	CommandFocusDefault    CommandType = "focus-default"
	CommandAwaitRestart    CommandType = "await-restart"
	CommandFinalizeRestart CommandType = "finalize-restart"
	CommandReportError     CommandType = "report-error"
	CommandTimeout         CommandType = "timeout"
)

// Command is a side effect for the caller to execute.
type Command struct {
	Type    CommandType
	BlockID uint64
	Kind    Kind
	AgentID string
	Message string       // CommandReportError
	Signal  Signal       // CommandTimeout
	Ticket  guard.Ticket // CommandFinalizeRestart
}

// Outcome is how a mutation ended.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeAwaitingRestart Outcome = "awaiting-restart"
	OutcomeRestarted       Outcome = "restarted"
	OutcomeFailed          Outcome = "failed"
	OutcomeTimedOut        Outcome = "timed-out"
)

// Observer receives mutation outcomes.
type Observer interface {
	ObserveMutation(kind, outcome string)
}

// FailureMessage returns the operator-facing message for a failed mutation:
// the error's own text when it has one, otherwise a default for kind.
func FailureMessage(kind Kind, err error) string {
	if err != nil {
		if msg := strings.TrimSpace(err.Error()); msg != "" {
			return msg
		}
	}
	switch kind {
	case KindCreate:
		return "Failed to create agent."
	case KindRename:
		return "Failed to rename agent."
	case KindDelete:
		return "Failed to delete agent."
	default:
		return "Agent update failed."
	}
}

// ResolveOutcome maps an outcome to the commands the caller must run.
func ResolveOutcome(b Block, outcome Outcome, err error) []Command {
	base := Command{BlockID: b.ID, Kind: b.Kind, AgentID: b.AgentID}
	with := func(t CommandType) Command {
		c := base
		c.Type = t
		return c
	}

	switch outcome {
	case OutcomeCompleted:
		return []Command{with(CommandReloadFleet), with(CommandClearBlock), with(CommandFocusDefault)}
	case OutcomeAwaitingRestart:
		return []Command{with(CommandAwaitRestart)}
	case OutcomeRestarted:
		return []Command{with(CommandClearBlock), with(CommandFocusDefault)}
	case OutcomeFailed:
		report := with(CommandReportError)
		report.Message = FailureMessage(b.Kind, err)
		return []Command{with(CommandClearBlock), report}
	default:
		return nil
	}
}

// Request describes one operator mutation.
type Request struct {
	Kind      Kind
	AgentID   string
	AgentName string
	// Local gateways apply config in-process and never restart.
	Local bool
	// Execute performs the mutation against the gateway.
	Execute RunFunc
	// RequiresRestart reports whether a non-local gateway will restart to
	// apply the mutation. Nil means it will not.
	RequiresRestart func(ctx context.Context) (bool, error)
}

// Controller runs operator mutations through the Blocker and Queue.
type Controller struct {
	blocker  *Blocker
	queue    *Queue
	observer Observer
	logger   *slog.Logger
}

// NewController creates a controller. observer may be nil.
func NewController(blocker *Blocker, queue *Queue, observer Observer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	blocker.OnRestartGate(queue.SetRestartBlockActive)
	return &Controller{
		blocker:  blocker,
		queue:    queue,
		observer: observer,
		logger:   logger.With("component", "mutation_controller"),
	}
}

// Submit blocks until req has run and returns the commands for its outcome.
// It returns ErrBlockActive without queuing anything if another mutation
// holds the block. Any other failure clears the block and is returned
// alongside a CommandReportError. A mutation whose block was cleared before
// it settled, by a timeout, returns ErrSuperseded and no commands.
func (c *Controller) Submit(ctx context.Context, req Request) ([]Command, error) {
	block, err := c.blocker.Begin(req.Kind, req.AgentID, req.AgentName)
	if err != nil {
		return nil, err
	}

	var awaitRestart bool
	label := fmt.Sprintf("%s %s", req.Kind, firstNonEmpty(req.AgentName, req.AgentID))
	err = <-c.queue.Enqueue(ctx, req.Kind, label, func(ctx context.Context) error {
		if !c.blocker.AdvanceOwned(block.ID, PhaseMutating) {
			return ErrSuperseded
		}
		if err := req.Execute(ctx); err != nil {
			return err
		}
		if req.Local || req.RequiresRestart == nil {
			return nil
		}
		need, err := req.RequiresRestart(ctx)
		if err != nil {
			return fmt.Errorf("checking restart: %w", err)
		}
		awaitRestart = need
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSuperseded) || !c.blocker.Release(block.ID) {
			return nil, c.superseded(block, err)
		}
		c.record(req.Kind, OutcomeFailed)
		c.logger.Warn("mutation failed", "kind", req.Kind, "agent_id", req.AgentID, "error", err)
		return ResolveOutcome(block, OutcomeFailed, err), err
	}

	if !awaitRestart {
		if !c.blocker.Owns(block.ID) {
			return nil, c.superseded(block, nil)
		}
		c.record(req.Kind, OutcomeCompleted)
		return ResolveOutcome(block, OutcomeCompleted, nil), nil
	}

	if !c.blocker.AdvanceOwned(block.ID, PhaseAwaitingRestart) {
		return nil, c.superseded(block, nil)
	}
	c.record(req.Kind, OutcomeAwaitingRestart)
	c.logger.Info("awaiting gateway restart", "kind", req.Kind, "agent_id", req.AgentID)

	cmds := ResolveOutcome(block, OutcomeAwaitingRestart, nil)
	// The gateway may already have bounced while the mutation ran.
	return append(cmds, c.ObserveStatus(c.blocker.Status())...), nil
}

func (c *Controller) superseded(block Block, err error) error {
	c.logger.Info("mutation settled after its block was cleared",
		"kind", block.Kind, "agent_id", block.AgentID, "error", err)
	if err == nil || errors.Is(err, ErrSuperseded) {
		return fmt.Errorf("%s: %w", block.Kind, ErrSuperseded)
	}
	return fmt.Errorf("%s: %w: %w", block.Kind, ErrSuperseded, err)
}

// ObserveStatus feeds a connection status to the active block. It returns a
// CommandFinalizeRestart once an awaiting restart completes.
func (c *Controller) ObserveStatus(status fleet.ConnectionStatus) []Command {
	_, ticket, ok := c.blocker.Observe(status)
	if !ok {
		return nil
	}
	block, active := c.blocker.Active()
	if !active {
		return nil
	}
	c.logger.Info("gateway restart observed", "kind", block.Kind, "agent_id", block.AgentID)
	return []Command{{Type: CommandFinalizeRestart, BlockID: block.ID, Kind: block.Kind, AgentID: block.AgentID, Ticket: ticket}}
}

// FinalizeRestart runs finalize for a completed restart and clears the block
// if nothing changed meanwhile. A stale ticket makes it a no-op.
func (c *Controller) FinalizeRestart(ctx context.Context, t guard.Ticket, finalize func(ctx context.Context) error) ([]Command, error) {
	if !t.Current() {
		return nil, nil
	}
	block, ok := c.blocker.Active()
	if !ok {
		return nil, nil
	}
	if err := finalize(ctx); err != nil {
		return nil, fmt.Errorf("finalizing %s: %w", block.Kind, err)
	}
	if !c.blocker.ClearIfCurrent(t) {
		c.logger.Debug("restart finalize superseded", "kind", block.Kind, "agent_id", block.AgentID)
		return nil, nil
	}
	c.record(block.Kind, OutcomeRestarted)
	return ResolveOutcome(block, OutcomeRestarted, nil), nil
}

// CheckTimeout returns a CommandTimeout the first time the active block
// exceeds its maximum wait. The block is left in place.
func (c *Controller) CheckTimeout() []Command {
	block, sig, ok := c.blocker.CheckTimeout()
	if !ok {
		return nil
	}
	c.record(block.Kind, OutcomeTimedOut)
	c.logger.Warn("mutation timed out", "kind", block.Kind, "agent_id", block.AgentID, "phase", block.Phase)
	return []Command{{Type: CommandTimeout, BlockID: block.ID, Kind: block.Kind, AgentID: block.AgentID, Signal: sig}}
}

// ReleaseBlock drops block id and lets the queue resume. It reports false,
// leaving any newer block in place, if id is no longer active.
func (c *Controller) ReleaseBlock(id uint64) bool {
	return c.blocker.Release(id)
}

// Active returns the active block.
func (c *Controller) Active() (Block, bool) {
	return c.blocker.Active()
}

func (c *Controller) record(kind Kind, outcome Outcome) {
	if c.observer != nil {
		c.observer.ObserveMutation(string(kind), string(outcome))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

