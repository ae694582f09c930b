// ABOUTME: Run reconciliation pass: claim, probe, and map terminal statuses to commands.
// ABOUTME: Stale probe results are dropped by re-reading the latest agent record.

package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-console/internal/fleet"
)

// Run statuses reported by the gateway.
const (
	RunOK      = "ok"
	RunError   = "error"
	RunTimeout = "timeout"
)

// Prober asks the gateway for a run's status, waiting at most timeout.
type Prober interface {
	WaitRun(ctx context.Context, runID string, timeout time.Duration) (string, error)
}

// Observer receives probe results.
type Observer interface {
	ObserveProbe(result string)
}

// CommandType names a reconciliation side effect.
type CommandType string

const (
	CommandDispatch       CommandType = "dispatch"
	CommandRequestHistory CommandType = "request-history"
)

// Command is a side effect for the caller to execute.
type Command struct {
	Type       CommandType
	AgentID    string
	RunID      string
	SessionKey string
	End        fleet.EndRun // CommandDispatch
}

// TerminalStatus maps a terminal run status to the agent status that ends
// the run. Non-terminal or unknown statuses return false.
func TerminalStatus(status string) (fleet.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case RunOK:
		return fleet.StatusIdle, true
	case RunError:
		return fleet.StatusError, true
	default:
		return "", false
	}
}

// ShouldApply reports whether a terminal result for runID still applies to latest.
func ShouldApply(latest fleet.AgentRecord, runID string) bool {
	return latest.IsRunning() && latest.RunID == runID
}

// Eligible reports whether rec should be verified.
func Eligible(rec fleet.AgentRecord) bool {
	return rec.IsRunning() && rec.SessionCreated && strings.TrimSpace(rec.RunID) != ""
}

// Options configures a Reconciler.
type Options struct {
	ProbeTimeout time.Duration
	// IsDisconnect classifies probe errors that should be swallowed silently.
	IsDisconnect func(error) bool
	Observer     Observer
	Logger       *slog.Logger
}

// Reconciler runs reconciliation passes.
type Reconciler struct {
	claims       *ClaimSet
	prober       Prober
	timeout      time.Duration
	isDisconnect func(error) bool
	observer     Observer
	logger       *slog.Logger
}

// New creates a Reconciler sharing claims across passes.
func New(claims *ClaimSet, prober Prober, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isDisconnect := opts.IsDisconnect
	if isDisconnect == nil {
		isDisconnect = func(error) bool { return false }
	}
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Reconciler{
		claims:       claims,
		prober:       prober,
		timeout:      timeout,
		isDisconnect: isDisconnect,
		observer:     opts.Observer,
		logger:       logger.With("component", "reconcile"),
	}
}

type target struct {
	agentID    string
	runID      string
	sessionKey string
}

type probeResult struct {
	status string
	err    error
}

// Reconcile probes every eligible agent's run and returns the commands to
// apply, in agent order. latest returns the freshest record for an agent at
// the time a result arrives.
func (r *Reconciler) Reconcile(ctx context.Context, agents []fleet.AgentRecord, latest func(agentID string) (fleet.AgentRecord, bool)) []Command {
	var targets []target
	for _, a := range agents {
		if !Eligible(a) {
			continue
		}
		runID := strings.TrimSpace(a.RunID)
		if !r.claims.Claim(runID) {
			r.logger.Debug("run already being verified", "agent_id", a.AgentID, "run_id", runID)
			continue
		}
		targets = append(targets, target{agentID: a.AgentID, runID: runID, sessionKey: a.SessionKey})
	}
	if len(targets) == 0 {
		return nil
	}

	results := make([]probeResult, len(targets))
	var wg sync.WaitGroup
	for i, tgt := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := r.prober.WaitRun(ctx, tgt.runID, r.timeout)
			results[i] = probeResult{status: status, err: err}
		}()
	}
	wg.Wait()

	var cmds []Command
	for i, tgt := range targets {
		cmds = append(cmds, r.settle(tgt, results[i], latest)...)
		r.claims.Release(tgt.runID)
	}
	return cmds
}

func (r *Reconciler) settle(tgt target, res probeResult, latest func(string) (fleet.AgentRecord, bool)) []Command {
	if res.err != nil {
		if r.isDisconnect(res.err) {
			r.observe("disconnected")
			r.logger.Debug("run probe skipped while disconnected", "agent_id", tgt.agentID, "run_id", tgt.runID)
		} else {
			r.observe("failed")
			r.logger.Warn("run probe failed", "agent_id", tgt.agentID, "run_id", tgt.runID, "error", res.err)
		}
		return nil
	}

	status, terminal := TerminalStatus(res.status)
	if !terminal {
		r.observe("pending")
		return nil
	}

	rec, ok := latest(tgt.agentID)
	if !ok || !ShouldApply(rec, tgt.runID) {
		r.observe("stale")
		r.logger.Debug("dropping stale run result", "agent_id", tgt.agentID, "run_id", tgt.runID, "status", res.status)
		return nil
	}

	r.observe(strings.ToLower(strings.TrimSpace(res.status)))
	r.logger.Info("run finished on gateway", "agent_id", tgt.agentID, "run_id", tgt.runID, "status", res.status)
	return []Command{
		{
			Type:       CommandDispatch,
			AgentID:    tgt.agentID,
			RunID:      tgt.runID,
			SessionKey: rec.SessionKey,
			// The store re-checks the run when it applies this.
			End: fleet.EndRun{AgentID: tgt.agentID, RunID: tgt.runID, Status: status, Exact: true},
		},
		{
			Type:       CommandRequestHistory,
			AgentID:    tgt.agentID,
			RunID:      tgt.runID,
			SessionKey: rec.SessionKey,
		},
	}
}

func (r *Reconciler) observe(result string) {
	if r.observer != nil {
		r.observer.ObserveProbe(result)
	}
}
