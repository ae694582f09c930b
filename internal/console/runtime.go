// ABOUTME: Runtime construction and the event loop driving the synchronization engine.
// ABOUTME: Routes statuses, events, gaps and ticks to the fleet, mutation, reconcile, approval and setup components.

package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/dedupe"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/metrics"
	"github.com/2389/coven-console/internal/mutation"
	"github.com/2389/coven-console/internal/reconcile"
	"github.com/2389/coven-console/internal/setup"
	"github.com/2389/coven-console/internal/store"
)

// ErrUnknownAgent is returned by operations naming an agent not in the fleet.
var ErrUnknownAgent = errors.New("unknown agent")

const (
	noticeBufferSize    = 64
	defaultHistoryLimit = 200
	followUpCacheSize   = 1024
)

// Options configures a Runtime. Zero durations take defaults.
type Options struct {
	// Scope identifies the gateway for persisted pending setups.
	Scope string
	// Local gateways apply config in-process and never restart.
	Local bool

	RestartMaxWait        time.Duration
	ReconcileInterval     time.Duration
	ProbeTimeout          time.Duration
	PatchFlushInterval    time.Duration
	ApprovalSweepInterval time.Duration
	TimeoutCheckInterval  time.Duration
	DedupeTTL             time.Duration
	HistoryLimit          int

	Store   store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.RestartMaxWait <= 0 {
		o.RestartMaxWait = 90 * time.Second
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 3 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = time.Second
	}
	if o.PatchFlushInterval <= 0 {
		o.PatchFlushInterval = 50 * time.Millisecond
	}
	if o.ApprovalSweepInterval <= 0 {
		o.ApprovalSweepInterval = 5 * time.Second
	}
	if o.TimeoutCheckInterval <= 0 {
		o.TimeoutCheckInterval = time.Second
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 5 * time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = defaultHistoryLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Runtime is the console's synchronization engine bound to one gateway.
type Runtime struct {
	gw   Gateway
	opts Options

	fleet      *fleet.Store
	patches    *fleet.PatchQueue
	queue      *mutation.Queue
	mutations  *mutation.Controller
	reconciler *reconcile.Reconciler
	book       *approvals.Book
	resolver   *approvals.Resolver
	followUps  *dedupe.Cache
	setups     *setup.Manager
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu          sync.Mutex
	status      fleet.ConnectionStatus
	loadedScope string

	reconciling atomic.Bool
	retrying    atomic.Bool
	retryAgain  atomic.Bool

	notices chan Notice
	wg      sync.WaitGroup
}

// New creates a runtime for gw.
func New(gw Gateway, opts Options) *Runtime {
	opts.defaults()
	logger := opts.Logger

	r := &Runtime{
		gw:        gw,
		opts:      opts,
		fleet:     fleet.NewStore(logger),
		patches:   fleet.NewPatchQueue(),
		queue:     mutation.NewQueue(logger),
		book:      approvals.NewBook(opts.Metrics),
		followUps: dedupe.New(opts.DedupeTTL, followUpCacheSize),
		metrics:   opts.Metrics,
		logger:    logger.With("component", "console"),
		status:    gw.Status(),
		notices:   make(chan Notice, noticeBufferSize),
	}

	r.queue.OnDepthChange(opts.Metrics.ObserveQueueDepth)
	r.queue.SetStatus(r.status)
	r.mutations = mutation.NewController(mutation.NewBlocker(opts.RestartMaxWait), r.queue, opts.Metrics, logger)
	r.mutations.ObserveStatus(r.status)
	r.reconciler = reconcile.New(reconcile.NewClaimSet(), gw, reconcile.Options{
		ProbeTimeout: opts.ProbeTimeout,
		IsDisconnect: gatewayclient.IsDisconnect,
		Observer:     opts.Metrics,
		Logger:       logger,
	})
	r.resolver = approvals.NewResolver(gw, r.book, r.followUps, approvals.ResolverOptions{
		IsUnknownApproval: gatewayclient.IsUnknownApproval,
		Logger:            logger,
	})
	r.setups = setup.NewManager(gw, opts.Store, setup.Options{
		Scope:        opts.Scope,
		Local:        opts.Local,
		IsDisconnect: gatewayclient.IsDisconnect,
		Logger:       logger,
	})

	r.fleet.OnChange(func(s fleet.State) {
		r.queue.SetAgentsRunning(fleet.AnyRunning(s.Agents))
	})
	r.metrics.ObserveConnected(r.status == fleet.Connected)
	return r
}

// Fleet returns the fleet store.
func (r *Runtime) Fleet() *fleet.Store { return r.fleet }

// Notices delivers operator-facing messages.
func (r *Runtime) Notices() <-chan Notice { return r.notices }

// Approvals returns the outstanding exec approvals.
func (r *Runtime) Approvals() []approvals.Approval { return r.book.All() }

// PendingSetups returns the setups waiting to be applied.
func (r *Runtime) PendingSetups() []setup.Pending { return r.setups.List() }

// ActiveMutation returns the mutation currently holding the block.
func (r *Runtime) ActiveMutation() (mutation.Block, bool) { return r.mutations.Active() }

// Status returns the last connection status the runtime observed.
func (r *Runtime) Status() fleet.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Start loads persisted pending setups. Call before Run.
func (r *Runtime) Start(ctx context.Context) error {
	return r.setups.Load(ctx)
}

// Run drives the event loop until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	defer r.wg.Wait()

	flush := time.NewTicker(r.opts.PatchFlushInterval)
	defer flush.Stop()
	reconcileTick := time.NewTicker(r.opts.ReconcileInterval)
	defer reconcileTick.Stop()
	timeoutTick := time.NewTicker(r.opts.TimeoutCheckInterval)
	defer timeoutTick.Stop()
	sweep := time.NewTicker(r.opts.ApprovalSweepInterval)
	defer sweep.Stop()

	if r.Status() == fleet.Connected {
		r.background(ctx, r.resync)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-r.gw.Statuses():
			r.handleStatus(ctx, s)
		case ev := <-r.gw.Events():
			r.handleEvent(ctx, ev)
		case gap := <-r.gw.Gaps():
			r.logger.Warn("missed gateway events, resyncing", "expected", gap.Expected, "received", gap.Received)
			r.background(ctx, r.resync)
		case <-flush.C:
			r.FlushPatches()
		case <-reconcileTick.C:
			r.reconcileRuns(ctx)
		case <-timeoutTick.C:
			r.runMutationCommands(ctx, r.mutations.CheckTimeout())
		case <-sweep.C:
			r.sweepApprovals()
		}
	}
}

// Close releases the runtime's resources. Run must have returned.
func (r *Runtime) Close() {
	r.queue.Close()
	r.fleet.Close()
	r.followUps.Close()
}

func (r *Runtime) handleStatus(ctx context.Context, s fleet.ConnectionStatus) {
	r.mu.Lock()
	prev := r.status
	r.status = s
	r.mu.Unlock()
	if prev == s {
		return
	}

	r.logger.Debug("gateway status", "status", s)
	r.metrics.ObserveConnected(s == fleet.Connected)
	r.queue.SetStatus(s)
	r.runMutationCommands(ctx, r.mutations.ObserveStatus(s))

	if s == fleet.Connected {
		r.background(ctx, r.resync)
	}
}

// background runs fn on its own goroutine; Run waits for it on exit.
func (r *Runtime) background(ctx context.Context, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(ctx)
	}()
}

// resync reloads the fleet and every transcript. Transcript reconciliation
// makes the replay idempotent.
func (r *Runtime) resync(ctx context.Context) {
	if err := r.LoadFleet(ctx); err != nil {
		if !gatewayclient.IsDisconnect(err) {
			r.logger.Warn("fleet resync failed", "error", err)
		}
		return
	}
	for _, id := range r.fleet.Snapshot().AgentIDs() {
		r.refreshHistory(ctx, id)
	}
}

// FlushPatches applies every queued live patch.
func (r *Runtime) FlushPatches() {
	for _, u := range r.patches.Drain() {
		r.fleet.Dispatch(u)
	}
}

func (r *Runtime) reconcileRuns(ctx context.Context) {
	if r.Status() != fleet.Connected {
		return
	}
	if !r.reconciling.CompareAndSwap(false, true) {
		return
	}
	agents := r.fleet.Snapshot().Agents
	r.background(ctx, func(ctx context.Context) {
		defer r.reconciling.Store(false)
		cmds := r.reconciler.Reconcile(ctx, agents, r.fleet.Agent)
		r.runReconcileCommands(ctx, cmds)
	})
}

func (r *Runtime) sweepApprovals() {
	for _, a := range r.book.PruneExpired(r.nowMs()) {
		r.logger.Info("exec approval expired", "approval_id", a.ID, "agent_id", a.AgentID)
		if a.AgentID != "" {
			r.unpauseIfClear(a.AgentID)
		}
	}
}

// triggerAutoRetry runs a pending setup retry pass. A trigger that lands
// while a pass is running makes that pass run again once it finishes.
func (r *Runtime) triggerAutoRetry(ctx context.Context) {
	r.retryAgain.Store(true)
	if !r.retrying.CompareAndSwap(false, true) {
		return
	}
	r.background(ctx, func(ctx context.Context) {
		for {
			r.retryAgain.Store(false)
			r.autoRetryPass(ctx)
			r.retrying.Store(false)
			if !r.retryAgain.Load() || !r.retrying.CompareAndSwap(false, true) {
				return
			}
		}
	})
}

func (r *Runtime) autoRetryPass(ctx context.Context) {
	block, active := r.mutations.Active()
	r.mu.Lock()
	cond := setup.RetryConditions{
		Connected:         r.status == fleet.Connected,
		FleetLoaded:       r.fleet.Snapshot().Loaded,
		LoadedScope:       r.loadedScope,
		CreateBlockActive: active && block.Kind == mutation.KindCreate,
	}
	r.mu.Unlock()

	for _, n := range r.setups.AutoRetry(ctx, cond) {
		r.notify(Notice{Level: LevelError, AgentID: n.AgentID, Message: n.Message})
	}
}

func (r *Runtime) nowMs() int64 {
	return r.opts.Now().UnixMilli()
}
