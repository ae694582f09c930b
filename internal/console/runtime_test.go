// ABOUTME: Tests for the console runtime against a scripted fake gateway.
// ABOUTME: Covers fleet load, mutations, restart await, approvals, chat stream, reconciliation, and setup retry.

package console

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-console/internal/approvals"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/mutation"
	"github.com/2389/coven-console/internal/setup"
	"github.com/2389/coven-console/internal/transcript"
)

const mainKey = "agent:main:main"

func newTestRuntime(t *testing.T, gw *fakeGateway, opts Options) *Runtime {
	t.Helper()
	opts.Logger = testLogger()
	if opts.Scope == "" {
		opts.Scope = "ws://gateway.test"
	}
	r := New(gw, opts)
	t.Cleanup(func() {
		r.wg.Wait()
		r.Close()
	})
	return r
}

func seedAgents(gw *fakeGateway) {
	gw.set(func(f *fakeGateway) {
		f.agents = []fleet.Seed{
			{AgentID: "main", Name: "Main", SessionKey: mainKey},
			{AgentID: "ops", Name: "Ops", SessionKey: "agent:ops:main"},
		}
		f.defaultID = "main"
	})
}

func loadFleet(t *testing.T, r *Runtime) {
	t.Helper()
	require.NoError(t, r.LoadFleet(t.Context()))
	r.wg.Wait()
}

func drainNotices(r *Runtime) []Notice {
	var out []Notice
	for {
		select {
		case n := <-r.notices:
			out = append(out, n)
		default:
			return out
		}
	}
}

func hasNotice(notices []Notice, level Level, substr string) bool {
	for _, n := range notices {
		if n.Level == level && strings.Contains(n.Message, substr) {
			return true
		}
	}
	return false
}

func startRun(r *Runtime, id, runID string) {
	r.fleet.Dispatch(fleet.UpdateAgent{AgentID: id, Patch: fleet.Patch{
		Status:         fleet.Ptr(fleet.StatusRunning),
		RunID:          fleet.Ptr(runID),
		RunStartedAt:   fleet.Ptr(int64(1)),
		SessionCreated: fleet.Ptr(true),
	}})
}

func mustAgent(t *testing.T, r *Runtime, id string) fleet.AgentRecord {
	t.Helper()
	rec, ok := r.fleet.Agent(id)
	require.True(t, ok, "agent %s not in fleet", id)
	return rec
}

func event(t *testing.T, name string, payload any) gatewayclient.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return gatewayclient.Event{Name: name, Payload: data}
}

func TestLoadFleet_HydratesAndSelectsDefault(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) { f.defaultID = "ops" })
	r := newTestRuntime(t, gw, Options{Local: true})

	loadFleet(t, r)

	state := r.fleet.Snapshot()
	assert.True(t, state.Loaded)
	assert.Equal(t, []string{"main", "ops"}, state.AgentIDs())
	assert.Equal(t, "ops", state.SelectedAgentID)
}

func TestRename_LocalGatewayCompletes(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	require.NoError(t, r.Rename(t.Context(), "ops", " Operations "))

	gw.get(func(f *fakeGateway) {
		assert.Equal(t, "Operations", f.renames["ops"])
		assert.Equal(t, 2, f.listCalls, "completion reloads the fleet")
	})
	assert.Equal(t, "Operations", mustAgent(t, r, "ops").Name)
	_, active := r.ActiveMutation()
	assert.False(t, active)
}

func TestRename_Validation(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	err := r.Rename(t.Context(), "ghost", "Name")
	assert.ErrorIs(t, err, ErrUnknownAgent)

	err = r.Rename(t.Context(), "ops", "   ")
	assert.Error(t, err)
}

func TestRename_FailureReportsAndClearsBlock(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) { f.renameErr = errors.New("name already taken") })
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	err := r.Rename(t.Context(), "ops", "Main")
	require.Error(t, err)

	assert.True(t, hasNotice(drainNotices(r), LevelError, "name already taken"))
	_, active := r.ActiveMutation()
	assert.False(t, active)
}

func TestRename_RemoteGatewayAwaitsRestart(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: false})
	loadFleet(t, r)

	require.NoError(t, r.Rename(t.Context(), "ops", "Operations"))

	block, active := r.ActiveMutation()
	require.True(t, active)
	assert.Equal(t, mutation.PhaseAwaitingRestart, block.Phase)
	assert.True(t, hasNotice(drainNotices(r), LevelInfo, "Waiting for the gateway to restart"))

	r.handleStatus(t.Context(), fleet.Connecting)
	_, active = r.ActiveMutation()
	assert.True(t, active, "block holds until the gateway is back")

	r.handleStatus(t.Context(), fleet.Connected)
	r.wg.Wait()

	_, active = r.ActiveMutation()
	assert.False(t, active)
	assert.Equal(t, "Operations", mustAgent(t, r, "ops").Name)
	assert.Equal(t, fleet.PaneFleet, r.fleet.Snapshot().Focus)
}

func TestMutationTimeout_ForceClearsBlock(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: false, RestartMaxWait: time.Millisecond})
	loadFleet(t, r)

	require.NoError(t, r.Rename(t.Context(), "ops", "Operations"))
	_, active := r.ActiveMutation()
	require.True(t, active)

	time.Sleep(5 * time.Millisecond)
	r.runMutationCommands(t.Context(), r.mutations.CheckTimeout())
	r.wg.Wait()

	_, active = r.ActiveMutation()
	assert.False(t, active)
	assert.True(t, hasNotice(drainNotices(r), LevelError, "Timed out"))
}

func TestCreate_PendingSetupThenRetry(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) {
		f.createID = "scout"
		f.applyErr = errors.New("files.set failed")
	})
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	res, err := r.Create(t.Context(), "Scout", setup.Setup{ToolProfile: "coding"})
	require.NoError(t, err)
	r.wg.Wait()

	assert.Equal(t, "scout", res.AgentID)
	assert.Equal(t, setup.StatusPending, res.SetupStatus)
	assert.Equal(t, "files.set failed", res.SetupErrorMessage)
	require.Len(t, r.PendingSetups(), 1)
	assert.Equal(t, "scout", r.PendingSetups()[0].AgentID)
	assert.True(t, hasNotice(drainNotices(r), LevelError, "setup is pending"))

	gw.set(func(f *fakeGateway) { f.applyErr = nil })
	retry, err := r.RetrySetup(t.Context(), "scout")
	require.NoError(t, err)
	assert.True(t, retry.Applied)
	assert.Empty(t, r.PendingSetups())
}

func TestCreate_RemotePendingSetupRetriedAfterRestart(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) {
		f.createID = "scout"
		f.applyErr = errors.New("files.set failed")
	})
	r := newTestRuntime(t, gw, Options{Local: false})
	loadFleet(t, r)

	res, err := r.Create(t.Context(), "Scout", setup.Setup{ToolProfile: "coding"})
	require.NoError(t, err)
	assert.Equal(t, setup.StatusPending, res.SetupStatus)
	block, active := r.ActiveMutation()
	require.True(t, active)
	assert.Equal(t, mutation.PhaseAwaitingRestart, block.Phase)
	require.Len(t, r.PendingSetups(), 1)

	gw.set(func(f *fakeGateway) { f.applyErr = nil })
	r.handleStatus(t.Context(), fleet.Disconnected)
	r.handleStatus(t.Context(), fleet.Connected)
	r.wg.Wait()

	_, active = r.ActiveMutation()
	assert.False(t, active)
	assert.Empty(t, r.PendingSetups(), "setup applied once the create block cleared")
	gw.get(func(f *fakeGateway) {
		assert.Equal(t, 2, f.applyCalls)
	})
}

func TestMutationTimeout_LateCompletionKeepsQueueOpen(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: false, RestartMaxWait: time.Millisecond})
	loadFleet(t, r)

	started := make(chan struct{})
	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- r.submit(t.Context(), mutation.Request{
			Kind:    mutation.KindRename,
			AgentID: "ops",
			Execute: func(context.Context) error {
				close(started)
				<-hold
				return nil
			},
		})
	}()
	<-started

	time.Sleep(5 * time.Millisecond)
	r.runMutationCommands(t.Context(), r.mutations.CheckTimeout())
	_, active := r.ActiveMutation()
	require.False(t, active)
	close(hold)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, mutation.ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("late mutation never settled")
	}
	r.wg.Wait()

	assert.False(t, r.queue.Conditions().RestartBlockActive)
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Rename(ctx, "main", "Primary"))
	block, active := r.ActiveMutation()
	require.True(t, active)
	assert.Equal(t, "main", block.AgentID)
}

func TestDelete_DiscardsPendingSetup(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) {
		f.createID = "scout"
		f.applyErr = errors.New("files.set failed")
	})
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	_, err := r.Create(t.Context(), "Scout", setup.Setup{})
	require.NoError(t, err)
	r.wg.Wait()
	require.Len(t, r.PendingSetups(), 1)

	require.NoError(t, r.Delete(t.Context(), "scout"))
	r.wg.Wait()

	assert.Empty(t, r.PendingSetups())
	_, ok := r.fleet.Agent("scout")
	assert.False(t, ok)
	gw.get(func(f *fakeGateway) {
		assert.Equal(t, []string{"scout"}, f.deletes)
	})
}

func requestedPayload(id, sessionKey, ask string) map[string]any {
	return map[string]any{
		"id": id,
		"request": map[string]any{
			"command":    "rm -rf build",
			"sessionKey": sessionKey,
			"ask":        ask,
		},
		"createdAtMs": 1,
		"expiresAtMs": time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestApprovals_PauseAndSingleFollowUp(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-1")

	r.handleEvent(t.Context(), event(t, approvals.EventRequested, requestedPayload("appr-1", mainKey, "always")))

	assert.Equal(t, "run-1", mustAgent(t, r, "main").PausedRunID)
	pending := r.Approvals()
	require.Len(t, pending, 1)
	assert.Equal(t, "main", pending[0].AgentID)

	require.NoError(t, r.ResolveApproval(t.Context(), "appr-1", approvals.AllowOnce))

	gw.get(func(f *fakeGateway) {
		require.Len(t, f.sends, 1)
		assert.Equal(t, mainKey, f.sends[0].SessionKey)
		assert.Contains(t, f.sends[0].Message, "appr-1")
		assert.Contains(t, f.sends[0].Message, "rm -rf build")
	})
	assert.Empty(t, mustAgent(t, r, "main").PausedRunID)
	assert.Empty(t, r.Approvals())

	// Double submit: the gateway accepts it again, but no second follow-up goes out.
	require.NoError(t, r.ResolveApproval(t.Context(), "appr-1", approvals.AllowOnce))
	r.handleEvent(t.Context(), event(t, approvals.EventResolved, map[string]any{"id": "appr-1", "decision": "allow-once"}))
	gw.get(func(f *fakeGateway) {
		assert.Len(t, f.sends, 1)
	})
}

func TestApprovals_UnknownOnGatewayIsSilent(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) {
		f.resolveErr = &gatewayclient.Error{Code: gatewayclient.CodeNotFound, Message: "unknown approval"}
	})
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	r.handleEvent(t.Context(), event(t, approvals.EventRequested, requestedPayload("appr-1", mainKey, "")))
	require.Len(t, r.Approvals(), 1)

	require.NoError(t, r.ResolveApproval(t.Context(), "appr-1", approvals.AllowOnce))
	assert.Empty(t, r.Approvals())
	gw.get(func(f *fakeGateway) {
		assert.Empty(t, f.sends)
	})
}

func TestApprovals_DenyEventRemovesWithoutFollowUp(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-1")

	r.handleEvent(t.Context(), event(t, approvals.EventRequested, requestedPayload("appr-2", mainKey, "always")))
	require.Equal(t, "run-1", mustAgent(t, r, "main").PausedRunID)

	r.handleEvent(t.Context(), event(t, approvals.EventResolved, map[string]any{"id": "appr-2", "decision": "deny"}))

	assert.Empty(t, r.Approvals())
	assert.Empty(t, mustAgent(t, r, "main").PausedRunID)
	gw.get(func(f *fakeGateway) {
		assert.Empty(t, f.sends)
	})
}

func TestApprovals_UnscopedClaimedOnLoad(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})

	r.handleEvent(t.Context(), event(t, approvals.EventRequested, requestedPayload("appr-3", mainKey, "")))
	require.Len(t, r.Approvals(), 1)
	assert.Empty(t, r.Approvals()[0].AgentID)

	loadFleet(t, r)

	require.Len(t, r.Approvals(), 1)
	assert.Equal(t, "main", r.Approvals()[0].AgentID)
}

func TestApprovals_ExpiredAreSwept(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	now := time.Now()
	r := newTestRuntime(t, gw, Options{Local: true, Now: func() time.Time { return now }})
	loadFleet(t, r)

	payload := requestedPayload("appr-4", mainKey, "")
	payload["expiresAtMs"] = now.Add(-time.Second).UnixMilli()
	r.handleEvent(t.Context(), event(t, approvals.EventRequested, payload))
	require.Len(t, r.Approvals(), 1)

	r.sweepApprovals()
	assert.Empty(t, r.Approvals())
}

func chatPayload(state, runID, text string) map[string]any {
	return map[string]any{
		"runId":      runID,
		"sessionKey": mainKey,
		"state":      state,
		"message":    map[string]any{"role": "assistant", "content": text},
	}
}

func TestChat_StreamThenFinalConverges(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) {
		f.history[mainKey] = []gatewayclient.ChatMessage{
			{ID: "u1", Role: "user", Text: "hello", TimestampMs: 1},
			{ID: "a1", Role: "assistant", Text: "done", RunID: "run-1", TimestampMs: 3},
		}
	})
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	r.handleEvent(t.Context(), event(t, gatewayclient.EventChat, chatPayload("delta", "run-1", "do")))
	r.FlushPatches()

	rec := mustAgent(t, r, "main")
	assert.Equal(t, fleet.StatusRunning, rec.Status)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, "do", rec.StreamText)

	r.handleEvent(t.Context(), event(t, gatewayclient.EventChat, chatPayload("final", "run-1", "done")))
	r.wg.Wait()

	rec = mustAgent(t, r, "main")
	assert.Equal(t, fleet.StatusIdle, rec.Status)
	assert.Empty(t, rec.RunID)
	assert.Empty(t, rec.StreamText)

	var assistant int
	for _, e := range rec.TranscriptEntries {
		if e.Kind == transcript.KindAssistant {
			assistant++
			assert.Equal(t, "run:run-1:assistant", e.EntryID)
		}
	}
	assert.Equal(t, 1, assistant, "live and history copies converge")
	assert.Len(t, rec.TranscriptEntries, 2)
}

func TestChat_ErrorEndsRun(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-1")

	payload := chatPayload("error", "run-1", "")
	payload["errorMessage"] = "model overloaded"
	r.handleEvent(t.Context(), event(t, gatewayclient.EventChat, payload))

	rec := mustAgent(t, r, "main")
	assert.Equal(t, fleet.StatusError, rec.Status)
	assert.Empty(t, rec.RunID)
	require.NotEmpty(t, rec.OutputLines)
	assert.Equal(t, "[error] model overloaded", rec.OutputLines[len(rec.OutputLines)-1])
}

func TestChat_EndOfSupersededRunIgnored(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-2")

	r.handleEvent(t.Context(), event(t, gatewayclient.EventChat, chatPayload("aborted", "run-1", "")))

	rec := mustAgent(t, r, "main")
	assert.Equal(t, fleet.StatusRunning, rec.Status)
	assert.Equal(t, "run-2", rec.RunID)
}

func TestReconcile_SharedRunProbedOnce(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) { f.waitStatus["run-shared"] = "ok" })
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-shared")
	startRun(r, "ops", "run-shared")

	r.reconcileRuns(t.Context())
	r.wg.Wait()

	gw.get(func(f *fakeGateway) {
		assert.Equal(t, []string{"run-shared"}, f.waitCalls)
	})
	assert.Equal(t, fleet.StatusIdle, mustAgent(t, r, "main").Status)
	assert.Empty(t, mustAgent(t, r, "main").RunID)
	assert.Equal(t, fleet.StatusRunning, mustAgent(t, r, "ops").Status)
}

func TestReconcile_TerminalResultSparesNewerRun(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) { f.waitStatus["run-1"] = "ok" })
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-1")

	cmds := r.reconciler.Reconcile(t.Context(), r.fleet.Snapshot().Agents, r.fleet.Agent)
	require.NotEmpty(t, cmds)

	startRun(r, "main", "run-2")
	r.patches.Enqueue("main", fleet.Patch{RunID: fleet.Ptr("run-2"), StreamText: fleet.Ptr("working")})
	r.runReconcileCommands(t.Context(), cmds)
	r.FlushPatches()

	rec := mustAgent(t, r, "main")
	assert.Equal(t, fleet.StatusRunning, rec.Status)
	assert.Equal(t, "run-2", rec.RunID)
	assert.Equal(t, "working", rec.StreamText)
}

func TestReconcile_SkippedWhileDisconnected(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)
	startRun(r, "main", "run-1")

	r.handleStatus(t.Context(), fleet.Disconnected)
	r.reconcileRuns(t.Context())
	r.wg.Wait()

	gw.get(func(f *fakeGateway) {
		assert.Empty(t, f.waitCalls)
	})
}

func TestSend_OptimisticEntryConfirmedByHistory(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	runID, err := r.Send(t.Context(), "main", "hi there")
	require.NoError(t, err)

	var key string
	gw.get(func(f *fakeGateway) {
		require.Len(t, f.sends, 1)
		key = f.sends[0].IdempotencyKey
	})
	assert.Equal(t, "run-"+key, runID)

	rec := mustAgent(t, r, "main")
	require.Len(t, rec.TranscriptEntries, 1)
	assert.Equal(t, key, rec.TranscriptEntries[0].EntryID)
	assert.False(t, rec.TranscriptEntries[0].Confirmed)
	assert.Equal(t, "> hi there", rec.TranscriptEntries[0].Text)
	assert.Equal(t, runID, rec.RunID)

	gw.set(func(f *fakeGateway) {
		f.history[mainKey] = []gatewayclient.ChatMessage{{ID: key, Role: "user", Text: "hi there", TimestampMs: 5}}
	})
	r.refreshHistory(t.Context(), "main")

	rec = mustAgent(t, r, "main")
	require.Len(t, rec.TranscriptEntries, 1)
	assert.True(t, rec.TranscriptEntries[0].Confirmed)
	assert.Equal(t, transcript.SourceHistory, rec.TranscriptEntries[0].Source)
}

func TestSend_FailureAppendsError(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) { f.sendErr = errors.New("rate limited") })
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	_, err := r.Send(t.Context(), "main", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending to main")

	rec := mustAgent(t, r, "main")
	require.Len(t, rec.TranscriptEntries, 2)
	assert.Equal(t, transcript.KindError, rec.TranscriptEntries[1].Kind)
	assert.Equal(t, fleet.StatusIdle, rec.Status)
}

func multiStepRun() []gatewayclient.ChatMessage {
	return []gatewayclient.ChatMessage{
		{ID: "u1", Role: "user", Text: "build it", TimestampMs: 1},
		{ID: "m2", Role: "assistant", Text: "Running the tests first.", RunID: "run-1", TimestampMs: 2},
		{ID: "m3", Role: "toolResult", Text: "ok", RunID: "run-1", TimestampMs: 3},
		{ID: "m4", Role: "assistant", Text: "All green, done.", RunID: "run-1", TimestampMs: 4},
	}
}

func TestRefreshHistory_KeepsEveryMessageOfARun(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	gw.set(func(f *fakeGateway) { f.history[mainKey] = multiStepRun() })
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	r.refreshHistory(t.Context(), "main")
	r.refreshHistory(t.Context(), "main")

	want := []string{"> build it", "Running the tests first.", "[tool] ok", "All green, done."}
	assert.Equal(t, want, mustAgent(t, r, "main").OutputLines)
}

func TestRefreshHistory_PlacesStreamedFinalAfterToolOutput(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	startRun(r, "main", "run-1")
	r.handleEvent(t.Context(), event(t, gatewayclient.EventChat, chatPayload("final", "run-1", "All green, done.")))
	r.wg.Wait()
	require.Equal(t, []string{"All green, done."}, mustAgent(t, r, "main").OutputLines)

	gw.set(func(f *fakeGateway) { f.history[mainKey] = multiStepRun() })
	r.refreshHistory(t.Context(), "main")

	rec := mustAgent(t, r, "main")
	assert.Equal(t, []string{"> build it", "Running the tests first.", "[tool] ok", "All green, done."}, rec.OutputLines)
	assert.Len(t, rec.TranscriptEntries, 4)
}

func TestRefreshHistory_DropsStaleEpoch(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true})
	loadFleet(t, r)

	gw.set(func(f *fakeGateway) {
		f.history[mainKey] = []gatewayclient.ChatMessage{{ID: "u1", Role: "user", Text: "old", TimestampMs: 1}}
		f.onHistory = func() { require.NoError(t, r.ResetSession("main", "")) }
	})
	r.refreshHistory(t.Context(), "main")

	rec := mustAgent(t, r, "main")
	assert.Empty(t, rec.TranscriptEntries)
	assert.Equal(t, 1, rec.SessionEpoch)
}

func TestRun_ConsumesEventsStatusesAndGaps(t *testing.T) {
	gw := newFakeGateway()
	seedAgents(gw)
	r := newTestRuntime(t, gw, Options{Local: true, ReconcileInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return r.fleet.Snapshot().Loaded }, 2*time.Second, 10*time.Millisecond)

	gw.events <- event(t, approvals.EventRequested, requestedPayload("appr-5", mainKey, ""))
	assert.Eventually(t, func() bool { return len(r.Approvals()) == 1 }, 2*time.Second, 10*time.Millisecond)

	var before int
	gw.get(func(f *fakeGateway) { before = f.listCalls })
	gw.gaps <- gatewayclient.Gap{Expected: 4, Received: 7}
	assert.Eventually(t, func() bool {
		var calls int
		gw.get(func(f *fakeGateway) { calls = f.listCalls })
		return calls > before
	}, 2*time.Second, 10*time.Millisecond)

	gw.statuses <- fleet.Disconnected
	assert.Eventually(t, func() bool { return r.Status() == fleet.Disconnected }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
