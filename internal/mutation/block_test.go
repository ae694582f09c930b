// ABOUTME: Tests for the restart-await rule, timeouts, and the Blocker.
// ABOUTME: Includes the connected/connecting/connected restart scenario and ticket revocation.

package mutation

import (
	"testing"
	"time"

	"github.com/2389/coven-console/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRestart_Sequence(t *testing.T) {
	statuses := []fleet.ConnectionStatus{fleet.Connected, fleet.Connecting, fleet.Connected}
	want := []RestartObservation{
		{SawDisconnect: false, RestartComplete: false},
		{SawDisconnect: true, RestartComplete: false},
		{SawDisconnect: true, RestartComplete: true},
	}

	saw := false
	for i, status := range statuses {
		got := ObserveRestart(saw, status)
		assert.Equal(t, want[i], got, "step %d", i)
		saw = got.SawDisconnect
	}
}

func TestObserveRestart_DisconnectIsSticky(t *testing.T) {
	got := ObserveRestart(true, fleet.Disconnected)
	assert.True(t, got.SawDisconnect)
	assert.False(t, got.RestartComplete)
}

func TestCheckTimeout(t *testing.T) {
	start := time.Unix(1000, 0)
	maxWait := 90 * time.Second

	tests := []struct {
		name  string
		block Block
		now   time.Time
		want  Signal
		fire  bool
	}{
		{"queued never fires", Block{Kind: KindCreate, Phase: PhaseQueued, StartedAt: start}, start.Add(time.Hour), "", false},
		{"under threshold", Block{Kind: KindCreate, Phase: PhaseMutating, StartedAt: start}, start.Add(maxWait - time.Millisecond), "", false},
		{"at threshold", Block{Kind: KindRename, Phase: PhaseMutating, StartedAt: start}, start.Add(maxWait), SignalRenameTimeout, true},
		{"awaiting restart", Block{Kind: KindDelete, Phase: PhaseAwaitingRestart, StartedAt: start}, start.Add(2 * maxWait), SignalDeleteTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := CheckTimeout(tt.block, tt.now, maxWait)
			assert.Equal(t, tt.fire, ok)
			assert.Equal(t, tt.want, sig)
		})
	}
}

func TestTimeoutSignal(t *testing.T) {
	assert.Equal(t, SignalCreateTimeout, TimeoutSignal(KindCreate))
	assert.Equal(t, SignalRenameTimeout, TimeoutSignal(KindRename))
	assert.Equal(t, SignalDeleteTimeout, TimeoutSignal(KindDelete))
}

func newTestBlocker(maxWait time.Duration) (*Blocker, *time.Time) {
	clock := time.Unix(5000, 0)
	b := NewBlocker(maxWait)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBlocker_SingleActiveBlock(t *testing.T) {
	b, _ := newTestBlocker(time.Minute)

	first, err := b.Begin(KindRename, "a1", "Alpha")
	require.NoError(t, err)
	_, err = b.Begin(KindDelete, "a2", "Beta")
	assert.ErrorIs(t, err, ErrBlockActive)

	block, ok := b.Active()
	require.True(t, ok)
	assert.Equal(t, KindRename, block.Kind)
	assert.Equal(t, PhaseQueued, block.Phase)

	b.Clear()
	_, ok = b.Active()
	assert.False(t, ok)
	second, err := b.Begin(KindDelete, "a2", "Beta")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
}

func TestBlocker_TimeoutFiresOncePerPhaseStart(t *testing.T) {
	b, clock := newTestBlocker(time.Minute)
	_, err := b.Begin(KindCreate, "a1", "Alpha")
	require.NoError(t, err)

	*clock = clock.Add(time.Hour)
	_, _, ok := b.CheckTimeout()
	assert.False(t, ok, "queued blocks do not time out")

	b.Advance(PhaseMutating)
	*clock = clock.Add(59 * time.Second)
	_, _, ok = b.CheckTimeout()
	assert.False(t, ok)

	*clock = clock.Add(time.Second)
	block, sig, ok := b.CheckTimeout()
	require.True(t, ok)
	assert.Equal(t, SignalCreateTimeout, sig)
	assert.Equal(t, "a1", block.AgentID)

	_, _, ok = b.CheckTimeout()
	assert.False(t, ok, "signal is delivered once")

	_, stillActive := b.Active()
	assert.True(t, stillActive, "timeout does not clear the block")
}

func TestBlocker_RestartTicket(t *testing.T) {
	b, _ := newTestBlocker(time.Minute)
	b.Observe(fleet.Connected)
	_, err := b.Begin(KindRename, "a1", "Alpha")
	require.NoError(t, err)
	b.Advance(PhaseMutating)
	b.Advance(PhaseAwaitingRestart)

	_, _, ok := b.Observe(fleet.Connected)
	assert.False(t, ok, "no disconnect seen yet")

	obs, _, ok := b.Observe(fleet.Disconnected)
	assert.False(t, ok)
	assert.True(t, obs.SawDisconnect)

	_, ticket, ok := b.Observe(fleet.Connected)
	require.True(t, ok)
	assert.True(t, ticket.Current())

	_, _, again := b.Observe(fleet.Connected)
	assert.False(t, again, "one ticket per completed restart")

	b.Observe(fleet.Connecting)
	assert.False(t, ticket.Current(), "a new disconnect revokes the ticket")
	assert.False(t, b.ClearIfCurrent(ticket))

	_, fresh, ok := b.Observe(fleet.Connected)
	require.True(t, ok)
	assert.True(t, b.ClearIfCurrent(fresh))
	_, active := b.Active()
	assert.False(t, active)
}

func TestBlocker_DisconnectDuringMutatingCounts(t *testing.T) {
	b, _ := newTestBlocker(time.Minute)
	_, err := b.Begin(KindDelete, "a1", "Alpha")
	require.NoError(t, err)

	b.Observe(fleet.Disconnected)
	block, _ := b.Active()
	assert.False(t, block.SawDisconnect, "queued blocks do not track disconnects")

	b.Advance(PhaseMutating)
	b.Observe(fleet.Disconnected)
	b.Observe(fleet.Connected)
	b.Advance(PhaseAwaitingRestart)

	_, ticket, ok := b.Observe(fleet.Connected)
	require.True(t, ok)
	assert.True(t, ticket.Current())
}
