// ABOUTME: Mutation block model plus the pure restart-await and timeout rules.
// ABOUTME: ObserveRestart and CheckTimeout hold no state; Blocker applies them.

package mutation

import (
	"time"

	"github.com/2389/coven-console/internal/fleet"
)

// Kind is the kind of agent mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindRename Kind = "rename"
	KindDelete Kind = "delete"
)

// Phase is where a block is in its lifecycle.
type Phase string

const (
	PhaseQueued          Phase = "queued"
	PhaseMutating        Phase = "mutating"
	PhaseAwaitingRestart Phase = "awaiting-restart"
)

// Signal is a kind-specific notification raised for an active block.
type Signal string

const (
	SignalCreateTimeout Signal = "create-timeout"
	SignalRenameTimeout Signal = "rename-timeout"
	SignalDeleteTimeout Signal = "delete-timeout"
)

// TimeoutSignal returns the timeout signal for kind.
func TimeoutSignal(kind Kind) Signal {
	return Signal(string(kind) + "-timeout")
}

// Block is the state of the active mutation.
type Block struct {
	// ID identifies this block among every block the Blocker has issued.
	ID            uint64
	Kind          Kind
	AgentID       string
	AgentName     string
	Phase         Phase
	StartedAt     time.Time
	SawDisconnect bool
}

// RestartObservation is the result of feeding one connection status into
// the restart-await rule.
type RestartObservation struct {
	SawDisconnect   bool
	RestartComplete bool
}

// ObserveRestart folds status into sawDisconnect. The restart is complete
// when the gateway is connected after at least one non-connected status.
func ObserveRestart(sawDisconnect bool, status fleet.ConnectionStatus) RestartObservation {
	saw := sawDisconnect || status != fleet.Connected
	return RestartObservation{
		SawDisconnect:   saw,
		RestartComplete: status == fleet.Connected && saw,
	}
}

// CheckTimeout reports the timeout signal for b if it has been active for at
// least maxWait. Queued blocks never time out.
func CheckTimeout(b Block, now time.Time, maxWait time.Duration) (Signal, bool) {
	if b.Phase == PhaseQueued || b.StartedAt.IsZero() {
		return "", false
	}
	if now.Sub(b.StartedAt) < maxWait {
		return "", false
	}
	return TimeoutSignal(b.Kind), true
}
