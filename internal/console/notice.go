// ABOUTME: Operator-facing notices published by the runtime.
// ABOUTME: Delivery is best effort: a full buffer drops the notice after logging it.

package console

// Level is a notice's severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a message for the operator.
type Notice struct {
	Level   Level
	AgentID string
	Message string
}

func (r *Runtime) notify(n Notice) {
	select {
	case r.notices <- n:
	default:
		r.logger.Warn("notice dropped", "level", n.Level, "agent_id", n.AgentID, "message", n.Message)
	}
}
