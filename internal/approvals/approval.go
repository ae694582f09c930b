// ABOUTME: Approval and decision types plus boundary parsing of approval event payloads.
// ABOUTME: Every field is narrowed explicitly; malformed payloads are rejected, not guessed at.

package approvals

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Gateway event names.
const (
	EventRequested = "exec.approval.requested"
	EventResolved  = "exec.approval.resolved"
)

// Decision is the operator's answer to an approval request.
type Decision string

const (
	AllowOnce   Decision = "allow-once"
	AllowAlways Decision = "allow-always"
	Deny        Decision = "deny"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case AllowOnce, AllowAlways, Deny:
		return d, nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Allows reports whether d lets the command run.
func (d Decision) Allows() bool {
	return d == AllowOnce || d == AllowAlways
}

// Approval is one outstanding exec approval request.
type Approval struct {
	ID           string
	AgentID      string // empty until an agent claims it
	SessionKey   string
	Command      string
	Cwd          string
	Host         string
	Security     string
	Ask          string
	ResolvedPath string
	CreatedAtMs  int64
	ExpiresAtMs  int64

	Resolving bool
	Error     string
}

// Expired reports whether a is past its expiry at nowMs.
func (a Approval) Expired(nowMs int64) bool {
	return a.ExpiresAtMs > 0 && nowMs >= a.ExpiresAtMs
}

// Resolved is a decision reported by the gateway.
type Resolved struct {
	ID         string
	Decision   Decision
	ResolvedBy string
	TsMs       int64
}

var errMalformed = errors.New("malformed approval payload")

// ParseRequested decodes a requested event payload.
func ParseRequested(payload json.RawMessage) (Approval, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return Approval{}, err
	}

	id := stringField(obj, "id")
	if id == "" {
		return Approval{}, fmt.Errorf("%w: missing id", errMalformed)
	}
	req, ok := obj["request"].(map[string]any)
	if !ok {
		return Approval{}, fmt.Errorf("%w: missing request", errMalformed)
	}
	command := stringField(req, "command")
	if command == "" {
		return Approval{}, fmt.Errorf("%w: missing command", errMalformed)
	}
	createdAt, ok := intField(obj, "createdAtMs")
	if !ok {
		return Approval{}, fmt.Errorf("%w: missing createdAtMs", errMalformed)
	}
	expiresAt, ok := intField(obj, "expiresAtMs")
	if !ok {
		return Approval{}, fmt.Errorf("%w: missing expiresAtMs", errMalformed)
	}

	return Approval{
		ID:           id,
		AgentID:      stringField(req, "agentId"),
		SessionKey:   stringField(req, "sessionKey"),
		Command:      command,
		Cwd:          stringField(req, "cwd"),
		Host:         stringField(req, "host"),
		Security:     stringField(req, "security"),
		Ask:          stringField(req, "ask"),
		ResolvedPath: stringField(req, "resolvedPath"),
		CreatedAtMs:  createdAt,
		ExpiresAtMs:  expiresAt,
	}, nil
}

// ParseResolved decodes a resolved event payload.
func ParseResolved(payload json.RawMessage) (Resolved, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return Resolved{}, err
	}

	id := stringField(obj, "id")
	if id == "" {
		return Resolved{}, fmt.Errorf("%w: missing id", errMalformed)
	}
	decision, err := ParseDecision(stringField(obj, "decision"))
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	ts, _ := intField(obj, "ts")

	return Resolved{
		ID:         id,
		Decision:   decision,
		ResolvedBy: stringField(obj, "resolvedBy"),
		TsMs:       ts,
	}, nil
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", errMalformed)
	}
	return obj, nil
}

// stringField returns obj[key] trimmed if it is a string, else "".
func stringField(obj map[string]any, key string) string {
	s, ok := obj[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// intField returns obj[key] if it is a finite number.
func intField(obj map[string]any, key string) (int64, bool) {
	f, ok := obj[key].(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}
