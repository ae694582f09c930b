// ABOUTME: Wire frames for the gateway protocol and the event types delivered to callers.
// ABOUTME: Payloads stay raw here; callers narrow them at the point of use.

package gatewayclient

import "encoding/json"

const (
	frameRequest  = "req"
	frameResponse = "res"
	frameEvent    = "event"
)

type requestFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// inboundFrame is any frame the gateway sends.
type inboundFrame struct {
	Type string `json:"type"`

	// res
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// event
	Event        string          `json:"event,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	StateVersion json.RawMessage `json:"stateVersion,omitempty"`
}

// Event is a gateway event frame.
type Event struct {
	Name         string
	Payload      json.RawMessage
	Seq          int64
	StateVersion json.RawMessage
}

// Gap reports missed events: Expected is the sequence number that should
// have arrived, Received the one that did.
type Gap struct {
	Expected int64
	Received int64
}

// Hello is the gateway's reply to the connect handshake.
type Hello struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
	Server   struct {
		Version string `json:"version"`
		ConnID  string `json:"connId"`
	} `json:"server"`
}
