// Package gatewayclient speaks the gateway's JSON control protocol over a
// WebSocket.
//
// # Frames
//
// Three frame types share one connection:
//
//	{"type":"req","id":"<uuid>","method":"agents.list","params":{...}}
//	{"type":"res","id":"<uuid>","ok":true,"payload":{...}}
//	{"type":"event","event":"chat","payload":{...},"seq":12,"stateVersion":{...}}
//
// Failed responses carry {"ok":false,"error":{"code","message","retryable","retryAfterMs"}},
// surfaced as *Error.
//
// # Connection Lifecycle
//
// Run dials, performs the connect handshake, and reads frames until the
// connection drops, then reconnects with backoff. Every transition is
// published on Statuses as disconnected, connecting or connected. Calls
// made while no connection is up fail with ErrNotConnected.
//
// # Events
//
// Event frames are delivered on Events. Frames re-delivered with a sequence
// number already seen on the current connection are dropped. A jump in
// sequence numbers, or an event dropped because the consumer fell behind,
// is reported on Gaps so the caller can resync.
//
// # Errors
//
// IsDisconnect classifies transient transport failures; IsUnknownApproval
// recognizes the gateway rejecting an approval id it no longer knows.
package gatewayclient
