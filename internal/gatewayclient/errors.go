// ABOUTME: Typed gateway RPC errors and the predicates that classify them.
// ABOUTME: IsDisconnect marks transient transport failures; IsUnknownApproval marks approval races.

package gatewayclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotConnected is returned by calls made while no connection is up.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("gateway client closed")
)

// Error codes the console distinguishes.
const (
	CodeDisconnected   = "DISCONNECTED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// Error is a failed gateway call.
type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsDisconnect reports whether err comes from the connection going away
// rather than from the gateway rejecting the call.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClosed) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code == CodeDisconnected || gwErr.Code == CodeUnavailable
	}
	return false
}

// IsUnknownApproval reports whether the gateway rejected an approval id it
// does not know, typically because it was already resolved or expired.
func IsUnknownApproval(err error) bool {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return false
	}
	msg := strings.ToLower(gwErr.Message)
	switch gwErr.Code {
	case CodeNotFound:
		return true
	case CodeInvalidRequest:
		return strings.Contains(msg, "unknown approval") || strings.Contains(msg, "unknown exec approval")
	}
	return false
}
