// ABOUTME: Tests for chat payload narrowing and error classification.
// ABOUTME: Table-driven over well-formed and malformed payloads.

package gatewayclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatEvent(t *testing.T) {
	ev, err := ParseChatEvent(json.RawMessage(`{
		"runId": " run-1 ",
		"sessionKey": "agent:main:main",
		"state": "final",
		"message": {"role": "assistant", "content": [{"type": "text", "text": "done"}], "timestamp": 42}
	}`))
	require.NoError(t, err)
	assert.Equal(t, ChatEvent{
		RunID:       "run-1",
		SessionKey:  "agent:main:main",
		State:       ChatFinal,
		Role:        "assistant",
		Text:        "done",
		TimestampMs: 42,
	}, ev)
}

func TestParseChatEvent_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `nope`},
		{"unknown state", `{"sessionKey":"s","state":"thinking"}`},
		{"missing session key", `{"state":"delta"}`},
		{"wrong type", `{"sessionKey":5,"state":"delta"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChatEvent(json.RawMessage(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestParseChatEvent_ErrorState(t *testing.T) {
	ev, err := ParseChatEvent(json.RawMessage(`{"sessionKey":"s","state":"ERROR","errorMessage":"model overloaded"}`))
	require.NoError(t, err)
	assert.Equal(t, ChatError, ev.State)
	assert.Equal(t, "model overloaded", ev.ErrorMessage)
}

func TestIsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not connected", fmt.Errorf("agents.list: %w", ErrNotConnected), true},
		{"closed", ErrClosed, true},
		{"eof", io.EOF, true},
		{"close frame", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"dropped call", &Error{Code: CodeDisconnected}, true},
		{"unavailable", &Error{Code: CodeUnavailable, Message: "restarting"}, true},
		{"rejected", &Error{Code: CodeInvalidRequest, Message: "bad name"}, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDisconnect(tt.err))
		})
	}
}

func TestIsUnknownApproval(t *testing.T) {
	assert.True(t, IsUnknownApproval(&Error{Code: CodeNotFound}))
	assert.True(t, IsUnknownApproval(fmt.Errorf("wrapped: %w", &Error{Code: CodeInvalidRequest, Message: "Unknown approval id"})))
	assert.False(t, IsUnknownApproval(&Error{Code: CodeInvalidRequest, Message: "bad decision"}))
	assert.False(t, IsUnknownApproval(errors.New("unknown approval")))
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: gone", (&Error{Code: CodeNotFound, Message: "gone"}).Error())
	assert.Equal(t, "gone", (&Error{Message: "gone"}).Error())
	assert.Equal(t, "NOT_FOUND", (&Error{Code: CodeNotFound}).Error())
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	got, ok := TokenExpiry(signed)
	require.True(t, ok)
	assert.True(t, got.Equal(exp))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, ok = TokenExpiry(noExp)
	assert.False(t, ok)

	_, ok = TokenExpiry("opaque-token")
	assert.False(t, ok)

	_, ok = TokenExpiry("")
	assert.False(t, ok)
}
