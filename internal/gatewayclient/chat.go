// ABOUTME: Narrowing of chat event payloads and chat.history messages into typed values.
// ABOUTME: Message content may be a plain string or an array of typed parts.

package gatewayclient

import (
	"encoding/json"
	"errors"
	"strings"
)

// EventChat is the gateway's chat stream event.
const EventChat = "chat"

// ChatState is the phase of a chat event.
type ChatState string

const (
	ChatDelta   ChatState = "delta"
	ChatFinal   ChatState = "final"
	ChatAborted ChatState = "aborted"
	ChatError   ChatState = "error"
)

// ChatEvent is a parsed chat event.
type ChatEvent struct {
	RunID        string
	SessionKey   string
	State        ChatState
	Role         string
	Text         string
	ErrorMessage string
	TimestampMs  int64
}

// ChatMessage is one message from chat.history.
type ChatMessage struct {
	ID          string
	Role        string
	Text        string
	Thinking    string
	RunID       string
	TimestampMs int64
}

type wireMessage struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	RunID     string          `json:"runId"`
	Timestamp int64           `json:"timestamp"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

var errMalformedChat = errors.New("malformed chat event")

// ParseChatEvent narrows a chat event payload.
func ParseChatEvent(payload json.RawMessage) (ChatEvent, error) {
	var raw struct {
		RunID        string       `json:"runId"`
		SessionKey   string       `json:"sessionKey"`
		State        string       `json:"state"`
		Message      *wireMessage `json:"message"`
		ErrorMessage string       `json:"errorMessage"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ChatEvent{}, errMalformedChat
	}

	state := ChatState(strings.ToLower(strings.TrimSpace(raw.State)))
	switch state {
	case ChatDelta, ChatFinal, ChatAborted, ChatError:
	default:
		return ChatEvent{}, errMalformedChat
	}
	if strings.TrimSpace(raw.SessionKey) == "" {
		return ChatEvent{}, errMalformedChat
	}

	ev := ChatEvent{
		RunID:        strings.TrimSpace(raw.RunID),
		SessionKey:   strings.TrimSpace(raw.SessionKey),
		State:        state,
		ErrorMessage: raw.ErrorMessage,
	}
	if raw.Message != nil {
		ev.Role = raw.Message.Role
		ev.Text, _ = messageText(raw.Message.Content)
		ev.TimestampMs = raw.Message.Timestamp
	}
	return ev, nil
}

func (m wireMessage) toChatMessage() ChatMessage {
	text, thinking := messageText(m.Content)
	return ChatMessage{
		ID:          m.ID,
		Role:        m.Role,
		Text:        text,
		Thinking:    thinking,
		RunID:       m.RunID,
		TimestampMs: m.Timestamp,
	}
}

// messageText flattens message content into its text and thinking parts.
func messageText(content json.RawMessage) (text, thinking string) {
	if len(content) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, ""
	}
	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return "", ""
	}
	var texts, thoughts []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			texts = append(texts, p.Text)
		case "thinking":
			thoughts = append(thoughts, p.Thinking)
		}
	}
	return strings.Join(texts, "\n"), strings.Join(thoughts, "\n")
}
