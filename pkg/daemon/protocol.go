package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/b/tabkeeper/pkg/tabs"
)

// MessageType identifies the type of message
type MessageType string

const (
	MsgSubscribe          MessageType = "subscribe"             // Panel -> Daemon: register for count pushes
	MsgUnsubscribe        MessageType = "unsubscribe"           // Panel -> Daemon
	MsgGetCounts          MessageType = "get_counts"            // Panel -> Daemon: answered with MsgCounts
	MsgCounts             MessageType = "counts"                // Daemon -> Panel: reply or push
	MsgCloseAllAfterDelay MessageType = "close_all_after_delay" // Panel -> Daemon: start or cancel the timer
	MsgCloseUnused        MessageType = "close_unused"          // Panel -> Daemon
	MsgTabEvent           MessageType = "tab_event"             // Hook -> Daemon: tab lifecycle
	MsgError              MessageType = "error"
	MsgPing               MessageType = "ping"
	MsgPong               MessageType = "pong"
)

// Message is the envelope for daemon<->client communication, one JSON object per line.
type Message struct {
	Type     MessageType     `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// CountsPayload carries the live counters.
type CountsPayload struct {
	Total           int  `json:"total"`
	Unloaded        int  `json:"unloaded"`
	Unused          int  `json:"unused"`
	CloseAllPending bool `json:"close_all_pending"`
}

// CloseAllPayload starts (Start=true) or cancels the close-all timer.
type CloseAllPayload struct {
	Start bool `json:"start"`
}

// TabEventPayload is sent by host hooks that cannot talk to the controller directly.
type TabEventPayload struct {
	Kind  tabs.EventKind `json:"kind"`
	TabID string         `json:"tab_id"`
	URL   string         `json:"url,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewMessage builds a message with an encoded payload. A nil payload is omitted.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// MustMessage is NewMessage for payload types that always encode.
func MustMessage(t MessageType, payload any) Message {
	msg, err := NewMessage(t, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// CountsMessage builds a MsgCounts from controller state.
func CountsMessage(c tabs.Counts, closeAllPending bool) Message {
	return MustMessage(MsgCounts, CountsPayload{
		Total:           c.Total,
		Unloaded:        c.Unloaded,
		Unused:          c.Unused,
		CloseAllPending: closeAllPending,
	})
}

// SocketPath returns the daemon socket path for a session
func SocketPath(sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}
	return fmt.Sprintf("/tmp/tabkeeperd-%s.sock", sessionID)
}

// PidPath returns the pidfile path for a session
func PidPath(sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}
	return fmt.Sprintf("/tmp/tabkeeperd-%s.pid", sessionID)
}

// LogPath returns the daemon log path for a session
func LogPath(sessionID string) string {
	if sessionID == "" {
		sessionID = "default"
	}
	return fmt.Sprintf("/tmp/tabkeeperd-%s.log", sessionID)
}
