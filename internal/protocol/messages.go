// Package protocol defines the JSON messages that carry session lifecycle
// events between processes: on the NATS bus, on the WebSocket event feed, and
// into the audit trail. All messages share an envelope with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/whisper/sessions/internal/session"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types on the event feed.
const (
	TypeSubscribe = "subscribe"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeSessionDeleted = "session_deleted"
	TypeSessionExpired = "session_expired"
	TypeSubscribed     = "subscribed"
	TypeError          = "error"
	TypePong           = "pong"
)

// EventTypes lists the message types that describe a session event.
var EventTypes = []string{TypeSessionCreated, TypeSessionDeleted, TypeSessionExpired}

// TypeForEvent maps a session event type to its message type.
func TypeForEvent(t session.EventType) string {
	return "session_" + string(t)
}

// IsEventType reports whether msgType describes a session event.
func IsEventType(msgType string) bool {
	return slices.Contains(EventTypes, msgType)
}

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field so
// the rest of the payload can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg narrows what a feed client receives. Empty fields match
// everything.
type SubscribeMsg struct {
	Type      string   `json:"type"`
	Events    []string `json:"events,omitempty"`    // event message types
	Principal string   `json:"principal,omitempty"` // only sessions of this principal
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// EventMsg describes one session lifecycle event. Snapshot fields are empty
// when the session could not be decoded.
type EventMsg struct {
	Type           string   `json:"type"`
	SessionID      string   `json:"session_id"`
	Principal      string   `json:"principal,omitempty"`
	CreatedAt      int64    `json:"created_at,omitempty"`       // unix millis
	LastAccessedAt int64    `json:"last_accessed_at,omitempty"` // unix millis
	MaxInactiveMs  int64    `json:"max_inactive_ms,omitempty"`
	Attributes     []string `json:"attributes,omitempty"` // names only
	Server         string   `json:"server,omitempty"`     // instance that observed the event
	Ts             int64    `json:"ts"`                   // unix millis
}

// SubscribedMsg confirms a subscription filter.
type SubscribedMsg struct {
	Type      string   `json:"type"`
	Events    []string `json:"events"`
	Principal string   `json:"principal,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewEventMsg builds the wire form of a session event. Attribute values are
// never included, only their names.
func NewEventMsg(e session.Event, server string) EventMsg {
	msg := EventMsg{
		Type:      TypeForEvent(e.Type),
		SessionID: e.SessionID,
		Server:    server,
		Ts:        e.At.UnixMilli(),
	}
	if s := e.Session; s != nil {
		msg.Principal = s.Principal()
		msg.CreatedAt = s.CreationTime().UnixMilli()
		msg.LastAccessedAt = s.LastAccessedTime().UnixMilli()
		msg.MaxInactiveMs = s.MaxInactiveInterval().Milliseconds()
		msg.Attributes = s.AttributeNames()
	}
	return msg
}

// ParseEventMessage decodes an event message received from the bus.
func ParseEventMessage(data []byte) (EventMsg, error) {
	var msg EventMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("protocol: failed to parse event: %w", err)
	}
	if !IsEventType(msg.Type) {
		return msg, fmt.Errorf("protocol: not an event message: %q", msg.Type)
	}
	if msg.SessionID == "" {
		return msg, fmt.Errorf("protocol: event without session_id")
	}
	return msg, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil {
			for _, t := range m.Events {
				if !IsEventType(t) {
					return env.Type, nil, fmt.Errorf("protocol: unknown event type %q", t)
				}
			}
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
