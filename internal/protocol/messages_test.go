package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/whisper/sessions/internal/session"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid subscribe message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Subscribe(t *testing.T) {
	input := []byte(`{"type":"subscribe","events":["session_expired","session_deleted"],"principal":"alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Fatalf("expected type %q, got %q", TypeSubscribe, msgType)
	}

	sm, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if len(sm.Events) != 2 || sm.Events[0] != TypeSessionExpired {
		t.Errorf("unexpected events: %v", sm.Events)
	}
	if sm.Principal != "alice" {
		t.Errorf("expected principal %q, got %q", "alice", sm.Principal)
	}
}

func TestParseClientMessage_SubscribeUnknownEvent(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"subscribe","events":["session_renamed"]}`))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Invalid input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":     `{{{`,
		"missing type": `{"events":[]}`,
		"empty type":   `{"type":""}`,
		"unknown type": `{"type":"session_created"}`,
	}
	for name, input := range cases {
		if _, _, err := ParseClientMessage([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Event messages
// ---------------------------------------------------------------------------

func TestNewEventMsg_Snapshot(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	repo := session.NewRepository(nil, session.Config{DefaultMaxInactiveInterval: time.Minute},
		session.WithClock(func() time.Time { return created }))
	s := repo.CreateSession()
	s.SetAttribute(session.PrincipalNameAttribute, "alice")
	s.SetAttribute("secret", "do-not-leak")

	msg := NewEventMsg(session.Event{
		Type:      session.EventExpired,
		SessionID: s.ID(),
		Session:   s,
		At:        created.Add(2 * time.Minute),
	}, "node-1")

	if msg.Type != TypeSessionExpired {
		t.Errorf("expected type %q, got %q", TypeSessionExpired, msg.Type)
	}
	if msg.Principal != "alice" {
		t.Errorf("expected principal alice, got %q", msg.Principal)
	}
	if msg.MaxInactiveMs != 60_000 {
		t.Errorf("expected max_inactive_ms 60000, got %d", msg.MaxInactiveMs)
	}
	if msg.CreatedAt != created.UnixMilli() {
		t.Errorf("unexpected created_at %d", msg.CreatedAt)
	}
	if msg.Ts != created.Add(2*time.Minute).UnixMilli() {
		t.Errorf("unexpected ts %d", msg.Ts)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "do-not-leak") {
		t.Errorf("attribute values must not be serialized: %s", data)
	}

	parsed, err := ParseEventMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.SessionID != s.ID() || parsed.Server != "node-1" {
		t.Errorf("unexpected parsed event: %+v", parsed)
	}
}

func TestNewEventMsg_WithoutSnapshot(t *testing.T) {
	msg := NewEventMsg(session.Event{Type: session.EventDeleted, SessionID: "abc", At: time.UnixMilli(5)}, "")

	if msg.Type != TypeSessionDeleted || msg.Principal != "" || msg.Attributes != nil {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestParseEventMessage_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":   `nope`,
		"wrong type": `{"type":"pong","session_id":"a"}`,
		"no id":      `{"type":"session_deleted"}`,
	}
	for name, input := range cases {
		if _, err := ParseEventMessage([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeSubscribed, SubscribedMsg{Events: EventTypes})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if m["type"] != TypeSubscribed {
		t.Errorf("expected type %q, got %v", TypeSubscribed, m["type"])
	}
	events, ok := m["events"].([]interface{})
	if !ok || len(events) != 3 {
		t.Errorf("expected 3 events, got %v", m["events"])
	}
}

func TestTypeForEvent(t *testing.T) {
	if got := TypeForEvent(session.EventCreated); got != TypeSessionCreated {
		t.Errorf("expected %q, got %q", TypeSessionCreated, got)
	}
	if !IsEventType(TypeForEvent(session.EventExpired)) {
		t.Error("expired event type should be recognized")
	}
}
