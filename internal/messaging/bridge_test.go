package messaging

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/sessions/internal/protocol"
	"github.com/whisper/sessions/internal/session"
)

type published struct {
	mu   sync.Mutex
	msgs map[string][][]byte
	err  error
}

func (p *published) PublishSessionEvent(eventType string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[eventType] = append(p.msgs[eventType], data)
	return nil
}

func TestBridge_ListenerPublishesBySubject(t *testing.T) {
	pub := &published{}
	b := NewBridge(pub, "node-a", nil)

	err := b.Listener()(session.Event{Type: session.EventExpired, SessionID: "s1", At: time.UnixMilli(10)})
	require.NoError(t, err)

	require.Len(t, pub.msgs[protocol.TypeSessionExpired], 1)
	var msg protocol.EventMsg
	require.NoError(t, json.Unmarshal(pub.msgs[protocol.TypeSessionExpired][0], &msg))
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, "node-a", msg.Server)
}

func TestBridge_ListenerSurfacesPublishError(t *testing.T) {
	pub := &published{err: errors.New("no connection")}
	b := NewBridge(pub, "node-a", nil)

	err := b.Listener()(session.Event{Type: session.EventDeleted, SessionID: "s1"})
	assert.ErrorContains(t, err, "no connection")
}

func TestBridge_HandleSkipsOwnAndMalformed(t *testing.T) {
	b := NewBridge(&published{}, "node-a", nil)
	var got []protocol.EventMsg
	collect := func(m protocol.EventMsg) { got = append(got, m) }

	own, _ := json.Marshal(protocol.EventMsg{Type: protocol.TypeSessionDeleted, SessionID: "1", Server: "node-a"})
	other, _ := json.Marshal(protocol.EventMsg{Type: protocol.TypeSessionDeleted, SessionID: "2", Server: "node-b"})

	b.handle(own, collect)
	b.handle([]byte("garbage"), collect)
	b.handle(other, collect)

	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].SessionID)
}

// newTestNATS connects to a local NATS server. Tests that call this helper
// require a running NATS on NATS_URL or the default URL.
func newTestNATS(t *testing.T, name string) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.URL = v
	}
	cfg.Name = name
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestBridge_RelayAcrossInstances(t *testing.T) {
	a := newTestNATS(t, "bridge-test-a")
	b := newTestNATS(t, "bridge-test-b")

	received := make(chan protocol.EventMsg, 1)
	require.NoError(t, NewBridge(b, "node-b", nil).Relay(b, func(m protocol.EventMsg) {
		received <- m
	}))
	require.NoError(t, b.Flush(time.Second))

	err := NewBridge(a, "node-a", nil).Listener()(session.Event{
		Type:      session.EventCreated,
		SessionID: "relayed",
		At:        time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Flush(time.Second))

	select {
	case m := <-received:
		assert.Equal(t, "relayed", m.SessionID)
		assert.Equal(t, protocol.TypeSessionCreated, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not relayed")
	}
}
