package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/sessions/internal/protocol"
	"github.com/whisper/sessions/internal/ratelimit"
	"github.com/whisper/sessions/internal/session"
)

func newTestHub(t *testing.T, cfg Config, opts ...HubOption) (*Hub, string) {
	t.Helper()
	h := NewHub(cfg, nil, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig() Config {
	return Config{MaxConnections: 8, WriteTimeout: time.Second}
}

func dial(t *testing.T, url string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, err := wsutil.ReadServerText(conn)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func send(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(conn, data))
}

func TestHub_GreetsWithFullSubscription(t *testing.T) {
	h, url := newTestHub(t, testConfig())
	conn := dial(t, url)

	m := readMsg(t, conn)
	assert.Equal(t, protocol.TypeSubscribed, m["type"])
	assert.Len(t, m["events"], 3)
	assert.Equal(t, 1, h.Connections().Count())
}

func TestHub_BroadcastHonoursFilter(t *testing.T) {
	h, url := newTestHub(t, testConfig())
	conn := dial(t, url)
	readMsg(t, conn)

	send(t, conn, protocol.SubscribeMsg{
		Type:      protocol.TypeSubscribe,
		Events:    []string{protocol.TypeSessionExpired},
		Principal: "alice",
	})
	ack := readMsg(t, conn)
	require.Equal(t, protocol.TypeSubscribed, ack["type"])
	assert.Equal(t, "alice", ack["principal"])

	h.Broadcast(protocol.EventMsg{Type: protocol.TypeSessionExpired, SessionID: "bob-1", Principal: "bob"})
	h.Broadcast(protocol.EventMsg{Type: protocol.TypeSessionDeleted, SessionID: "alice-1", Principal: "alice"})
	h.Broadcast(protocol.EventMsg{Type: protocol.TypeSessionExpired, SessionID: "alice-2", Principal: "alice"})

	m := readMsg(t, conn)
	assert.Equal(t, protocol.TypeSessionExpired, m["type"])
	assert.Equal(t, "alice-2", m["session_id"])
}

func TestHub_ListenerForwardsLocalEvents(t *testing.T) {
	h, url := newTestHub(t, testConfig())
	conn := dial(t, url)
	readMsg(t, conn)

	err := h.Listener("node-1")(session.Event{Type: session.EventDeleted, SessionID: "s1", At: time.UnixMilli(42)})
	require.NoError(t, err)

	m := readMsg(t, conn)
	assert.Equal(t, protocol.TypeSessionDeleted, m["type"])
	assert.Equal(t, "s1", m["session_id"])
	assert.Equal(t, "node-1", m["server"])
}

func TestHub_PingAndErrors(t *testing.T) {
	_, url := newTestHub(t, testConfig())
	conn := dial(t, url)
	readMsg(t, conn)

	send(t, conn, protocol.PingMsg{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, readMsg(t, conn)["type"])

	require.NoError(t, wsutil.WriteClientText(conn, []byte(`{"type":"session_created"}`)))
	m := readMsg(t, conn)
	assert.Equal(t, protocol.TypeError, m["type"])
	assert.Equal(t, "parse_error", m["code"])
}

func TestHub_SlowClientDoesNotStallDispatcher(t *testing.T) {
	cfg := testConfig()
	cfg.SendQueue = 4
	h, _ := newTestHub(t, cfg)

	// the client end of the pipe is never read, so every write blocks
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	h.attach(newConnection("slow", server, time.Now(), h.sendQueue()))

	d := session.NewDispatcher(256)
	t.Cleanup(d.Close)
	d.Subscribe("feed", h.Listener("node-1"))
	got := make(chan string, 64)
	d.Subscribe("audit", func(e session.Event) error {
		got <- e.SessionID
		return nil
	})

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Publish(session.Event{Type: session.EventDeleted, SessionID: strconv.Itoa(i), At: time.Now()})
	}
	for i := 0; i < 50; i++ {
		select {
		case id := <-got:
			assert.Equal(t, strconv.Itoa(i), id)
		case <-time.After(cfg.WriteTimeout):
			t.Fatalf("listener after the feed stalled at event %d", i)
		}
	}
	assert.Less(t, time.Since(start), cfg.WriteTimeout)

	require.Eventually(t, func() bool { return h.Connections().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_EnqueueNeverBlocks(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := newConnection("c", server, time.Now(), 2)

	assert.True(t, c.Enqueue([]byte("a")))
	assert.True(t, c.Enqueue([]byte("b")))
	assert.False(t, c.Enqueue([]byte("c")), "queue full")

	require.NoError(t, c.Close())
	assert.False(t, c.Enqueue([]byte("d")), "closed")
	assert.NoError(t, c.writeLoop(time.Second))
}

func TestHub_ClientCloseRemovesConnection(t *testing.T) {
	h, url := newTestHub(t, testConfig())
	conn := dial(t, url)
	readMsg(t, conn)

	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))))
	require.Eventually(t, func() bool { return h.Connections().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	_, url := newTestHub(t, cfg)
	conn := dial(t, url)
	readMsg(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, url)
	assert.Error(t, err)
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	h, url := newTestHub(t, testConfig())
	conn := dial(t, url)
	readMsg(t, conn)

	h.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := wsutil.ReadServerText(conn)
	assert.Error(t, err)
	assert.Equal(t, 0, h.Connections().Count())
}

func TestCheckConnections_DropsStale(t *testing.T) {
	h, url := newTestHub(t, testConfig())
	conn := dial(t, url)
	readMsg(t, conn)

	hb := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(h, hb, time.Now())
	assert.Equal(t, 1, h.Connections().Count(), "fresh connection survives")

	checkConnections(h, hb, time.Now().Add(time.Minute))
	assert.Equal(t, 0, h.Connections().Count())
}

func TestFilter_Matches(t *testing.T) {
	msg := protocol.EventMsg{Type: protocol.TypeSessionExpired, Principal: "alice"}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero value", Filter{}, true},
		{"event listed", Filter{Events: []string{protocol.TypeSessionExpired}}, true},
		{"event not listed", Filter{Events: []string{protocol.TypeSessionCreated}}, false},
		{"same principal", Filter{Principal: "alice"}, true},
		{"other principal", Filter{Principal: "bob"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(msg))
		})
	}
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.NewLimiter(client, "", nil)
}

func TestHub_RateLimitsConnections(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectRule = ratelimit.Rule{Key: "rl:feed:conn:", Limit: 1, Window: time.Minute}
	_, url := newTestHub(t, cfg, WithRateLimiter(newTestLimiter(t)))

	conn := dial(t, url)
	readMsg(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, url)
	require.Error(t, err)
	var status ws.StatusError
	if assert.ErrorAs(t, err, &status) {
		assert.Equal(t, 429, int(status))
	}
}

func TestHub_RateLimitsMessages(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRule = ratelimit.Rule{Key: "rl:feed:msg:", Limit: 2, Window: time.Minute}
	_, url := newTestHub(t, cfg, WithRateLimiter(newTestLimiter(t)))
	conn := dial(t, url)
	readMsg(t, conn)

	for i := 0; i < 2; i++ {
		send(t, conn, protocol.PingMsg{Type: protocol.TypePing})
		assert.Equal(t, protocol.TypePong, readMsg(t, conn)["type"])
	}

	send(t, conn, protocol.PingMsg{Type: protocol.TypePing})
	m := readMsg(t, conn)
	assert.Equal(t, protocol.TypeError, m["type"])
	assert.Equal(t, "rate_limited", m["code"])
}
