// Package feed streams session lifecycle events to WebSocket clients, such
// as admin dashboards. Clients may narrow the stream with a subscribe
// message; the server never reads session data on their behalf.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/metrics"
	"github.com/whisper/sessions/internal/protocol"
	"github.com/whisper/sessions/internal/ratelimit"
	"github.com/whisper/sessions/internal/session"
)

// DefaultSendQueue is the per-client outbound buffer used when Config leaves
// SendQueue unset.
const DefaultSendQueue = 64

// Config holds tunable parameters for the feed.
type Config struct {
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueue      int           // outbound frames buffered per client
	Heartbeat      HeartbeatConfig

	// Rate limits, applied only when the hub has a limiter.
	ConnectRule ratelimit.Rule // per remote IP
	MessageRule ratelimit.Rule // per connection
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 1024,
		WriteTimeout:   10 * time.Second,
		SendQueue:      DefaultSendQueue,
		Heartbeat:      DefaultHeartbeatConfig(),
		ConnectRule:    ratelimit.RuleFeedConnect,
		MessageRule:    ratelimit.RuleFeedMessage,
	}
}

// RateLimiter decides whether an identifier may act under a rule.
// *ratelimit.Limiter implements it.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRateLimiter throttles connection attempts and client messages.
func WithRateLimiter(l RateLimiter) HubOption {
	return func(h *Hub) {
		h.limiter = l
	}
}

// Hub accepts feed connections and fans events out to them.
type Hub struct {
	config    Config
	conns     *ConnectionManager
	limiter   RateLimiter
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub and starts its heartbeat monitor.
func NewHub(config Config, logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Hub{
		config: config,
		conns:  NewConnectionManager(),
		logger: logger.With("component", "feed"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	StartHeartbeat(h, config.Heartbeat)
	return h
}

// ServeHTTP upgrades the request to a WebSocket connection and starts
// reading client messages on it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.config.MaxConnections > 0 && h.conns.Count() >= h.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.allow(r.Context(), remoteIP(r), h.config.ConnectRule) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	h.attach(newConnection(uuid.NewString(), conn, time.Now(), h.sendQueue()))
}

// attach registers c, greets it and starts its reader and writer.
func (h *Hub) attach(c *Connection) {
	h.conns.Add(c)
	metrics.FeedClients.Inc()

	h.reply(c, protocol.TypeSubscribed, protocol.SubscribedMsg{Events: protocol.EventTypes})
	h.logger.Info("client connected", "conn_id", c.ID, "total", h.conns.Count())

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
	go func() {
		defer h.wg.Done()
		if err := c.writeLoop(h.config.WriteTimeout); err != nil && !c.closed() {
			h.logger.Warn("write failed, dropping client", "conn_id", c.ID, "error", err)
			h.RemoveConnection(c)
		}
	}()
}

func (h *Hub) sendQueue() int {
	if h.config.SendQueue > 0 {
		return h.config.SendQueue
	}
	return DefaultSendQueue
}

// Broadcast queues msg for every connection whose filter matches it. It
// never waits on a client: one whose queue is full is dropped.
func (h *Hub) Broadcast(msg protocol.EventMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal event failed", "error", err)
		return
	}
	for _, c := range h.conns.All() {
		if !c.Filter().Matches(msg) {
			continue
		}
		h.enqueue(c, data)
	}
}

// enqueue hands data to c's writer, dropping c if it has fallen behind.
func (h *Hub) enqueue(c *Connection, data []byte) {
	if c.Enqueue(data) {
		return
	}
	h.logger.Warn("send queue full, dropping client", "conn_id", c.ID)
	metrics.FeedDropped.Inc()
	h.RemoveConnection(c)
}

// Listener returns a session listener that broadcasts local events, tagged
// with server.
func (h *Hub) Listener(server string) session.Listener {
	return func(e session.Event) error {
		h.Broadcast(protocol.NewEventMsg(e, server))
		return nil
	}
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (h *Hub) Connections() *ConnectionManager {
	return h.conns
}

// RemoveConnection unregisters and closes a connection. Safe to call more
// than once.
func (h *Hub) RemoveConnection(c *Connection) {
	if !h.conns.Remove(c.ID) {
		return
	}
	metrics.FeedClients.Dec()
	h.logger.Info("client disconnected", "conn_id", c.ID, "total", h.conns.Count())
}

// Shutdown closes every connection and waits for their readers and writers
// to exit.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		for _, c := range h.conns.All() {
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")))
			h.RemoveConnection(c)
		}
		h.wg.Wait()
		h.logger.Info("feed stopped")
	})
}

// readLoop reads frames until the client goes away. Control frames are
// handled here; data frames go to dispatch.
func (h *Hub) readLoop(c *Connection) {
	defer h.RemoveConnection(c)

	idle := h.config.Heartbeat.Interval + h.config.Heartbeat.Timeout
	for {
		if idle > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(idle))
		}
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			var netErr net.Error
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !(errors.As(err, &netErr) && netErr.Timeout()) {
				h.logger.Debug("read failed", "conn_id", c.ID, "error", err)
			}
			return
		}
		c.touch(time.Now())

		payload, err := io.ReadAll(reader)
		if err != nil {
			return
		}

		switch header.OpCode {
		case ws.OpClose:
			_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return
		case ws.OpPing:
			_ = c.writeFrame(ws.NewPongFrame(payload))
			continue
		case ws.OpPong:
			continue
		}

		if len(payload) == 0 {
			continue
		}
		if !h.allow(context.Background(), c.ID, h.config.MessageRule) {
			h.reply(c, protocol.TypeError, protocol.ErrorMsg{Code: "rate_limited", Message: "too many messages"})
			continue
		}
		h.dispatch(c, payload)
	}
}

// dispatch routes one client message.
func (h *Hub) dispatch(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		h.logger.Debug("parse error", "conn_id", c.ID, "error", err)
		h.reply(c, protocol.TypeError, protocol.ErrorMsg{Code: "parse_error", Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.SubscribeMsg:
		c.SetFilter(Filter{Events: m.Events, Principal: m.Principal})
		events := m.Events
		if len(events) == 0 {
			events = protocol.EventTypes
		}
		h.reply(c, protocol.TypeSubscribed, protocol.SubscribedMsg{Events: events, Principal: m.Principal})
	case protocol.PingMsg:
		h.reply(c, protocol.TypePong, protocol.PongMsg{})
	default:
		h.reply(c, protocol.TypeError, protocol.ErrorMsg{Code: "unsupported_type", Message: msgType})
	}
}

// allow applies rule when a limiter is configured. Limiter errors let the
// request through.
func (h *Hub) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if h.limiter == nil || !rule.Enabled() {
		return true
	}
	ok, err := h.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		h.logger.Debug("rate limiter unavailable", "error", err)
	}
	if !ok {
		h.logger.Info("rate limited", "identifier", identifier, "rule", rule.Key)
	}
	return ok
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) reply(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		h.logger.Error("build reply failed", "conn_id", c.ID, "type", msgType, "error", err)
		return
	}
	h.enqueue(c, data)
}
