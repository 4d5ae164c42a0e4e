package feed

import (
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/sessions/internal/protocol"
)

// Connection represents a single feed client with its subscription filter.
// Outbound text frames go through a bounded send queue drained by one writer
// goroutine; the write mutex serializes that writer with control frames.
type Connection struct {
	ID        string    // connection id (UUID)
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastSeen atomic.Int64 // unix nanos of the last frame read
	writeMu  sync.Mutex   // serializes writes to this connection

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	filterMu sync.RWMutex
	filter   Filter
}

// Filter selects the events a connection receives. Zero value matches all.
type Filter struct {
	Events    []string // event message types; empty means all
	Principal string   // empty means any principal
}

// Matches reports whether msg passes the filter.
func (f Filter) Matches(msg protocol.EventMsg) bool {
	if len(f.Events) > 0 && !slices.Contains(f.Events, msg.Type) {
		return false
	}
	return f.Principal == "" || f.Principal == msg.Principal
}

func newConnection(id string, conn net.Conn, now time.Time, queue int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		CreatedAt: now,
		send:      make(chan []byte, max(queue, 1)),
		done:      make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Enqueue queues a text frame for the writer goroutine without blocking. It
// returns false when the queue is full or the connection is closed.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes. A
// positive timeout bounds the write.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeLoop drains the send queue until the connection is closed or a write
// fails.
func (c *Connection) writeLoop(timeout time.Duration) error {
	for {
		if c.closed() {
			return nil
		}
		select {
		case <-c.done:
			return nil
		case data := <-c.send:
			if err := c.WriteMessage(data, timeout); err != nil {
				return err
			}
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

// controlWriteTimeout bounds control frame writes so a stuck client cannot
// hold up the heartbeat or shutdown.
const controlWriteTimeout = 5 * time.Second

func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	defer c.Conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.Conn, f)
}

// Close stops the writer and closes the underlying network connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.Conn.Close()
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// Filter returns the connection's current subscription filter.
func (c *Connection) Filter() Filter {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return c.filter
}

// SetFilter replaces the connection's subscription filter.
func (c *Connection) SetFilter(f Filter) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	c.filter = f
}

// ConnectionManager is a thread-safe registry of feed connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
