package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/metrics"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	EventCreated EventType = "created"
	EventDeleted EventType = "deleted"
	EventExpired EventType = "expired"
)

// DefaultEventBuffer is the dispatch queue size used when none is given.
const DefaultEventBuffer = 1024

// Event describes one lifecycle transition. Session is a snapshot taken at
// the time of the transition and may be nil when the stored record could not
// be decoded.
type Event struct {
	Type      EventType
	SessionID string
	Session   *Session
	At        time.Time
}

// Listener receives events. A returned error is logged and counted; it does
// not affect other listeners.
type Listener func(Event) error

// Publisher accepts events from the repository and the sweeper.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

type namedListener struct {
	name string
	fn   Listener
}

// Dispatcher delivers events to subscribed listeners on its own goroutine.
// Publish never blocks: when the queue is full the event is dropped.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []namedListener
	closed    bool

	queue  chan Event
	done   chan struct{}
	logger *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used for dropped events and listener
// failures.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher starts a dispatcher with a queue of the given size.
func NewDispatcher(buffer int, opts ...DispatcherOption) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	d := &Dispatcher{
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "events")
	go d.loop()
	return d
}

// Subscribe registers fn under name. Listeners added after an event was
// queued still receive it.
func (d *Dispatcher) Subscribe(name string, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, namedListener{name: name, fn: fn})
}

// Publish queues e for delivery. Events published after Close are dropped.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- e:
		metrics.EventQueueDepth.Inc()
	default:
		metrics.EventsDropped.Inc()
		d.logger.Warn("event queue full, dropping event", "type", e.Type, "session_id", e.SessionID)
	}
}

// Close stops accepting events, delivers everything already queued and
// waits for the dispatch goroutine to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		metrics.EventQueueDepth.Dec()
		d.mu.RLock()
		listeners := make([]namedListener, len(d.listeners))
		copy(listeners, d.listeners)
		d.mu.RUnlock()

		for _, l := range listeners {
			if err := d.deliver(l, e); err != nil {
				metrics.ListenerFailures.WithLabelValues(l.name).Inc()
				d.logger.Error("listener failed", "listener", l.name, "type", e.Type, "session_id", e.SessionID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) deliver(l namedListener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.fn(e)
}
