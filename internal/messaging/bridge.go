package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/protocol"
	"github.com/whisper/sessions/internal/session"
)

// EventPublisher is the part of NATSClient the bridge publishes through.
type EventPublisher interface {
	PublishSessionEvent(eventType string, data []byte) error
}

// Bridge forwards local session events to the bus and hands events from
// other instances to a local handler.
type Bridge struct {
	pub    EventPublisher
	server string
	logger *slog.Logger
}

// NewBridge returns a bridge that tags outgoing events with server.
func NewBridge(pub EventPublisher, server string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{pub: pub, server: server, logger: logger.With("component", "nats")}
}

// Listener returns a session listener that publishes every event to
// session.<type>.
func (b *Bridge) Listener() session.Listener {
	return func(e session.Event) error {
		msg := protocol.NewEventMsg(e, b.server)
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("messaging: marshal event: %w", err)
		}
		if err := b.pub.PublishSessionEvent(msg.Type, data); err != nil {
			return fmt.Errorf("messaging: publish %s: %w", msg.Type, err)
		}
		return nil
	}
}

// Relay subscribes to session events on the bus and calls fn for each one
// raised by another instance. Malformed messages are logged and skipped.
func (b *Bridge) Relay(c *NATSClient, fn func(protocol.EventMsg)) error {
	return c.SubscribeSessionEvents(func(data []byte) {
		b.handle(data, fn)
	})
}

func (b *Bridge) handle(data []byte, fn func(protocol.EventMsg)) {
	msg, err := protocol.ParseEventMessage(data)
	if err != nil {
		b.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if msg.Server == b.server {
		return
	}
	fn(msg)
}
