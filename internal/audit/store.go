// Package audit provides PostgreSQL-backed storage for session lifecycle
// events. Each row records which session was created, deleted or expired,
// its principal, and the names (never the values) of its attributes.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/protocol"
	"github.com/whisper/sessions/internal/session"
)

// DefaultWriteTimeout bounds a single insert issued by Listener.
const DefaultWriteTimeout = 5 * time.Second

// Store manages session event history in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Entry is one recorded session event.
type Entry struct {
	ID         int64
	Type       string
	SessionID  string
	Principal  string
	Server     string
	Attributes []string
	OccurredAt time.Time
	RecordedAt time.Time
}

// Query selects history rows. Exactly one of SessionID and Principal must be
// set. A non-positive Limit means 50.
type Query struct {
	SessionID string
	Principal string
	Limit     int
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{db: db, logger: logger.With("component", "audit")}
}

// Record inserts one event. Attribute names are stored as JSONB.
func (s *Store) Record(ctx context.Context, msg protocol.EventMsg) error {
	if !protocol.IsEventType(msg.Type) {
		return fmt.Errorf("audit: invalid event type %q", msg.Type)
	}
	if msg.SessionID == "" {
		return fmt.Errorf("audit: missing session id")
	}

	var attrsJSON []byte
	if len(msg.Attributes) > 0 {
		var err error
		attrsJSON, err = json.Marshal(msg.Attributes)
		if err != nil {
			return fmt.Errorf("audit: marshal attributes: %w", err)
		}
	}

	const query = `
		INSERT INTO session_events (event_type, session_id, principal, server, attributes, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.ExecContext(ctx, query,
		msg.Type,
		msg.SessionID,
		msg.Principal,
		msg.Server,
		attrsJSON,
		time.UnixMilli(msg.Ts).UTC(),
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Listener returns a session listener that records events observed by this
// instance, tagged with server. Events relayed from other instances are
// recorded by the instance that raised them.
func (s *Store) Listener(server string) session.Listener {
	return func(e session.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		return s.Record(ctx, protocol.NewEventMsg(e, server))
	}
}

// History returns the most recent events matching q, newest first.
func (s *Store) History(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		column string
		value  string
	)
	switch {
	case q.SessionID != "" && q.Principal == "":
		column, value = "session_id", q.SessionID
	case q.Principal != "" && q.SessionID == "":
		column, value = "principal", q.Principal
	default:
		return nil, fmt.Errorf("audit: history needs exactly one of session id or principal")
	}

	query := `
		SELECT id, event_type, session_id, principal, server, attributes, occurred_at, recorded_at
		FROM session_events
		WHERE ` + column + ` = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, value, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			attrs []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.SessionID, &e.Principal, &e.Server, &attrs, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				s.logger.Warn("unreadable attribute list", "id", e.ID, "error", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: history: %w", err)
	}
	return entries, nil
}

// CountRecent returns the number of events of the given type recorded within
// window, e.g. how many sessions expired in the last hour.
func (s *Store) CountRecent(ctx context.Context, eventType string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM session_events
		WHERE event_type = $1
		  AND occurred_at >= NOW() - $2 * INTERVAL '1 second'`

	var count int
	err := s.db.QueryRowContext(ctx, query, eventType, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}
