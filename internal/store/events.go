package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Event is a single row in the append-only audit log. Rows are never
// mutated or deleted; ordering is by timestamp (and insertion id as the
// tie-break).
type Event struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"order_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	SpanID    string          `json:"span_id,omitempty"`
	TS        time.Time       `json:"ts"`
}

// AppendEvent writes one audit record for an order. The payload is
// marshalled to JSON; nil payloads are stored as NULL.
//
// The trace_id/span_id of the active OTel span in ctx are recorded with the
// row so an audit entry can be correlated with the full distributed trace.
// If ctx carries no active span (e.g. in unit tests) both are stored empty.
func (s *Store) AppendEvent(ctx context.Context, orderID, eventType string, payload any) error {
	var payloadJSON any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("store: marshal event payload for %q: %w", eventType, err)
		}
		payloadJSON = string(b)
	}

	traceID, spanID := "", ""
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
		spanID = sc.SpanID().String()
	}

	const q = `
		INSERT INTO events (order_id, event_type, payload_json, trace_id, span_id, ts)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q, orderID, eventType, payloadJSON, traceID, spanID, formatTime(s.nowFunc()))
	if err != nil {
		return fmt.Errorf("store: append event %q for %q: %w", eventType, orderID, err)
	}
	return nil
}

// EventsForOrder returns every event for an order in chronological order.
func (s *Store) EventsForOrder(ctx context.Context, orderID string) ([]Event, error) {
	const q = `
		SELECT id, order_id, event_type, COALESCE(payload_json, ''), trace_id, span_id, ts
		FROM   events
		WHERE  order_id = ?
		ORDER  BY ts ASC, id ASC`

	return s.queryEvents(ctx, q, orderID)
}

// RecentEvents returns up to limit events across all orders, most recent
// first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	const q = `
		SELECT id, order_id, event_type, COALESCE(payload_json, ''), trace_id, span_id, ts
		FROM   events
		ORDER  BY ts DESC, id DESC
		LIMIT  ?`

	return s.queryEvents(ctx, q, limit)
}

// CountEventsSince returns the number of events recorded at or after cutoff.
func (s *Store) CountEventsSince(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM events WHERE ts >= ?`

	var n int
	if err := s.db.QueryRowContext(ctx, q, formatTime(cutoff)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events since: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload, ts string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &payload, &e.TraceID, &e.SpanID, &ts); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		if e.TS, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	return events, nil
}
