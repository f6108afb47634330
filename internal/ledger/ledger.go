// Package ledger implements the attempt ledger: the append-mostly record of
// every invocation of every activity, used for retry visibility and health
// metrics.
//
// The ledger holds no business rules. Every write is best-effort from the
// caller's perspective: a caller must never fail its primary operation
// because a ledger write failed.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Status of a single attempt record.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Record is one row in attempt_records, keyed by
// (order_id, activity_name, attempt_number). A "started" row is upserted to
// its terminal status when the attempt finishes.
type Record struct {
	OrderID         string          `json:"order_id"`
	ActivityName    string          `json:"activity_name"`
	AttemptNumber   int             `json:"attempt_number"`
	Status          Status          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Ledger records and queries activity attempts. It shares the store's SQLite
// handle; the attempt_records DDL is part of the store schema.
type Ledger struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (l *Ledger) SetNowFunc(f func() time.Time) {
	l.nowFunc = f
}

// RecordAttempt upserts one attempt row. The first write for a key is the
// "started" snapshot; the terminal write fills in status, output, error and
// duration. Input and output survive the upsert via COALESCE so a terminal
// write without a snapshot does not erase the started one.
func (l *Ledger) RecordAttempt(ctx context.Context, rec Record) error {
	startedAt := rec.StartedAt
	if startedAt.IsZero() {
		startedAt = l.nowFunc()
	}

	var completedAt any
	switch rec.Status {
	case StatusCompleted, StatusFailed, StatusTimeout:
		if rec.CompletedAt != nil {
			completedAt = formatTime(*rec.CompletedAt)
		} else {
			completedAt = formatTime(l.nowFunc())
		}
	}

	var execMs any
	if rec.ExecutionTimeMs > 0 || rec.Status != StatusStarted {
		execMs = rec.ExecutionTimeMs
	}

	const q = `
		INSERT INTO attempt_records
			(order_id, activity_name, attempt_number, status, input_json, output_json,
			 error_message, execution_time_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id, activity_name, attempt_number) DO UPDATE SET
			status            = excluded.status,
			input_json        = COALESCE(excluded.input_json, attempt_records.input_json),
			output_json       = COALESCE(excluded.output_json, attempt_records.output_json),
			error_message     = excluded.error_message,
			execution_time_ms = excluded.execution_time_ms,
			completed_at      = excluded.completed_at`

	_, err := l.db.ExecContext(ctx, q,
		rec.OrderID,
		rec.ActivityName,
		rec.AttemptNumber,
		string(rec.Status),
		nullableJSON(rec.Input),
		nullableJSON(rec.Output),
		nullableString(rec.ErrorMessage),
		execMs,
		formatTime(startedAt),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: record attempt %s/%s#%d: %w", rec.OrderID, rec.ActivityName, rec.AttemptNumber, err)
	}
	return nil
}

// ListAttempts returns every attempt for an order ordered by start time.
func (l *Ledger) ListAttempts(ctx context.Context, orderID string) ([]Record, error) {
	const q = `
		SELECT order_id, activity_name, attempt_number, status,
		       COALESCE(input_json, ''), COALESCE(output_json, ''),
		       COALESCE(error_message, ''), COALESCE(execution_time_ms, 0),
		       started_at, completed_at
		FROM   attempt_records
		WHERE  order_id = ?
		ORDER  BY started_at ASC, attempt_number ASC`

	rows, err := l.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list attempts for %q: %w", orderID, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var status, input, output, startedAt string
		var completedAt sql.NullString
		if err := rows.Scan(
			&rec.OrderID, &rec.ActivityName, &rec.AttemptNumber, &status,
			&input, &output, &rec.ErrorMessage, &rec.ExecutionTimeMs,
			&startedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan attempt: %w", err)
		}
		rec.Status = Status(status)
		if input != "" {
			rec.Input = json.RawMessage(input)
		}
		if output != "" {
			rec.Output = json.RawMessage(output)
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			rec.CompletedAt = &t
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list attempts for %q: %w", orderID, err)
	}
	return recs, nil
}

// ActivityStats is the per-activity aggregate over all attempt records.
type ActivityStats struct {
	ActivityName    string  `json:"activity_name"`
	TotalAttempts   int     `json:"total_attempts"`
	FailedAttempts  int     `json:"failed_attempts"`
	TimeoutAttempts int     `json:"timeout_attempts"`
	AvgTimeMs       float64 `json:"avg_execution_time_ms"`
	MaxTimeMs       int64   `json:"max_execution_time_ms"`
}

// ActivityPerformance aggregates attempts, failures, timeouts and durations
// per activity, busiest activity first.
func (l *Ledger) ActivityPerformance(ctx context.Context) ([]ActivityStats, error) {
	const q = `
		SELECT activity_name,
		       COUNT(*),
		       SUM(CASE WHEN status = 'failed'  THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END),
		       COALESCE(AVG(execution_time_ms), 0),
		       COALESCE(MAX(execution_time_ms), 0)
		FROM   attempt_records
		GROUP  BY activity_name
		ORDER  BY COUNT(*) DESC`

	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ledger: activity performance: %w", err)
	}
	defer rows.Close()

	var stats []ActivityStats
	for rows.Next() {
		var st ActivityStats
		if err := rows.Scan(&st.ActivityName, &st.TotalAttempts, &st.FailedAttempts,
			&st.TimeoutAttempts, &st.AvgTimeMs, &st.MaxTimeMs); err != nil {
			return nil, fmt.Errorf("ledger: scan activity stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: activity performance: %w", err)
	}
	return stats, nil
}

// CountFailuresSince returns the number of failed or timed-out attempts
// started at or after cutoff, for the dashboard's recent-failure window.
func (l *Ledger) CountFailuresSince(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM   attempt_records
		WHERE  status IN ('failed', 'timeout') AND started_at >= ?`

	var n int
	if err := l.db.QueryRowContext(ctx, q, formatTime(cutoff)).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count failures since: %w", err)
	}
	return n, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: parse time %q: %w", s, err)
	}
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
