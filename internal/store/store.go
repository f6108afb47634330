// Package store provides the SQLite-backed datastore for the fulfillment
// pipeline: orders, payments and the append-only event log.
//
// WAL mode is enabled on Open so that readers never block writers and vice
// versa — important because saga goroutines write while the HTTP handlers
// and the observability aggregator read concurrently.
package store

import (
	"database/sql"
	"fmt"
	"time"

	// Register the pure-Go SQLite driver.
	// We use modernc.org/sqlite instead of mattn/go-sqlite3 to avoid CGO
	// requirements, making it easier to build and run in Docker (Alpine).
	_ "modernc.org/sqlite"
)

// schema is the DDL executed once on startup. Idempotent due to IF NOT EXISTS.
//
// Timestamps are stored as RFC3339 TEXT (SQLite idiom); RFC3339 strings in
// UTC compare lexicographically, so range queries on ts/created_at work
// without a datetime type.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
    -- Business identifier, externally assigned.
    id              TEXT PRIMARY KEY,

    -- Lifecycle state, e.g. "received", "charging_payment", "shipped".
    state           TEXT NOT NULL,

    -- Shipping address as a JSON document. Mutable via the update_address signal.
    address_json    TEXT NOT NULL,

    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_state      ON orders(state);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);

CREATE TABLE IF NOT EXISTS payments (
    -- Stable idempotency key: "<order_id>-payment-<seq>". The PRIMARY KEY is
    -- what makes payment creation race-safe under concurrent redelivery.
    idempotency_key TEXT PRIMARY KEY,

    order_id        TEXT NOT NULL REFERENCES orders(id),
    status          TEXT NOT NULL,
    amount          REAL NOT NULL,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_order_id   ON payments(order_id);
CREATE INDEX IF NOT EXISTS idx_payments_created_at ON payments(created_at);

CREATE TABLE IF NOT EXISTS events (
    -- Surrogate primary key — auto-incremented by SQLite.
    id              INTEGER PRIMARY KEY AUTOINCREMENT,

    order_id        TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    payload_json    TEXT,

    -- W3C trace/span IDs from the active OTel span, for jumping from an
    -- audit row straight to the distributed trace.
    trace_id        TEXT NOT NULL DEFAULT '',
    span_id         TEXT NOT NULL DEFAULT '',

    ts              TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_order_id ON events(order_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_ts       ON events(ts);

CREATE TABLE IF NOT EXISTS attempt_records (
    order_id          TEXT NOT NULL,
    activity_name     TEXT NOT NULL,

    -- Monotonically increasing per (order_id, activity_name), supplied by
    -- the execution substrate.
    attempt_number    INTEGER NOT NULL,

    -- "started", then upserted to "completed", "failed" or "timeout".
    status            TEXT NOT NULL,

    input_json        TEXT,
    output_json       TEXT,
    error_message     TEXT,
    execution_time_ms INTEGER,
    started_at        TEXT NOT NULL,
    completed_at      TEXT,

    PRIMARY KEY (order_id, activity_name, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_attempts_activity ON attempt_records(activity_name, status);
`

// Store wraps the SQLite handle. One Store is shared by every saga instance;
// correctness under concurrent writers relies on the unique-key
// create-if-absent semantics of the orders and payments tables, not on
// application-level locks.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Open opens (or creates) the SQLite database at the given path and applies
// the schema. WAL mode is enabled for better concurrent read/write performance.
//
//	st, err := store.Open("./data/fulfillment.db")
func Open(path string) (*Store, error) {
	// The pure-Go driver uses _pragma query parameters to configure connection state.
	// busy_timeout waits for locks instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	// Use "sqlite", not "sqlite3" for the modernc driver.
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db, nowFunc: time.Now}, nil
}

// Close releases the database connection. Call it with defer in main().
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling components (the attempt
// ledger, the observability aggregator) can share the same connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

// nullableString returns nil for empty strings so SQLite stores NULL instead
// of an empty TEXT.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
