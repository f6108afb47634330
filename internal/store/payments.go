package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PaymentStatus is the lifecycle of a single payment row.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentCharged PaymentStatus = "charged"
	PaymentFailed  PaymentStatus = "failed"
)

// Payment is a single row in the payments table, keyed by the stable
// idempotency key derived from the order ID and the saga-intended charge
// sequence. At most one row per key can ever reach "charged".
type Payment struct {
	IdempotencyKey string        `json:"idempotency_key"`
	OrderID        string        `json:"order_id"`
	Status         PaymentStatus `json:"status"`
	Amount         float64       `json:"amount"`
	RetryCount     int           `json:"retry_count"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CreatePaymentIfAbsent inserts a pending payment row for the given
// idempotency key. Returns created=false with no error when a row for the
// key already exists. The PK conflict clause is what guarantees exactly one
// row per key under concurrent redelivery — no application-level lock.
func (s *Store) CreatePaymentIfAbsent(ctx context.Context, key, orderID string, amount float64) (bool, error) {
	const q = `
		INSERT INTO payments (idempotency_key, order_id, status, amount, retry_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, key, orderID, string(PaymentPending), amount, formatTime(s.nowFunc()))
	if err != nil {
		return false, fmt.Errorf("store: create payment %q: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create payment %q: %w", key, err)
	}
	return n > 0, nil
}

// GetPayment returns the payment row for key, or (nil, nil) when no row
// exists.
func (s *Store) GetPayment(ctx context.Context, key string) (*Payment, error) {
	const q = `
		SELECT idempotency_key, order_id, status, amount, retry_count, COALESCE(last_error, ''), created_at
		FROM   payments
		WHERE  idempotency_key = ?`

	p, err := scanPayment(s.db.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpdatePaymentStatus transitions a payment to a new status.
func (s *Store) UpdatePaymentStatus(ctx context.Context, key string, status PaymentStatus) error {
	const q = `UPDATE payments SET status = ? WHERE idempotency_key = ?`
	if _, err := s.db.ExecContext(ctx, q, string(status), key); err != nil {
		return fmt.Errorf("store: update payment %q status: %w", key, err)
	}
	return nil
}

// UpdatePaymentRetryInfo records the retry count and the most recent error
// for a payment, for the health report.
func (s *Store) UpdatePaymentRetryInfo(ctx context.Context, key string, retryCount int, lastError string) error {
	const q = `UPDATE payments SET retry_count = ?, last_error = ? WHERE idempotency_key = ?`
	if _, err := s.db.ExecContext(ctx, q, retryCount, nullableString(lastError), key); err != nil {
		return fmt.Errorf("store: update payment %q retry info: %w", key, err)
	}
	return nil
}

// PaymentsForOrder returns every payment row for an order, most recent first.
func (s *Store) PaymentsForOrder(ctx context.Context, orderID string) ([]Payment, error) {
	const q = `
		SELECT idempotency_key, order_id, status, amount, retry_count, COALESCE(last_error, ''), created_at
		FROM   payments
		WHERE  order_id = ?
		ORDER  BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("store: payments for order %q: %w", orderID, err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: payments for order %q: %w", orderID, err)
	}
	return payments, nil
}

// PaymentStats summarises payments by status for the system dashboard.
type PaymentStats struct {
	TotalPayments      int                   `json:"total_payments"`
	TotalChargedAmount float64               `json:"total_charged_amount"`
	ByStatus           map[PaymentStatus]int `json:"by_status"`
}

// PaymentStatsSummary aggregates payment counts and the total charged amount.
func (s *Store) PaymentStatsSummary(ctx context.Context) (*PaymentStats, error) {
	const q = `SELECT status, COUNT(*), SUM(amount) FROM payments GROUP BY status`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: payment stats: %w", err)
	}
	defer rows.Close()

	stats := &PaymentStats{ByStatus: make(map[PaymentStatus]int)}
	for rows.Next() {
		var status string
		var n int
		var amount sql.NullFloat64
		if err := rows.Scan(&status, &n, &amount); err != nil {
			return nil, fmt.Errorf("store: payment stats: %w", err)
		}
		stats.ByStatus[PaymentStatus(status)] = n
		stats.TotalPayments += n
		if PaymentStatus(status) == PaymentCharged && amount.Valid {
			stats.TotalChargedAmount = amount.Float64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: payment stats: %w", err)
	}
	return stats, nil
}

// CountPaymentsSince returns the number of payments created at or after cutoff.
func (s *Store) CountPaymentsSince(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM payments WHERE created_at >= ?`

	var n int
	if err := s.db.QueryRowContext(ctx, q, formatTime(cutoff)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count payments since: %w", err)
	}
	return n, nil
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var status, createdAt string

	err := row.Scan(&p.IdempotencyKey, &p.OrderID, &status, &p.Amount, &p.RetryCount, &p.LastError, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan payment: %w", err)
	}

	p.Status = PaymentStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}
