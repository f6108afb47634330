package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// OrderState is the lifecycle state of an order. Transitions only move
// forward through the fulfillment graph; the terminal states are frozen at
// the storage layer so substrate redelivery can never regress them.
type OrderState string

const (
	StateReceived           OrderState = "received"
	StateValidating         OrderState = "validating"
	StateValidated          OrderState = "validated"
	StateChargingPayment    OrderState = "charging_payment"
	StatePaymentCharged     OrderState = "payment_charged"
	StatePreparingPackage   OrderState = "preparing_package"
	StatePackagePrepared    OrderState = "package_prepared"
	StateDispatchingCarrier OrderState = "dispatching_carrier"
	StateShipped            OrderState = "shipped"

	StateValidationFailed         OrderState = "validation_failed"
	StatePaymentFailed            OrderState = "payment_failed"
	StatePackagePreparationFailed OrderState = "package_preparation_failed"
	StateCarrierDispatchFailed    OrderState = "carrier_dispatch_failed"
	StateCancelled                OrderState = "cancelled"
)

// FailureStates are the order states counted as failures by the system
// health dashboard.
var FailureStates = []OrderState{
	StateValidationFailed,
	StatePaymentFailed,
	StatePackagePreparationFailed,
	StateCarrierDispatchFailed,
}

// Address is the structured shipping address carried by an order.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// Order is a single row in the orders table.
type Order struct {
	ID        string     `json:"id"`
	State     OrderState `json:"state"`
	Address   Address    `json:"address"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ErrOrderNotFound is returned by GetOrder for unknown order IDs.
var ErrOrderNotFound = errors.New("store: order not found")

// CreateOrderIfAbsent inserts a new order row in the given initial state.
// Returns created=false with no error when the row already exists — the
// create-if-absent contract that makes the receive step safe under
// at-least-once redelivery.
func (s *Store) CreateOrderIfAbsent(ctx context.Context, id string, addr Address, initial OrderState) (bool, error) {
	addrJSON, err := json.Marshal(addr)
	if err != nil {
		return false, fmt.Errorf("store: marshal address: %w", err)
	}

	now := formatTime(s.nowFunc())
	const q = `
		INSERT INTO orders (id, state, address_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, id, string(initial), string(addrJSON), now, now)
	if err != nil {
		return false, fmt.Errorf("store: create order %q: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: create order %q: %w", id, err)
	}
	return n > 0, nil
}

// GetOrder returns the order row for id, or ErrOrderNotFound.
func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	const q = `
		SELECT id, state, address_json, created_at, updated_at
		FROM   orders
		WHERE  id = ?`

	return scanOrder(s.db.QueryRowContext(ctx, q, id))
}

// UpdateOrderState moves an order to a new lifecycle state.
//
// Terminal states ("shipped", "cancelled") are frozen: the UPDATE silently
// becomes a no-op, so a late redelivered step can never pull an order back
// out of a terminal state. Rewriting the current state is also a no-op in
// effect, which is exactly what same-step redelivery needs.
func (s *Store) UpdateOrderState(ctx context.Context, id string, state OrderState) error {
	const q = `
		UPDATE orders
		SET    state = ?, updated_at = ?
		WHERE  id = ? AND state NOT IN (?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		string(state),
		formatTime(s.nowFunc()),
		id,
		string(StateShipped),
		string(StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("store: update order %q state to %q: %w", id, state, err)
	}
	return nil
}

// UpdateOrderAddress replaces the persisted shipping address. Idempotent, so
// redelivered update_address signals are safe.
func (s *Store) UpdateOrderAddress(ctx context.Context, id string, addr Address) error {
	addrJSON, err := json.Marshal(addr)
	if err != nil {
		return fmt.Errorf("store: marshal address: %w", err)
	}

	const q = `UPDATE orders SET address_json = ?, updated_at = ? WHERE id = ?`
	_, err = s.db.ExecContext(ctx, q, string(addrJSON), formatTime(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("store: update order %q address: %w", id, err)
	}
	return nil
}

// RecentOrders returns up to limit orders, most recent first.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]Order, error) {
	const q = `
		SELECT id, state, address_json, created_at, updated_at
		FROM   orders
		ORDER  BY created_at DESC
		LIMIT  ?`

	return s.queryOrders(ctx, q, limit)
}

// OrdersByState returns all orders currently in the given state, most recent
// first.
func (s *Store) OrdersByState(ctx context.Context, state OrderState) ([]Order, error) {
	const q = `
		SELECT id, state, address_json, created_at, updated_at
		FROM   orders
		WHERE  state = ?
		ORDER  BY created_at DESC`

	return s.queryOrders(ctx, q, string(state))
}

// CountOrdersByState returns order counts grouped by lifecycle state, plus
// the overall total.
func (s *Store) CountOrdersByState(ctx context.Context) (map[OrderState]int, int, error) {
	const q = `SELECT state, COUNT(*) FROM orders GROUP BY state`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("store: count orders by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[OrderState]int)
	total := 0
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, 0, fmt.Errorf("store: count orders by state: %w", err)
		}
		counts[OrderState(state)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: count orders by state: %w", err)
	}
	return counts, total, nil
}

// CountOrdersSince returns the number of orders created at or after cutoff.
func (s *Store) CountOrdersSince(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM orders WHERE created_at >= ?`

	var n int
	if err := s.db.QueryRowContext(ctx, q, formatTime(cutoff)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count orders since: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var state, addrJSON, createdAt, updatedAt string

	err := row.Scan(&o.ID, &state, &addrJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan order: %w", err)
	}

	o.State = OrderState(state)
	if err := json.Unmarshal([]byte(addrJSON), &o.Address); err != nil {
		return nil, fmt.Errorf("store: unmarshal address for %q: %w", o.ID, err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) queryOrders(ctx context.Context, q string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query orders: %w", err)
	}
	return orders, nil
}
