// Package gateway defines the business step executors behind the fulfillment
// pipeline: order intake, validation, the payment provider, the warehouse and
// the carrier. The activity layer depends only on these interfaces, so tests
// and demo runs substitute scripted implementations freely.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-fulfillment/internal/store"
)

// ErrRejected marks a business rejection: terminal by design, never retried.
// Distinguish it from transient executor failures with errors.Is.
var ErrRejected = errors.New("gateway: rejected by business rule")

// Item is one order line passed to validation.
type Item struct {
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Receiver acknowledges order intake with the upstream order source.
type Receiver interface {
	Receive(ctx context.Context, orderID string) error
}

// Validator applies the business validation rules to an order's items.
// A rule violation is reported as an error wrapping ErrRejected.
type Validator interface {
	Validate(ctx context.Context, orderID string, items []Item) error
}

// PaymentProvider charges a payment and returns the provider's charge
// reference.
type PaymentProvider interface {
	Charge(ctx context.Context, orderID string, amount float64) (ref string, err error)
}

// Warehouse prepares the physical package and returns a package reference.
type Warehouse interface {
	PreparePackage(ctx context.Context, orderID string, addr store.Address) (ref string, err error)
}

// Carrier books the delivery to the given address and returns a tracking
// number.
type Carrier interface {
	Dispatch(ctx context.Context, orderID string, addr store.Address) (tracking string, err error)
}

// flakiness simulates a transiently failing external collaborator: the first
// failFirst calls per order fail, subsequent ones succeed. Safe for
// concurrent use.
type flakiness struct {
	mu        sync.Mutex
	failFirst int
	calls     map[string]int
}

// next returns an error for the first failFirst calls made for orderID.
func (f *flakiness) next(orderID, op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[orderID]++
	if f.calls[orderID] <= f.failFirst {
		return fmt.Errorf("gateway: %s temporarily unavailable (call %d for %s)", op, f.calls[orderID], orderID)
	}
	return nil
}

// SimulatedReceiver always acknowledges intake.
type SimulatedReceiver struct{}

func (SimulatedReceiver) Receive(ctx context.Context, orderID string) error {
	return nil
}

// SimulatedValidator accepts every order unless the order ID appears in
// Reject, in which case it returns the mapped reason wrapping ErrRejected.
// Orders with no items are always rejected.
type SimulatedValidator struct {
	Reject map[string]string
}

func (v SimulatedValidator) Validate(ctx context.Context, orderID string, items []Item) error {
	if reason, ok := v.Reject[orderID]; ok {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrRejected)
	}
	return nil
}

// SimulatedPaymentProvider fails the first FailFirst charges per order, then
// succeeds with a fresh charge reference.
type SimulatedPaymentProvider struct {
	flaky flakiness
}

// NewSimulatedPaymentProvider returns a provider whose first failFirst
// charge calls per order fail transiently.
func NewSimulatedPaymentProvider(failFirst int) *SimulatedPaymentProvider {
	return &SimulatedPaymentProvider{flaky: flakiness{failFirst: failFirst}}
}

func (p *SimulatedPaymentProvider) Charge(ctx context.Context, orderID string, amount float64) (string, error) {
	if err := p.flaky.next(orderID, "payment provider"); err != nil {
		return "", err
	}
	return "ch_" + uuid.NewString(), nil
}

// SimulatedWarehouse fails the first FailFirst preparations per order, then
// succeeds.
type SimulatedWarehouse struct {
	flaky flakiness
}

func NewSimulatedWarehouse(failFirst int) *SimulatedWarehouse {
	return &SimulatedWarehouse{flaky: flakiness{failFirst: failFirst}}
}

func (w *SimulatedWarehouse) PreparePackage(ctx context.Context, orderID string, addr store.Address) (string, error) {
	if err := w.flaky.next(orderID, "warehouse"); err != nil {
		return "", err
	}
	return "pkg_" + uuid.NewString(), nil
}

// SimulatedCarrier fails the first FailFirst dispatches per order, then
// succeeds with a tracking number.
type SimulatedCarrier struct {
	flaky flakiness
}

func NewSimulatedCarrier(failFirst int) *SimulatedCarrier {
	return &SimulatedCarrier{flaky: flakiness{failFirst: failFirst}}
}

func (c *SimulatedCarrier) Dispatch(ctx context.Context, orderID string, addr store.Address) (string, error) {
	if err := c.flaky.next(orderID, "carrier"); err != nil {
		return "", err
	}
	return "trk_" + uuid.NewString(), nil
}
