// Package saga contains the order fulfillment coordinator and its shipping
// child saga. The coordinator sequences the idempotent steps, holds the
// approval gate open for the SLA window, reacts to signals, and delegates
// shipping to the child saga.
package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/order-fulfillment/internal/activity"
	"github.com/jcmexdev/order-fulfillment/internal/gateway"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

// DefaultApprovalSLA is how long the coordinator waits for a human decision
// before cancelling automatically.
const DefaultApprovalSLA = 3 * time.Minute

// DefaultChargeAmount is the fixed charge used when no amount is configured.
const DefaultChargeAmount = 99.99

// defaultItems is the fixed item list validated for every order.
var defaultItems = []gateway.Item{
	{SKU: "SKU-001", Quantity: 1, Price: 59.99},
	{SKU: "SKU-002", Quantity: 2, Price: 20.00},
}

// Coordinator drives one order through the fulfillment pipeline.
type Coordinator struct {
	acts         *activity.Activities
	shipping     *ShippingSaga
	approvalSLA  time.Duration
	chargeAmount float64
	stepPolicy   substrate.RetryPolicy
}

// Option tweaks the coordinator's defaults.
type Option func(*Coordinator)

// WithApprovalSLA overrides the approval window.
func WithApprovalSLA(d time.Duration) Option {
	return func(c *Coordinator) { c.approvalSLA = d }
}

// WithChargeAmount overrides the charge amount.
func WithChargeAmount(amount float64) Option {
	return func(c *Coordinator) { c.chargeAmount = amount }
}

// WithStepPolicy overrides the retry budget of the parent saga's steps.
func WithStepPolicy(p substrate.RetryPolicy) Option {
	return func(c *Coordinator) { c.stepPolicy = p }
}

func NewCoordinator(acts *activity.Activities, opts ...Option) *Coordinator {
	c := &Coordinator{
		acts:         acts,
		shipping:     NewShippingSaga(acts),
		approvalSLA:  DefaultApprovalSLA,
		chargeAmount: DefaultChargeAmount,
		stepPolicy:   substrate.DefaultStepPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the order saga for one order. The returned Outcome is the
// saga's terminal tag; the error is non-nil only for infrastructure failures
// (context cancellation, exhausted receive step) that leave the saga without
// a defined business outcome.
//
// The saga body runs as a single logical thread: no internal parallelism,
// suspension only at the approval wait and at step boundaries.
func (c *Coordinator) Run(ctx context.Context, sess *substrate.Session, orderID string, addr store.Address) (Outcome, error) {
	slog.InfoContext(ctx, "order saga started", "order_id", orderID)

	// Step 1: receive. Persists the order row; safe under redelivery.
	err := sess.ExecuteStep(ctx, activity.StepReceiveOrder, c.stepPolicy, func(ctx context.Context, attempt int) error {
		return c.acts.ReceiveOrder(ctx, activity.ReceiveOrderInput{
			OrderID: orderID,
			Address: addr,
			Attempt: attempt,
		})
	})
	if err != nil {
		return "", err
	}

	// Step 2: validate. A business rejection is terminal and not retried;
	// only the step's own transient failures consume the retry budget.
	err = sess.ExecuteStep(ctx, activity.StepValidateOrder, c.stepPolicy, func(ctx context.Context, attempt int) error {
		return c.acts.ValidateOrder(ctx, activity.ValidateOrderInput{
			OrderID: orderID,
			Items:   defaultItems,
			Attempt: attempt,
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.InfoContext(ctx, "order validation failed", "order_id", orderID, "error", err)
		return OutcomeValidationFailed, nil
	}

	// Step 3: the approval gate. Exactly one of three things happens:
	// timeout, cancellation, or approval.
	met, err := sess.WaitForCondition(ctx, c.approvalSLA, func() bool {
		return sess.Cancelled() || sess.Approved()
	})
	if err != nil {
		return "", err
	}

	// Tie-break: cancellation wins over approval no matter the delivery
	// order. This is an explicit rule, not an accident of scheduling —
	// cancellation is irrevocable once observed.
	if sess.Cancelled() {
		if err := c.acts.CancelOrder(ctx, orderID, false, "cancel signal received"); err != nil {
			slog.ErrorContext(ctx, "failed to persist cancellation", "order_id", orderID, "error", err)
		}
		slog.InfoContext(ctx, "order cancelled by signal", "order_id", orderID)
		return OutcomeCancelled, nil
	}
	if !met {
		if err := c.acts.CancelOrder(ctx, orderID, true, "approval SLA expired"); err != nil {
			slog.ErrorContext(ctx, "failed to persist auto-cancellation", "order_id", orderID, "error", err)
		}
		slog.InfoContext(ctx, "order auto-cancelled after approval timeout",
			"order_id", orderID, "sla", c.approvalSLA)
		return OutcomeAutoCancelled, nil
	}

	// Step 4: charge payment. The idempotency key is derived from the
	// saga-intended charge sequence — the first (and only) charge of this
	// topology is always sequence 1, whatever attempt number the substrate
	// delivers it under.
	err = sess.ExecuteStep(ctx, activity.StepChargePayment, c.stepPolicy, func(ctx context.Context, attempt int) error {
		return c.acts.ChargePayment(ctx, activity.ChargePaymentInput{
			OrderID:    orderID,
			PaymentSeq: 1,
			Amount:     c.chargeAmount,
			Attempt:    attempt,
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.ErrorContext(ctx, "payment failed terminally", "order_id", orderID, "error", err)
		return OutcomePaymentFailed, nil
	}

	// Step 5: delegate to the shipping child saga with the current address —
	// an update_address signal delivered any time before this point replaces
	// it.
	if override, ok := sess.AddressOverride(); ok {
		addr = override
	}

	return c.shipping.Run(ctx, sess.ChildSession("shipping"), orderID, addr)
}
