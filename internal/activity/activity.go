// Package activity is the idempotent activity layer: it wraps each business
// step so the step is safe to re-invoke under the substrate's at-least-once
// delivery.
//
// Every wrapper follows the same shape: ensure the persisted record exists
// (create-if-absent), write a started attempt record and an entry event,
// short-circuit if a prior invocation already succeeded for the same
// idempotency key, execute the business call, then persist the success or
// failure state with a terminal event and attempt record.
//
// Errors are strictly two-channel: the business call's error is the only
// error a wrapper ever returns; failures writing to the event log or the
// attempt ledger are logged at WARN and swallowed, so a failure to record an
// attempt is never mistaken for a failure to execute it.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/order-fulfillment/internal/gateway"
	"github.com/jcmexdev/order-fulfillment/internal/ledger"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

// Step names as recorded in the attempt ledger.
const (
	StepReceiveOrder    = "receive_order"
	StepValidateOrder   = "validate_order"
	StepChargePayment   = "charge_payment"
	StepPreparePackage  = "prepare_package"
	StepDispatchCarrier = "dispatch_carrier"
)

// PaymentKey derives the stable idempotency key for a charge: the order ID
// plus the charge sequence intended by the saga logic. The substrate's
// retry-attempt counter must never leak into this key — a redelivered charge
// carries a new attempt number, and keying on it would mint a second payment
// row for the same logical charge.
func PaymentKey(orderID string, seq int) string {
	return fmt.Sprintf("%s-payment-%d", orderID, seq)
}

// Gateways bundles the business step executors.
type Gateways struct {
	Receiver  gateway.Receiver
	Validator gateway.Validator
	Payments  gateway.PaymentProvider
	Warehouse gateway.Warehouse
	Carrier   gateway.Carrier
}

// Activities hosts the idempotent step wrappers.
type Activities struct {
	store   *store.Store
	ledger  *ledger.Ledger
	gw      Gateways
	nowFunc func() time.Time
}

func New(st *store.Store, ld *ledger.Ledger, gw Gateways) *Activities {
	return &Activities{store: st, ledger: ld, gw: gw, nowFunc: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (a *Activities) SetNowFunc(f func() time.Time) {
	a.nowFunc = f
}

// observe logs a failed observability write and drops it. The primary
// operation's outcome must never depend on these.
func (a *Activities) observe(ctx context.Context, op string, err error) {
	if err != nil {
		slog.WarnContext(ctx, "observability write failed", "op", op, "error", err)
	}
}

func (a *Activities) logEvent(ctx context.Context, orderID, eventType string, payload any) {
	a.observe(ctx, "append event "+eventType, a.store.AppendEvent(ctx, orderID, eventType, payload))
}

func (a *Activities) recordStarted(ctx context.Context, orderID, step string, attempt int, start time.Time, input any) {
	rec := ledger.Record{
		OrderID:       orderID,
		ActivityName:  step,
		AttemptNumber: attempt,
		Status:        ledger.StatusStarted,
		StartedAt:     start,
	}
	if input != nil {
		rec.Input = marshalSnapshot(input)
	}
	a.observe(ctx, "record started attempt", a.ledger.RecordAttempt(ctx, rec))
}

func (a *Activities) recordCompleted(ctx context.Context, orderID, step string, attempt int, start time.Time, output any) {
	rec := ledger.Record{
		OrderID:         orderID,
		ActivityName:    step,
		AttemptNumber:   attempt,
		Status:          ledger.StatusCompleted,
		StartedAt:       start,
		ExecutionTimeMs: a.nowFunc().Sub(start).Milliseconds(),
	}
	if output != nil {
		rec.Output = marshalSnapshot(output)
	}
	a.observe(ctx, "record completed attempt", a.ledger.RecordAttempt(ctx, rec))
}

func (a *Activities) recordFailed(ctx context.Context, orderID, step string, attempt int, start time.Time, cause error) {
	status := ledger.StatusFailed
	if errors.Is(cause, context.DeadlineExceeded) {
		status = ledger.StatusTimeout
	}
	a.observe(ctx, "record failed attempt", a.ledger.RecordAttempt(ctx, ledger.Record{
		OrderID:         orderID,
		ActivityName:    step,
		AttemptNumber:   attempt,
		Status:          status,
		ErrorMessage:    cause.Error(),
		StartedAt:       start,
		ExecutionTimeMs: a.nowFunc().Sub(start).Milliseconds(),
	}))
}

// ReceiveOrderInput carries the arguments of the receive step.
type ReceiveOrderInput struct {
	OrderID string        `json:"order_id"`
	Address store.Address `json:"address"`
	Attempt int           `json:"attempt_number"`
}

// ReceiveOrder persists the order row (create-if-absent) and acknowledges
// intake. Redelivery finds the existing row and leaves exactly one order.
func (a *Activities) ReceiveOrder(ctx context.Context, in ReceiveOrderInput) error {
	start := a.nowFunc()
	a.recordStarted(ctx, in.OrderID, StepReceiveOrder, in.Attempt, start, in)
	a.logEvent(ctx, in.OrderID, "order_receive_started", map[string]any{
		"attempt_number": in.Attempt,
	})

	created, err := a.store.CreateOrderIfAbsent(ctx, in.OrderID, in.Address, store.StateReceived)
	if err != nil {
		a.logEvent(ctx, in.OrderID, "order_receive_failed", failurePayload(in.Attempt, err))
		a.recordFailed(ctx, in.OrderID, StepReceiveOrder, in.Attempt, start, err)
		return err
	}

	if err := a.gw.Receiver.Receive(ctx, in.OrderID); err != nil {
		a.logEvent(ctx, in.OrderID, "order_receive_failed", failurePayload(in.Attempt, err))
		a.recordFailed(ctx, in.OrderID, StepReceiveOrder, in.Attempt, start, err)
		return err
	}

	a.logEvent(ctx, in.OrderID, "order_received", map[string]any{
		"attempt_number": in.Attempt,
		"address":        in.Address,
		"created":        created,
	})
	a.recordCompleted(ctx, in.OrderID, StepReceiveOrder, in.Attempt, start, map[string]any{
		"created": created,
	})
	return nil
}

// ValidateOrderInput carries the arguments of the validate step.
type ValidateOrderInput struct {
	OrderID string         `json:"order_id"`
	Items   []gateway.Item `json:"items"`
	Attempt int            `json:"attempt_number"`
}

// ValidateOrder applies the business validation rules. A business rejection
// is terminal: the order moves to validation_failed and the error comes back
// marked non-retryable so the substrate does not retry the decision.
func (a *Activities) ValidateOrder(ctx context.Context, in ValidateOrderInput) error {
	start := a.nowFunc()
	a.recordStarted(ctx, in.OrderID, StepValidateOrder, in.Attempt, start, in)

	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StateValidating); err != nil {
		a.recordFailed(ctx, in.OrderID, StepValidateOrder, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "validation_started", map[string]any{
		"attempt_number": in.Attempt,
		"items":          in.Items,
	})

	if err := a.gw.Validator.Validate(ctx, in.OrderID, in.Items); err != nil {
		a.observe(ctx, "update order state", a.store.UpdateOrderState(ctx, in.OrderID, store.StateValidationFailed))
		a.logEvent(ctx, in.OrderID, "validation_failed", failurePayload(in.Attempt, err))
		a.recordFailed(ctx, in.OrderID, StepValidateOrder, in.Attempt, start, err)
		if errors.Is(err, gateway.ErrRejected) {
			return substrate.NonRetryable(err)
		}
		return err
	}

	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StateValidated); err != nil {
		a.recordFailed(ctx, in.OrderID, StepValidateOrder, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "order_validated", map[string]any{
		"attempt_number": in.Attempt,
	})
	a.recordCompleted(ctx, in.OrderID, StepValidateOrder, in.Attempt, start, nil)
	return nil
}

// ChargePaymentInput carries the arguments of the payment step. PaymentSeq
// is the business-level charge sequence (the Nth charge intended by the saga
// logic), not the substrate attempt counter.
type ChargePaymentInput struct {
	OrderID    string  `json:"order_id"`
	PaymentSeq int     `json:"payment_seq"`
	Amount     float64 `json:"amount"`
	Attempt    int     `json:"attempt_number"`
}

// ChargePayment charges the payment provider exactly once per idempotency
// key. A redelivered invocation that finds the key already charged returns
// the recorded success without touching the provider.
func (a *Activities) ChargePayment(ctx context.Context, in ChargePaymentInput) error {
	key := PaymentKey(in.OrderID, in.PaymentSeq)
	start := a.nowFunc()
	a.recordStarted(ctx, in.OrderID, StepChargePayment, in.Attempt, start, map[string]any{
		"idempotency_key": key,
		"amount":          in.Amount,
		"attempt_number":  in.Attempt,
	})

	// Prior-completion check. This read is part of the primary operation:
	// skipping it on error could double-charge, so the error propagates.
	existing, err := a.store.GetPayment(ctx, key)
	if err != nil {
		a.recordFailed(ctx, in.OrderID, StepChargePayment, in.Attempt, start, err)
		return err
	}
	if existing != nil && existing.Status == store.PaymentCharged {
		a.logEvent(ctx, in.OrderID, "payment_already_processed", map[string]any{
			"idempotency_key": key,
			"status":          existing.Status,
		})
		a.recordCompleted(ctx, in.OrderID, StepChargePayment, in.Attempt, start, map[string]any{
			"idempotency_key": key,
			"short_circuit":   true,
		})
		return nil
	}

	if _, err := a.store.CreatePaymentIfAbsent(ctx, key, in.OrderID, in.Amount); err != nil {
		a.recordFailed(ctx, in.OrderID, StepChargePayment, in.Attempt, start, err)
		return err
	}
	if in.Attempt > 1 {
		a.observe(ctx, "update payment retry info",
			a.store.UpdatePaymentRetryInfo(ctx, key, in.Attempt-1, ""))
	}
	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StateChargingPayment); err != nil {
		a.recordFailed(ctx, in.OrderID, StepChargePayment, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "payment_charging_started", map[string]any{
		"idempotency_key": key,
		"amount":          in.Amount,
		"attempt_number":  in.Attempt,
	})

	ref, err := a.gw.Payments.Charge(ctx, in.OrderID, in.Amount)
	if err != nil {
		a.observe(ctx, "update payment status", a.store.UpdatePaymentStatus(ctx, key, store.PaymentFailed))
		a.observe(ctx, "update payment retry info",
			a.store.UpdatePaymentRetryInfo(ctx, key, in.Attempt-1, err.Error()))
		a.observe(ctx, "update order state", a.store.UpdateOrderState(ctx, in.OrderID, store.StatePaymentFailed))
		a.logEvent(ctx, in.OrderID, "payment_failed", map[string]any{
			"idempotency_key": key,
			"error":           err.Error(),
			"attempt_number":  in.Attempt,
			"retry_count":     in.Attempt - 1,
		})
		a.recordFailed(ctx, in.OrderID, StepChargePayment, in.Attempt, start, err)
		return err
	}

	if err := a.store.UpdatePaymentStatus(ctx, key, store.PaymentCharged); err != nil {
		a.recordFailed(ctx, in.OrderID, StepChargePayment, in.Attempt, start, err)
		return err
	}
	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StatePaymentCharged); err != nil {
		a.recordFailed(ctx, in.OrderID, StepChargePayment, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "payment_charged", map[string]any{
		"idempotency_key": key,
		"amount":          in.Amount,
		"charge_ref":      ref,
	})
	a.recordCompleted(ctx, in.OrderID, StepChargePayment, in.Attempt, start, map[string]any{
		"idempotency_key": key,
		"charge_ref":      ref,
	})
	return nil
}

// ShippingStepInput carries the arguments of both shipping steps.
type ShippingStepInput struct {
	OrderID string        `json:"order_id"`
	Address store.Address `json:"address"`
	Attempt int           `json:"attempt_number"`
}

// PreparePackage asks the warehouse to prepare the physical package.
func (a *Activities) PreparePackage(ctx context.Context, in ShippingStepInput) error {
	start := a.nowFunc()
	a.recordStarted(ctx, in.OrderID, StepPreparePackage, in.Attempt, start, in)

	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StatePreparingPackage); err != nil {
		a.recordFailed(ctx, in.OrderID, StepPreparePackage, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "package_preparation_started", map[string]any{
		"attempt_number":   in.Attempt,
		"shipping_address": in.Address,
	})

	ref, err := a.gw.Warehouse.PreparePackage(ctx, in.OrderID, in.Address)
	if err != nil {
		a.observe(ctx, "update order state", a.store.UpdateOrderState(ctx, in.OrderID, store.StatePackagePreparationFailed))
		a.logEvent(ctx, in.OrderID, "package_preparation_failed", failurePayload(in.Attempt, err))
		a.recordFailed(ctx, in.OrderID, StepPreparePackage, in.Attempt, start, err)
		return err
	}

	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StatePackagePrepared); err != nil {
		a.recordFailed(ctx, in.OrderID, StepPreparePackage, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "package_prepared", map[string]any{
		"attempt_number":   in.Attempt,
		"package_ref":      ref,
		"shipping_address": in.Address,
	})
	a.recordCompleted(ctx, in.OrderID, StepPreparePackage, in.Attempt, start, map[string]any{
		"package_ref": ref,
	})
	return nil
}

// DispatchCarrier books the carrier and, on success, moves the order to its
// final shipped state.
func (a *Activities) DispatchCarrier(ctx context.Context, in ShippingStepInput) error {
	start := a.nowFunc()
	a.recordStarted(ctx, in.OrderID, StepDispatchCarrier, in.Attempt, start, in)

	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StateDispatchingCarrier); err != nil {
		a.recordFailed(ctx, in.OrderID, StepDispatchCarrier, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "carrier_dispatch_started", map[string]any{
		"attempt_number":   in.Attempt,
		"delivery_address": in.Address,
	})

	tracking, err := a.gw.Carrier.Dispatch(ctx, in.OrderID, in.Address)
	if err != nil {
		a.observe(ctx, "update order state", a.store.UpdateOrderState(ctx, in.OrderID, store.StateCarrierDispatchFailed))
		a.logEvent(ctx, in.OrderID, "carrier_dispatch_failed", failurePayload(in.Attempt, err))
		a.recordFailed(ctx, in.OrderID, StepDispatchCarrier, in.Attempt, start, err)
		return err
	}

	if err := a.store.UpdateOrderState(ctx, in.OrderID, store.StateShipped); err != nil {
		a.recordFailed(ctx, in.OrderID, StepDispatchCarrier, in.Attempt, start, err)
		return err
	}
	a.logEvent(ctx, in.OrderID, "order_shipped", map[string]any{
		"attempt_number":   in.Attempt,
		"tracking_number":  tracking,
		"delivery_address": in.Address,
	})
	a.recordCompleted(ctx, in.OrderID, StepDispatchCarrier, in.Attempt, start, map[string]any{
		"tracking_number": tracking,
	})
	return nil
}

// CancelOrder moves the order to the terminal cancelled state. auto marks an
// SLA-expiry cancellation as opposed to an explicit cancel signal.
func (a *Activities) CancelOrder(ctx context.Context, orderID string, auto bool, reason string) error {
	if err := a.store.UpdateOrderState(ctx, orderID, store.StateCancelled); err != nil {
		return err
	}
	a.logEvent(ctx, orderID, "order_cancelled", map[string]any{
		"auto":   auto,
		"reason": reason,
	})
	return nil
}

// UpdateShippingAddress persists a replacement shipping address delivered by
// the update_address signal. Idempotent under redelivery.
func (a *Activities) UpdateShippingAddress(ctx context.Context, orderID string, addr store.Address) error {
	if err := a.store.UpdateOrderAddress(ctx, orderID, addr); err != nil {
		return err
	}
	a.logEvent(ctx, orderID, "address_updated", map[string]any{
		"address": addr,
	})
	return nil
}

// marshalSnapshot best-effort encodes an input/output snapshot for the
// ledger. A snapshot that cannot be encoded is simply dropped.
func marshalSnapshot(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func failurePayload(attempt int, err error) map[string]any {
	return map[string]any{
		"attempt_number": attempt,
		"error":          err.Error(),
	}
}
