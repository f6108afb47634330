package saga

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-fulfillment/internal/activity"
	"github.com/jcmexdev/order-fulfillment/internal/gateway"
	"github.com/jcmexdev/order-fulfillment/internal/ledger"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

var fastStepPolicy = substrate.RetryPolicy{
	InitialInterval:    time.Millisecond,
	BackoffCoefficient: 2.0,
	MaxInterval:        5 * time.Millisecond,
	MaxAttempts:        3,
}

type sagaFixture struct {
	store  *store.Store
	ledger *ledger.Ledger
	coord  *Coordinator
}

func newSagaFixture(t *testing.T, gw activity.Gateways, opts ...Option) *sagaFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	if gw.Receiver == nil {
		gw.Receiver = gateway.SimulatedReceiver{}
	}
	if gw.Validator == nil {
		gw.Validator = gateway.SimulatedValidator{}
	}
	if gw.Payments == nil {
		gw.Payments = gateway.NewSimulatedPaymentProvider(0)
	}
	if gw.Warehouse == nil {
		gw.Warehouse = gateway.NewSimulatedWarehouse(0)
	}
	if gw.Carrier == nil {
		gw.Carrier = gateway.NewSimulatedCarrier(0)
	}

	ld := ledger.New(st.DB())
	acts := activity.New(st, ld, gw)
	opts = append([]Option{WithStepPolicy(fastStepPolicy)}, opts...)
	return &sagaFixture{
		store:  st,
		ledger: ld,
		coord:  NewCoordinator(acts, opts...),
	}
}

var testAddr = store.Address{Street: "123 Main St", City: "Springfield"}

func TestSagaHappyPath(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{}, WithApprovalSLA(5*time.Second))
	sess := substrate.NewSession("O-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.Approve()
	}()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeShipped, outcome)
	assert.True(t, outcome.Shipped())

	ctx := context.Background()
	order, err := f.store.GetOrder(ctx, "O-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateShipped, order.State)

	// Exactly one charged payment for the run.
	payments, err := f.store.PaymentsForOrder(ctx, "O-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentCharged, payments[0].Status)
	assert.Equal(t, activity.PaymentKey("O-1", 1), payments[0].IdempotencyKey)

	events, err := f.store.EventsForOrder(ctx, "O-1")
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, "order_received")
	assert.Contains(t, types, "order_validated")
	assert.Contains(t, types, "payment_charged")
	assert.Contains(t, types, "package_prepared")
	assert.Contains(t, types, "order_shipped")
}

func TestSagaAutoCancelsOnApprovalTimeout(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{}, WithApprovalSLA(20*time.Millisecond))
	sess := substrate.NewSession("O-1")

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoCancelled, outcome)

	ctx := context.Background()
	order, err := f.store.GetOrder(ctx, "O-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, order.State)

	// No charge is ever attempted for an auto-cancelled order.
	payments, err := f.store.PaymentsForOrder(ctx, "O-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestSagaCancelSignal(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{}, WithApprovalSLA(5*time.Second))
	sess := substrate.NewSession("O-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.Cancel()
	}()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	order, err := f.store.GetOrder(context.Background(), "O-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCancelled, order.State)
}

func TestSagaCancelBeatsApprove(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{}, WithApprovalSLA(5*time.Second))
	sess := substrate.NewSession("O-1")

	// Both signals land before the gate observes either: cancellation wins
	// regardless of delivery order.
	sess.Approve()
	sess.Cancel()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)

	payments, err := f.store.PaymentsForOrder(context.Background(), "O-1")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestSagaValidationFailure(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{
		Validator: gateway.SimulatedValidator{Reject: map[string]string{"O-1": "fraud hold"}},
	})
	sess := substrate.NewSession("O-1")

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationFailed, outcome)

	order, err := f.store.GetOrder(context.Background(), "O-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateValidationFailed, order.State)

	// The rejection consumed a single attempt, not the whole budget.
	recs, err := f.ledger.ListAttempts(context.Background(), "O-1")
	require.NoError(t, err)
	validations := 0
	for _, rec := range recs {
		if rec.ActivityName == activity.StepValidateOrder {
			validations++
		}
	}
	assert.Equal(t, 1, validations)
}

func TestSagaPaymentFailure(t *testing.T) {
	f := newSagaFixture(t,
		activity.Gateways{Payments: gateway.NewSimulatedPaymentProvider(100)},
		WithApprovalSLA(5*time.Second),
	)
	sess := substrate.NewSession("O-1")
	sess.Approve()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaymentFailed, outcome)

	ctx := context.Background()
	order, err := f.store.GetOrder(ctx, "O-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePaymentFailed, order.State)

	// One payment row per idempotency key no matter how many attempts failed.
	payments, err := f.store.PaymentsForOrder(ctx, "O-1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, store.PaymentFailed, payments[0].Status)
	assert.Equal(t, fastStepPolicy.MaxAttempts-1, payments[0].RetryCount)
}

func TestSagaPaymentRetriesKeepOneRow(t *testing.T) {
	// Two transient failures, third charge succeeds — within the budget.
	f := newSagaFixture(t,
		activity.Gateways{Payments: gateway.NewSimulatedPaymentProvider(2)},
		WithApprovalSLA(5*time.Second),
	)
	sess := substrate.NewSession("O-1")
	sess.Approve()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeShipped, outcome)

	payments, err := f.store.PaymentsForOrder(context.Background(), "O-1")
	require.NoError(t, err)
	require.Len(t, payments, 1, "retries must reuse the stable idempotency key")
	assert.Equal(t, store.PaymentCharged, payments[0].Status)
	assert.Equal(t, 2, payments[0].RetryCount)
}

func TestSagaAddressOverrideReachesShipping(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{}, WithApprovalSLA(5*time.Second))
	sess := substrate.NewSession("O-1")

	override := store.Address{Street: "9 Elm Ave", City: "Shelbyville"}
	sess.UpdateAddress(override)
	sess.Approve()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeShipped, outcome)

	// The shipped event carries the address the carrier actually got.
	events, err := f.store.EventsForOrder(context.Background(), "O-1")
	require.NoError(t, err)
	var shippedPayload string
	for _, e := range events {
		if e.EventType == "order_shipped" {
			shippedPayload = string(e.Payload)
		}
	}
	require.NotEmpty(t, shippedPayload)
	assert.Contains(t, shippedPayload, "9 Elm Ave")
}

func TestSagaContextCancelledDuringApprovalWait(t *testing.T) {
	f := newSagaFixture(t, activity.Gateways{}, WithApprovalSLA(5*time.Second))
	sess := substrate.NewSession("O-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.coord.Run(ctx, sess, "O-1", testAddr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShippingSagaPreparationFailure(t *testing.T) {
	f := newSagaFixture(t,
		activity.Gateways{Warehouse: gateway.NewSimulatedWarehouse(100)},
		WithApprovalSLA(5*time.Second),
	)
	sess := substrate.NewSession("O-1")
	sess.Approve()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomePackagePreparationFailed, outcome)

	order, err := f.store.GetOrder(context.Background(), "O-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePackagePreparationFailed, order.State)
}

func TestShippingSagaRetriesWithinBudget(t *testing.T) {
	// Carrier fails twice; the shipping budget of five attempts absorbs it.
	f := newSagaFixture(t,
		activity.Gateways{Carrier: gateway.NewSimulatedCarrier(2)},
		WithApprovalSLA(5*time.Second),
	)
	sess := substrate.NewSession("O-1")
	sess.Approve()

	outcome, err := f.coord.Run(context.Background(), sess, "O-1", testAddr)
	require.NoError(t, err)
	assert.Equal(t, OutcomeShipped, outcome)

	recs, err := f.ledger.ListAttempts(context.Background(), "O-1")
	require.NoError(t, err)
	dispatches := 0
	for _, rec := range recs {
		if rec.ActivityName == activity.StepDispatchCarrier {
			dispatches++
		}
	}
	assert.Equal(t, 3, dispatches)
}
