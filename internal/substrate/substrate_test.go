package substrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-fulfillment/internal/store"
)

func testAddress() store.Address {
	return store.Address{Street: "1 Infinite Loop", City: "Cupertino"}
}

var fastPolicy = RetryPolicy{
	InitialInterval:    time.Millisecond,
	BackoffCoefficient: 2.0,
	MaxInterval:        5 * time.Millisecond,
	MaxAttempts:        3,
}

func TestExecuteStepRetriesUntilSuccess(t *testing.T) {
	sess := NewSession("O-1")

	var attempts []int
	err := sess.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestExecuteStepExhaustsBudget(t *testing.T) {
	sess := NewSession("O-1")

	calls := 0
	stepErr := errors.New("still down")
	err := sess.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return stepErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, stepErr)
	assert.Equal(t, 3, calls)
}

func TestExecuteStepAttemptNumbersSpanInvocations(t *testing.T) {
	sess := NewSession("O-1")

	// A second ExecuteStep for the same name continues the counter — that is
	// how redelivery looks to the business code.
	var first, second []int
	_ = sess.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		first = append(first, attempt)
		return errors.New("down")
	})
	_ = sess.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		second = append(second, attempt)
		return nil
	})

	assert.Equal(t, []int{1, 2, 3}, first)
	assert.Equal(t, []int{4}, second)
}

func TestExecuteStepSeparateNamesSeparateCounters(t *testing.T) {
	sess := NewSession("O-1")

	var got int
	require.NoError(t, sess.ExecuteStep(context.Background(), "a", fastPolicy, func(ctx context.Context, attempt int) error {
		return nil
	}))
	require.NoError(t, sess.ExecuteStep(context.Background(), "b", fastPolicy, func(ctx context.Context, attempt int) error {
		got = attempt
		return nil
	}))
	assert.Equal(t, 1, got)
}

func TestExecuteStepNonRetryable(t *testing.T) {
	sess := NewSession("O-1")

	rejected := errors.New("rejected")
	calls := 0
	err := sess.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		calls++
		return NonRetryable(rejected)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, calls, "non-retryable errors must not consume the retry budget")
}

func TestWaitForConditionTimeout(t *testing.T) {
	sess := NewSession("O-1")

	met, err := sess.WaitForCondition(context.Background(), 20*time.Millisecond, func() bool {
		return sess.Approved()
	})
	require.NoError(t, err)
	assert.False(t, met)
}

func TestWaitForConditionSignalWakes(t *testing.T) {
	sess := NewSession("O-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		sess.Approve()
	}()

	met, err := sess.WaitForCondition(context.Background(), 5*time.Second, func() bool {
		return sess.Approved()
	})
	require.NoError(t, err)
	assert.True(t, met)
}

func TestWaitForConditionContextCancelled(t *testing.T) {
	sess := NewSession("O-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := sess.WaitForCondition(ctx, 5*time.Second, func() bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignalsAreMonotonic(t *testing.T) {
	sess := NewSession("O-1")

	sess.Cancel()
	sess.Approve()

	// Cancellation observed first can never be cleared by approval.
	assert.True(t, sess.Cancelled())
	assert.True(t, sess.Approved())
}

func TestUpdateAddressOverride(t *testing.T) {
	sess := NewSession("O-1")

	_, ok := sess.AddressOverride()
	assert.False(t, ok)

	sess.UpdateAddress(testAddress())
	addr, ok := sess.AddressOverride()
	require.True(t, ok)
	assert.Equal(t, testAddress(), addr)
}

func TestChildSessionHasOwnCounters(t *testing.T) {
	sess := NewSession("O-1")
	require.NoError(t, sess.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		return nil
	}))

	child := sess.ChildSession("shipping")
	var got int
	require.NoError(t, child.ExecuteStep(context.Background(), "step", fastPolicy, func(ctx context.Context, attempt int) error {
		got = attempt
		return nil
	}))
	assert.Equal(t, 1, got)
	assert.Equal(t, "O-1", child.OrderID())
}

func TestRuntimeSingleSagaPerOrder(t *testing.T) {
	rt := NewRuntime()

	sess, err := rt.Begin("O-1")
	require.NoError(t, err)

	_, err = rt.Begin("O-1")
	assert.ErrorIs(t, err, ErrSagaRunning)

	found, err := rt.Lookup("O-1")
	require.NoError(t, err)
	assert.Same(t, sess, found)

	rt.End("O-1")
	_, err = rt.Lookup("O-1")
	assert.ErrorIs(t, err, ErrSagaNotFound)

	_, err = rt.Begin("O-1")
	assert.NoError(t, err)
}
