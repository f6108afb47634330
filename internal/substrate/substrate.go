// Package substrate is the in-process realization of the durable execution
// contract the saga is written against: at-least-once step execution with a
// per-step retry policy and monotonically increasing attempt numbers, a
// bounded cooperative wait, one-shot signal delivery and child saga sessions.
//
// Business code depends only on the Session surface, so swapping this
// runtime for a real durable-execution platform changes nothing above it.
// All step implementations must therefore be written for at-least-once
// semantics: this runtime (or a crash/redelivery on a real platform) may
// invoke the same step's business call more than once.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jcmexdev/order-fulfillment/internal/store"
)

// RetryPolicy bounds how a step is retried before its failure becomes
// terminal for the saga.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
	MaxAttempts        int
}

// DefaultStepPolicy is the budget for the parent saga's steps.
var DefaultStepPolicy = RetryPolicy{
	InitialInterval:    100 * time.Millisecond,
	BackoffCoefficient: 2.0,
	MaxInterval:        5 * time.Second,
	MaxAttempts:        3,
}

// ShippingStepPolicy gives the shipping steps a larger budget: physical and
// carrier operations are expected to be flakier than the rest.
var ShippingStepPolicy = RetryPolicy{
	InitialInterval:    100 * time.Millisecond,
	BackoffCoefficient: 2.0,
	MaxInterval:        10 * time.Second,
	MaxAttempts:        5,
}

// StepFunc is one invocation of a step's business call. attempt is the
// substrate-assigned attempt number, monotonically increasing per
// (session, step name) across every invocation, including redeliveries.
type StepFunc func(ctx context.Context, attempt int) error

// nonRetryableError marks a business rejection that must not consume the
// retry budget.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so ExecuteStep surfaces it immediately instead of
// retrying. errors.Is/As still see the wrapped error.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}

// Session is the per-saga-instance execution context. A session runs one
// logical thread of control; signals may be delivered to it concurrently
// from other goroutines.
type Session struct {
	orderID string

	mu        sync.Mutex
	attempts  map[string]int
	approved  bool
	cancelled bool
	address   *store.Address
	changed   chan struct{}
}

// NewSession creates a session for one saga instance.
func NewSession(orderID string) *Session {
	return &Session{
		orderID:  orderID,
		attempts: make(map[string]int),
		changed:  make(chan struct{}),
	}
}

// OrderID returns the saga's business identifier.
func (s *Session) OrderID() string { return s.orderID }

// ExecuteStep runs fn under the given retry policy until it succeeds, is
// marked non-retryable, or the attempt budget is exhausted. Attempt numbers
// keep increasing across separate ExecuteStep calls for the same name, which
// is how redelivery looks to the business code.
func (s *Session) ExecuteStep(ctx context.Context, name string, policy RetryPolicy, fn StepFunc) error {
	interval := policy.InitialInterval
	var lastErr error

	for i := 0; i < policy.MaxAttempts; i++ {
		attempt := s.nextAttempt(name)
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if IsNonRetryable(lastErr) {
			return lastErr
		}

		slog.WarnContext(ctx, "step attempt failed",
			"order_id", s.orderID,
			"step", name,
			"attempt", attempt,
			"error", lastErr,
		)

		if i == policy.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
		if interval > policy.MaxInterval {
			interval = policy.MaxInterval
		}
	}

	return fmt.Errorf("substrate: step %q exhausted %d attempts: %w", name, policy.MaxAttempts, lastErr)
}

func (s *Session) nextAttempt(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[name]++
	return s.attempts[name]
}

// WaitForCondition blocks until pred becomes true, the timeout elapses, or
// ctx is cancelled. It returns (true, nil) when the condition was met and
// (false, nil) on timeout. pred is re-evaluated after every signal delivery.
func (s *Session) WaitForCondition(ctx context.Context, timeout time.Duration, pred func() bool) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()

		if pred() {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ch:
		}
	}
}

// Approve delivers the one-shot approval signal. No-op once the saga is past
// the approval gate or already approved. Approval never clears an observed
// cancellation.
func (s *Session) Approve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approved {
		return
	}
	s.approved = true
	s.notifyLocked()
}

// Cancel delivers the one-shot cancellation signal. Cancellation is a
// monotonic fact: once observed it cannot be reversed by a later approval.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.notifyLocked()
}

// UpdateAddress replaces the address used by subsequent steps of this saga
// instance.
func (s *Session) UpdateAddress(addr store.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = &addr
	s.notifyLocked()
}

// Approved reports whether the approval signal has been observed.
func (s *Session) Approved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approved
}

// Cancelled reports whether the cancellation signal has been observed.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// AddressOverride returns the most recent update_address payload, if any.
func (s *Session) AddressOverride() (store.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address == nil {
		return store.Address{}, false
	}
	return *s.address, true
}

// ChildSession spawns the session for a child saga. The child shares the
// order ID but keeps its own attempt counters; signals are not forwarded —
// the parent consumes them.
func (s *Session) ChildSession(name string) *Session {
	child := NewSession(s.orderID)
	slog.Debug("starting child saga session", "order_id", s.orderID, "child", name)
	return child
}

// notifyLocked wakes every WaitForCondition. Callers must hold s.mu.
func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ErrSagaRunning is returned by Runtime.Begin when a saga for the order is
// already live.
var ErrSagaRunning = errors.New("substrate: saga already running for order")

// ErrSagaNotFound is returned by Runtime.Lookup misses, for handlers to map
// to a 404.
var ErrSagaNotFound = errors.New("substrate: no running saga for order")

// Runtime tracks the live saga sessions so signal delivery can find them.
type Runtime struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRuntime() *Runtime {
	return &Runtime{sessions: make(map[string]*Session)}
}

// Begin registers a new session for orderID. At most one live saga per
// order.
func (r *Runtime) Begin(orderID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[orderID]; ok {
		return nil, ErrSagaRunning
	}
	sess := NewSession(orderID)
	r.sessions[orderID] = sess
	return sess, nil
}

// End removes the session for orderID once its saga returns.
func (r *Runtime) End(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, orderID)
}

// Lookup returns the live session for orderID.
func (r *Runtime) Lookup(orderID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[orderID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return sess, nil
}
