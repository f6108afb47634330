// Package observability derives health reports from the order store, the
// event log and the attempt ledger. It is strictly read-only: nothing here
// ever writes, and every derivation tolerates orders with zero events or
// attempts.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmexdev/order-fulfillment/internal/ledger"
	"github.com/jcmexdev/order-fulfillment/internal/store"
)

// DefaultRecentWindow bounds the dashboard's recent-failure and
// recent-activity queries.
const DefaultRecentWindow = 24 * time.Hour

// Rating buckets an activity's success rate for the dashboard.
type Rating string

const (
	RatingExcellent Rating = "EXCELLENT" // >= 95% success
	RatingGood      Rating = "GOOD"      // >= 85% success
	RatingPoor      Rating = "POOR"
)

// Aggregator joins the store and the ledger into health reports.
type Aggregator struct {
	store        *store.Store
	ledger       *ledger.Ledger
	recentWindow time.Duration
	nowFunc      func() time.Time
}

func New(st *store.Store, ld *ledger.Ledger) *Aggregator {
	return &Aggregator{
		store:        st,
		ledger:       ld,
		recentWindow: DefaultRecentWindow,
		nowFunc:      time.Now,
	}
}

// SetRecentWindow overrides the recent-failure window.
func (a *Aggregator) SetRecentWindow(d time.Duration) {
	a.recentWindow = d
}

// SetNowFunc overrides the clock, for tests.
func (a *Aggregator) SetNowFunc(f func() time.Time) {
	a.nowFunc = f
}

// HealthMetrics are the computed per-order numbers.
type HealthMetrics struct {
	// SuccessRate is (total - failed) / total attempts as a percentage,
	// defined as 100 for an order with no attempts.
	SuccessRate    float64 `json:"success_rate"`
	TotalAttempts  int     `json:"total_attempts"`
	FailedAttempts int     `json:"failed_attempts"`
	AvgTimeMs      float64 `json:"avg_execution_time_ms"`
	// PaymentRetries is the maximum retry count across the order's
	// payments, 0 when it has none.
	PaymentRetries int `json:"payment_retries"`
}

// OrderHealthReport joins one order's row with its attempts, payments and
// events.
type OrderHealthReport struct {
	Order    store.Order     `json:"order"`
	Metrics  HealthMetrics   `json:"health_metrics"`
	Events   []store.Event   `json:"events"`
	Attempts []ledger.Record `json:"attempts"`
	Payments []store.Payment `json:"payments"`
}

// OrderHealthReport builds the health report for one order. Unknown order
// IDs surface store.ErrOrderNotFound.
func (a *Aggregator) OrderHealthReport(ctx context.Context, orderID string) (*OrderHealthReport, error) {
	order, err := a.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	attempts, err := a.ledger.ListAttempts(ctx, orderID)
	if err != nil {
		return nil, err
	}
	payments, err := a.store.PaymentsForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	events, err := a.store.EventsForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	failed := 0
	timed := 0
	var totalMs int64
	for _, rec := range attempts {
		if rec.Status == ledger.StatusFailed || rec.Status == ledger.StatusTimeout {
			failed++
		}
		if rec.ExecutionTimeMs > 0 {
			timed++
			totalMs += rec.ExecutionTimeMs
		}
	}

	metrics := HealthMetrics{
		SuccessRate:    successRate(len(attempts), failed),
		TotalAttempts:  len(attempts),
		FailedAttempts: failed,
	}
	if timed > 0 {
		metrics.AvgTimeMs = float64(totalMs) / float64(timed)
	}
	for _, p := range payments {
		if p.RetryCount > metrics.PaymentRetries {
			metrics.PaymentRetries = p.RetryCount
		}
	}

	return &OrderHealthReport{
		Order:    *order,
		Metrics:  metrics,
		Events:   events,
		Attempts: attempts,
		Payments: payments,
	}, nil
}

// ActivityReport is one activity's aggregate with its dashboard rating.
type ActivityReport struct {
	ledger.ActivityStats
	SuccessRate float64 `json:"success_rate"`
	Rating      Rating  `json:"rating"`
}

// RecentActivity counts new rows inside the recent window.
type RecentActivity struct {
	WindowHours float64 `json:"window_hours"`
	NewOrders   int     `json:"new_orders"`
	NewEvents   int     `json:"new_events"`
	NewPayments int     `json:"new_payments"`
}

// SystemHealthDashboard is the system-wide view.
type SystemHealthDashboard struct {
	SuccessRate    float64                  `json:"success_rate"`
	TotalOrders    int                      `json:"total_orders"`
	FailedOrders   int                      `json:"failed_orders"`
	RecentFailures int                      `json:"recent_failures"`
	OrdersByState  map[store.OrderState]int `json:"orders_by_state"`
	Activities     []ActivityReport         `json:"activity_performance"`
	PaymentStats   store.PaymentStats       `json:"payment_stats"`
	Recent         RecentActivity           `json:"recent_activity"`
}

// SystemHealthDashboard aggregates health across all orders.
func (a *Aggregator) SystemHealthDashboard(ctx context.Context) (*SystemHealthDashboard, error) {
	byState, total, err := a.store.CountOrdersByState(ctx)
	if err != nil {
		return nil, err
	}

	failedOrders := 0
	for _, state := range store.FailureStates {
		failedOrders += byState[state]
	}

	cutoff := a.nowFunc().Add(-a.recentWindow)
	recentFailures, err := a.ledger.CountFailuresSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	stats, err := a.ledger.ActivityPerformance(ctx)
	if err != nil {
		return nil, err
	}
	activities := make([]ActivityReport, 0, len(stats))
	for _, st := range stats {
		rate := successRate(st.TotalAttempts, st.FailedAttempts+st.TimeoutAttempts)
		activities = append(activities, ActivityReport{
			ActivityStats: st,
			SuccessRate:   rate,
			Rating:        RateFor(rate),
		})
	}

	payStats, err := a.store.PaymentStatsSummary(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := a.recentActivity(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	return &SystemHealthDashboard{
		SuccessRate:    successRate(total, failedOrders),
		TotalOrders:    total,
		FailedOrders:   failedOrders,
		RecentFailures: recentFailures,
		OrdersByState:  byState,
		Activities:     activities,
		PaymentStats:   *payStats,
		Recent:         recent,
	}, nil
}

func (a *Aggregator) recentActivity(ctx context.Context, cutoff time.Time) (RecentActivity, error) {
	orders, err := a.store.CountOrdersSince(ctx, cutoff)
	if err != nil {
		return RecentActivity{}, fmt.Errorf("observability: recent orders: %w", err)
	}
	events, err := a.store.CountEventsSince(ctx, cutoff)
	if err != nil {
		return RecentActivity{}, fmt.Errorf("observability: recent events: %w", err)
	}
	payments, err := a.store.CountPaymentsSince(ctx, cutoff)
	if err != nil {
		return RecentActivity{}, fmt.Errorf("observability: recent payments: %w", err)
	}
	return RecentActivity{
		WindowHours: a.recentWindow.Hours(),
		NewOrders:   orders,
		NewEvents:   events,
		NewPayments: payments,
	}, nil
}

// RateFor buckets a success-rate percentage into its dashboard rating.
func RateFor(successRate float64) Rating {
	switch {
	case successRate >= 95:
		return RatingExcellent
	case successRate >= 85:
		return RatingGood
	default:
		return RatingPoor
	}
}

// successRate computes (total - failed) / total as a percentage, clamped to
// [0, 100], and defined as 100 when total == 0.
func successRate(total, failed int) float64 {
	if total == 0 {
		return 100
	}
	r := float64(total-failed) / float64(total) * 100
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}
