package saga

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/order-fulfillment/internal/activity"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

// ShippingSaga is the two-step child saga: prepare the package, then
// dispatch the carrier. Each step runs under the larger shipping retry
// budget — physical and carrier operations fail more often than the parent
// saga's steps.
type ShippingSaga struct {
	acts   *activity.Activities
	policy substrate.RetryPolicy
}

func NewShippingSaga(acts *activity.Activities) *ShippingSaga {
	return &ShippingSaga{acts: acts, policy: substrate.ShippingStepPolicy}
}

// Run executes both shipping steps in order. A terminal failure of either
// step has already moved the order to its *_failed state inside the activity
// layer; Run only maps it to the outcome tag.
func (s *ShippingSaga) Run(ctx context.Context, sess *substrate.Session, orderID string, addr store.Address) (Outcome, error) {
	slog.InfoContext(ctx, "shipping saga started", "order_id", orderID)

	err := sess.ExecuteStep(ctx, activity.StepPreparePackage, s.policy, func(ctx context.Context, attempt int) error {
		return s.acts.PreparePackage(ctx, activity.ShippingStepInput{
			OrderID: orderID,
			Address: addr,
			Attempt: attempt,
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.ErrorContext(ctx, "package preparation failed terminally", "order_id", orderID, "error", err)
		return OutcomePackagePreparationFailed, nil
	}

	err = sess.ExecuteStep(ctx, activity.StepDispatchCarrier, s.policy, func(ctx context.Context, attempt int) error {
		return s.acts.DispatchCarrier(ctx, activity.ShippingStepInput{
			OrderID: orderID,
			Address: addr,
			Attempt: attempt,
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		slog.ErrorContext(ctx, "carrier dispatch failed terminally", "order_id", orderID, "error", err)
		return OutcomeCarrierDispatchFailed, nil
	}

	slog.InfoContext(ctx, "shipping saga completed", "order_id", orderID)
	return OutcomeShipped, nil
}
