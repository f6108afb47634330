package saga

// Outcome is the terminal result of a saga run. It is a small fixed set of
// tags; all finer-grained failure detail lives in the event log and the
// attempt ledger, queryable through the observability aggregator.
type Outcome string

const (
	OutcomeShipped          Outcome = "shipped"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeAutoCancelled    Outcome = "auto_cancelled"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomePaymentFailed    Outcome = "payment_failed"

	OutcomePackagePreparationFailed Outcome = "package_preparation_failed"
	OutcomeCarrierDispatchFailed    Outcome = "carrier_dispatch_failed"
)

// Shipped reports whether the outcome is the successful terminal state.
func (o Outcome) Shipped() bool { return o == OutcomeShipped }
