package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Processor wraps the external payment provider behind two operations: a
// one-time charge against a stored payment method, and creation or update of
// a recurring billing schedule.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CreateOrUpdateSchedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error)
}

type ChargeRequest struct {
	CustomerRef      string          `json:"customer_ref"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	// IdempotencyKey is derived deterministically by the caller so the
	// provider can collapse duplicate submissions of the same attempt.
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description,omitempty"`
}

type ChargeResult struct {
	TxnID string `json:"txn_id"`
}

type ScheduleRequest struct {
	CustomerRef      string          `json:"customer_ref"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Quantity         int             `json:"quantity"`
	Currency         string          `json:"currency"`
	NextBillingAt    time.Time       `json:"next_billing_at"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Description      string          `json:"description,omitempty"`
}

type ScheduleResult struct {
	ScheduleRef string `json:"schedule_ref"`
}

// DeclineError is a processor-confirmed refusal with a normalized reason
// code. It is not retriable right now; the funnel downsells on it and the
// recovery scheduler backs off on it.
type DeclineError struct {
	Code string
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Code)
}

// TransientError covers network failures and provider outages. Safe to retry
// without consuming a scheduled attempt slot.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient payment error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AsDecline extracts a DeclineError if err is one.
func AsDecline(err error) (*DeclineError, bool) {
	var de *DeclineError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried soon rather than treated
// as a consumed attempt.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryChargeKey derives the idempotency key for a scheduled or manual retry
// of a failed recurring charge. One key per (order, attempt number) so a
// repeated sweep can never double-charge the same attempt.
func RetryChargeKey(orderRef string, attempt int) string {
	return fmt.Sprintf("retry:%s:%d", orderRef, attempt)
}

// FunnelChargeKey derives the idempotency key for a funnel acceptance charge.
func FunnelChargeKey(sessionToken, offerID string, attempt int) string {
	return fmt.Sprintf("funnel:%s:%s:%d", sessionToken, offerID, attempt)
}

var customerMessages = map[string]string{
	"card_declined":      "Your payment was declined. Please check your card details.",
	"insufficient_funds": "Your payment was declined due to insufficient funds.",
	"expired_card":       "Your card has expired. Please use a different card.",
}

// CustomerMessage maps a raw reason code to text safe to show a customer.
// Raw provider codes are for administrators only.
func CustomerMessage(code string) string {
	if msg, ok := customerMessages[code]; ok {
		return msg
	}
	return "Your payment was declined. Please try a different payment method."
}
