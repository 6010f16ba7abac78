package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeclineStatus is the lifecycle state of a failed recurring charge.
type DeclineStatus string

const (
	// DeclineActive records are eligible for scheduled retries.
	DeclineActive DeclineStatus = "active"
	// DeclineResolved means a retry charge succeeded. Terminal.
	DeclineResolved DeclineStatus = "resolved"
	// DeclineExhausted means the retry schedule ran out without recovery.
	DeclineExhausted DeclineStatus = "exhausted"
	// DeclineStopped is the operator-triggered terminal state.
	DeclineStopped DeclineStatus = "stopped"
)

// EmailSend marks one recovery email, keyed by the attempt number it was sent
// for. At most one send is recorded per attempt.
type EmailSend struct {
	Attempt int       `json:"attempt"`
	SentAt  time.Time `json:"sent_at"`
}

// DeclineRecord owns the lifecycle of a failed recurring charge from first
// failure through resolution, exhaustion, or an operator stop.
//
// Invariants: RetryAttempts never decreases; NextRetryAt is nil exactly when
// the status is not active; resolved and stopped are one-way.
type DeclineRecord struct {
	ID               string          `json:"id"`
	OrderRef         string          `json:"order_ref"`
	SubscriptionRef  string          `json:"subscription_ref,omitempty"`
	CustomerRef      string          `json:"customer_ref"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	Email            string          `json:"email"`
	Amount           decimal.Decimal `json:"amount"`
	ReasonCode       string          `json:"reason_code"`
	Status           DeclineStatus   `json:"status"`
	RetryAttempts    int             `json:"retry_attempts"`
	FirstFailureAt   time.Time       `json:"first_failure_at"`
	LastFailureAt    time.Time       `json:"last_failure_at"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ConvertedTxnID   string          `json:"converted_txn_id,omitempty"`
	EmailsSent       []EmailSend     `json:"emails_sent"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// EmailedFor reports whether a recovery email was already recorded for the
// given attempt number.
func (d *DeclineRecord) EmailedFor(attempt int) bool {
	for _, e := range d.EmailsSent {
		if e.Attempt == attempt {
			return true
		}
	}
	return false
}

// Terminal reports whether the record can no longer change state.
func (d *DeclineRecord) Terminal() bool {
	return d.Status == DeclineResolved || d.Status == DeclineStopped
}
