package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the checkout-completion context the funnel operates against. The
// checkout flow itself lives elsewhere; it registers the finished order here
// and receives the session token to hand to the storefront.
type Order struct {
	ID               string          `json:"id"`
	Token            string          `json:"token"`
	CustomerRef      string          `json:"customer_ref"`
	PaymentMethodRef string          `json:"payment_method_ref"`
	Email            string          `json:"email"`
	Total            decimal.Decimal `json:"total"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Acceptance records a purchased funnel offer against its order, with the
// price frozen at acceptance time.
type Acceptance struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	OfferID       string          `json:"offer_id"`
	OfferName     string          `json:"offer_name"`
	Kind          OfferKind       `json:"kind"`
	Attempt       int             `json:"attempt"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Total         decimal.Decimal `json:"total"`
	ProviderTxnID string          `json:"provider_txn_id,omitempty"`
	ScheduleRef   string          `json:"schedule_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
