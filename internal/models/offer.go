package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OfferKind distinguishes one-time add-ons from recurring ones. The two kinds
// bill differently: one-time offers charge immediately, recurring offers start
// a schedule anchored to a shared calendar date.
type OfferKind string

const (
	OfferOneTime   OfferKind = "one_time"
	OfferRecurring OfferKind = "recurring"
)

// Offer is a catalog entry for a post-checkout add-on. Catalog rows are
// admin-mutable; the funnel freezes a price snapshot per session at
// presentation time, so edits never shift a price mid-negotiation.
type Offer struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Kind      OfferKind       `json:"kind"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OfferSnapshot is what the funnel presents to the storefront: the frozen
// price for a specific (offer, attempt) pair, never a live catalog read.
type OfferSnapshot struct {
	OfferID   string          `json:"offer_id"`
	Name      string          `json:"name"`
	Kind      OfferKind       `json:"kind"`
	Attempt   int             `json:"attempt"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
