package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session tracks a customer's position in the post-checkout offer sequence.
// One session per order, keyed by the order token. The server is the source
// of truth for position and terminality; the storefront only proposes
// accept/decline actions.
type Session struct {
	Token   string `json:"token"`
	OrderID string `json:"order_id"`
	// OfferIDs is the ordered set of offers eligible for this session,
	// fixed at session creation.
	OfferIDs   []string `json:"offer_ids"`
	OfferIndex int      `json:"offer_index"`
	// Attempt is 1 for the full-price presentation and 2 for the downsell.
	Attempt int `json:"attempt"`
	// BasePrice is the catalog price frozen when the current offer was
	// first presented. The downsell price derives from it, never from a
	// fresh catalog read.
	BasePrice decimal.Decimal `json:"base_price"`
	// PresentedAt is set when the current (offer, attempt) is served and
	// cleared when the position advances. A decline only advances state
	// while it is set, which makes duplicate decline calls no-ops.
	PresentedAt *time.Time `json:"presented_at,omitempty"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CurrentOfferID returns the id of the offer at the session's position, or ""
// when the sequence is exhausted.
func (s *Session) CurrentOfferID() string {
	if s.OfferIndex < 0 || s.OfferIndex >= len(s.OfferIDs) {
		return ""
	}
	return s.OfferIDs[s.OfferIndex]
}

// Exhausted reports whether the session has run out of offers to present.
func (s *Session) Exhausted() bool {
	return s.OfferIndex >= len(s.OfferIDs)
}
