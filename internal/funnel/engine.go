package funnel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/audit"
	"github.com/giftworks/giftfunnel/internal/config"
	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/storage"
)

// NextStep tells the storefront what comes after a decline.
type NextStep string

const (
	StepDownsell NextStep = "downsell" // same offer again at the reduced price
	StepAdvance  NextStep = "advance"  // next offer in the sequence
	StepComplete NextStep = "complete" // funnel finished, hand control back
)

// NextOfferResult is the answer to "what should the customer see now".
type NextOfferResult struct {
	Complete         bool                  `json:"complete"`
	Offer            *models.OfferSnapshot `json:"offer,omitempty"`
	CountdownSeconds int                   `json:"countdown_seconds,omitempty"`
}

// AcceptResult reports a successful purchase and the order's new totals.
type AcceptResult struct {
	Acceptance    *models.Acceptance `json:"acceptance"`
	OrderTotal    decimal.Decimal    `json:"order_total"`
	NextBillingAt *time.Time         `json:"next_billing_at,omitempty"`
}

// DeclineResult reports what the storefront should do next.
type DeclineResult struct {
	Next NextStep `json:"next"`
}

// Engine drives a customer through the ordered post-checkout offer sequence.
// All position and terminality state is server-side, keyed by the order
// token; the storefront only proposes accept/decline actions.
type Engine struct {
	store   storage.Storage
	proc    payments.Processor
	trail   *audit.Trail
	cfg     config.FunnelConfig
	billing config.BillingConfig
	log     zerolog.Logger
	nowFunc func() time.Time
}

func NewEngine(store storage.Storage, proc payments.Processor, trail *audit.Trail,
	cfg config.FunnelConfig, billing config.BillingConfig, log zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		proc:    proc,
		trail:   trail,
		cfg:     cfg,
		billing: billing,
		log:     log,
		nowFunc: time.Now,
	}
}

// NextOffer returns the offer snapshot the session should be showing, or the
// complete sentinel once the sequence is exhausted or timed out. It records
// the presentation but never advances position: position only moves on
// accept, decline, or countdown expiry.
func (e *Engine) NextOffer(ctx context.Context, token string) (*NextOfferResult, error) {
	sess, err := e.loadOrCreateSession(ctx, token)
	if err != nil {
		return nil, err
	}

	now := e.nowFunc().UTC()
	if e.expireIfNeeded(ctx, sess, now) {
		return &NextOfferResult{Complete: true}, nil
	}
	e.applyCountdownExpiry(ctx, sess, now)

	// Skip offers that were deactivated after the session started.
	for !sess.Completed && !sess.Exhausted() {
		offer, err := e.store.GetOffer(ctx, sess.CurrentOfferID())
		if err != nil {
			return nil, fmt.Errorf("loading offer: %w", err)
		}
		if offer == nil || (!offer.Active && sess.Attempt == 1 && sess.BasePrice.IsZero()) {
			e.advanceOffer(sess)
			continue
		}

		// Freeze the catalog price the first time this offer is shown.
		if sess.Attempt == 1 && sess.BasePrice.IsZero() {
			sess.BasePrice = offer.Price
		}

		if sess.PresentedAt == nil {
			t := now
			sess.PresentedAt = &t
		}
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}

		return &NextOfferResult{
			Offer: &models.OfferSnapshot{
				OfferID:   offer.ID,
				Name:      offer.Name,
				Kind:      offer.Kind,
				Attempt:   sess.Attempt,
				UnitPrice: e.currentPrice(sess),
			},
			CountdownSeconds: int(e.cfg.Countdown.Seconds()),
		}, nil
	}

	if !sess.Completed {
		sess.Completed = true
		sess.PresentedAt = nil
		e.trail.Record(ctx, models.OwnerOrder, sess.OrderID, "funnel_completed", "all offers exhausted")
	}
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return &NextOfferResult{Complete: true}, nil
}

// Accept purchases the currently presented offer. Recurring offers charge
// $0.00 now and start a schedule on the shared billing anchor date; one-time
// offers charge immediately. A hard decline advances the funnel exactly like
// an explicit decline and surfaces as a payments.DeclineError; a transient
// error leaves the position untouched so the call can be retried.
func (e *Engine) Accept(ctx context.Context, token, offerID string, quantity int) (*AcceptResult, error) {
	sess, err := e.store.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrNotFound)
	}

	now := e.nowFunc().UTC()
	if e.expireIfNeeded(ctx, sess, now) {
		return nil, fmt.Errorf("%w: session has ended", ErrValidation)
	}
	if e.applyCountdownExpiry(ctx, sess, now) {
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}
		return nil, fmt.Errorf("%w: offer presentation expired", ErrValidation)
	}

	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", ErrValidation)
	}
	if sess.PresentedAt == nil || sess.CurrentOfferID() != offerID {
		return nil, fmt.Errorf("%w: offer is not currently presented for this session", ErrValidation)
	}

	offer, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("loading offer: %w", err)
	}
	if offer == nil {
		return nil, fmt.Errorf("%w: unknown offer", ErrNotFound)
	}
	order, err := e.store.GetOrder(ctx, sess.OrderID)
	if err != nil {
		return nil, fmt.Errorf("loading order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: unknown order", ErrNotFound)
	}

	unitPrice := e.currentPrice(sess)
	attempt := sess.Attempt
	key := payments.FunnelChargeKey(token, offerID, attempt)

	acc := &models.Acceptance{
		ID:        models.NewID("acc"),
		OrderID:   order.ID,
		OfferID:   offer.ID,
		OfferName: offer.Name,
		Kind:      offer.Kind,
		Attempt:   attempt,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		CreatedAt: now,
	}

	var nextBilling *time.Time
	var charged decimal.Decimal

	switch offer.Kind {
	case models.OfferRecurring:
		// Recurring add-ons bill on the shared anchor date, not now.
		charged = decimal.Zero
		anchor := payments.NextAnchorDate(now, e.billing.AnchorDay)
		chargeRes, err := e.proc.Charge(ctx, payments.ChargeRequest{
			CustomerRef:      order.CustomerRef,
			PaymentMethodRef: order.PaymentMethodRef,
			Amount:           decimal.Zero,
			IdempotencyKey:   key,
			Description:      fmt.Sprintf("%s (recurring add-on setup)", offer.Name),
		})
		if err != nil {
			return nil, e.handleChargeError(ctx, sess, offer, err)
		}
		schedRes, err := e.proc.CreateOrUpdateSchedule(ctx, payments.ScheduleRequest{
			CustomerRef:      order.CustomerRef,
			PaymentMethodRef: order.PaymentMethodRef,
			UnitPrice:        unitPrice,
			Quantity:         quantity,
			NextBillingAt:    anchor,
			IdempotencyKey:   key + ":schedule",
			Description:      offer.Name,
		})
		if err != nil {
			return nil, e.handleChargeError(ctx, sess, offer, err)
		}
		acc.Total = decimal.Zero
		acc.ProviderTxnID = chargeRes.TxnID
		acc.ScheduleRef = schedRes.ScheduleRef
		nextBilling = &anchor
	default:
		charged = unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
		chargeRes, err := e.proc.Charge(ctx, payments.ChargeRequest{
			CustomerRef:      order.CustomerRef,
			PaymentMethodRef: order.PaymentMethodRef,
			Amount:           charged,
			IdempotencyKey:   key,
			Description:      offer.Name,
		})
		if err != nil {
			return nil, e.handleChargeError(ctx, sess, offer, err)
		}
		acc.Total = charged
		acc.ProviderTxnID = chargeRes.TxnID
	}

	if err := e.store.CreateAcceptance(ctx, acc); err != nil {
		return nil, fmt.Errorf("recording acceptance: %w", err)
	}
	newTotal := order.Total.Add(charged)
	if err := e.store.UpdateOrderTotal(ctx, order.ID, newTotal); err != nil {
		return nil, fmt.Errorf("updating order total: %w", err)
	}

	e.trail.Record(ctx, models.OwnerOrder, order.ID, "offer_accepted",
		fmt.Sprintf("%s x%d at %s (attempt %d)", offer.Name, quantity, unitPrice.StringFixed(2), attempt))

	e.advanceOffer(sess)
	if sess.Exhausted() {
		sess.Completed = true
		e.trail.Record(ctx, models.OwnerOrder, order.ID, "funnel_completed", "all offers exhausted")
	}
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	e.log.Info().
		Str("order_id", order.ID).
		Str("offer_id", offer.ID).
		Int("attempt", attempt).
		Str("charged", charged.StringFixed(2)).
		Msg("offer accepted")

	return &AcceptResult{
		Acceptance:    acc,
		OrderTotal:    newTotal,
		NextBillingAt: nextBilling,
	}, nil
}

// Decline records a customer's "no" on the currently presented offer.
// Attempt 1 moves to the downsell of the same offer; attempt 2 moves to the
// next offer or completes the funnel. Duplicate or stale calls report the
// current next step without advancing: a decline only moves position while
// the current (offer, attempt) has actually been presented.
func (e *Engine) Decline(ctx context.Context, token, offerID string) (*DeclineResult, error) {
	sess, err := e.store.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrNotFound)
	}

	now := e.nowFunc().UTC()
	if e.expireIfNeeded(ctx, sess, now) {
		return &DeclineResult{Next: StepComplete}, nil
	}
	e.applyCountdownExpiry(ctx, sess, now)

	if sess.PresentedAt == nil || sess.CurrentOfferID() != offerID {
		// Stale or duplicate decline: report where the session already is.
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}
		return &DeclineResult{Next: e.currentStep(sess)}, nil
	}

	step := e.applyDecline(ctx, sess, "customer declined")
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	return &DeclineResult{Next: step}, nil
}

// ExpireStale force-completes sessions that outlived the safety timeout, so
// abandoned funnels never hold presented-offer state forever.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	cutoff := e.nowFunc().UTC().Add(-e.cfg.SessionTimeout)
	return e.store.ExpireStaleSessions(ctx, cutoff)
}

func (e *Engine) loadOrCreateSession(ctx context.Context, token string) (*models.Session, error) {
	sess, err := e.store.GetSession(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}

	order, err := e.store.GetOrderByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: unknown session token", ErrNotFound)
	}

	offers, err := e.store.ListOffers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		ids = append(ids, o.ID)
	}

	now := e.nowFunc().UTC()
	sess = &models.Session{
		Token:     token,
		OrderID:   order.ID,
		OfferIDs:  ids,
		Attempt:   1,
		BasePrice: decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	e.trail.Record(ctx, models.OwnerOrder, order.ID, "funnel_started",
		fmt.Sprintf("%d offers eligible", len(ids)))
	return sess, nil
}

// expireIfNeeded enforces the whole-session safety timeout. Returns true when
// the session is (now) terminal.
func (e *Engine) expireIfNeeded(ctx context.Context, sess *models.Session, now time.Time) bool {
	if sess.Completed {
		return true
	}
	if now.Sub(sess.CreatedAt) < e.cfg.SessionTimeout {
		return false
	}
	sess.Completed = true
	sess.PresentedAt = nil
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		e.log.Error().Err(err).Str("token", sess.Token).Msg("failed to expire session")
	}
	e.trail.Record(ctx, models.OwnerOrder, sess.OrderID, "funnel_timed_out",
		fmt.Sprintf("safety timeout %s elapsed", e.cfg.SessionTimeout))
	return true
}

// applyCountdownExpiry treats an expired presentation as an implicit decline.
// Returns true if an implicit decline was applied.
func (e *Engine) applyCountdownExpiry(ctx context.Context, sess *models.Session, now time.Time) bool {
	if sess.PresentedAt == nil {
		return false
	}
	if now.Sub(*sess.PresentedAt) < e.cfg.Countdown {
		return false
	}
	e.applyDecline(ctx, sess, "presentation countdown expired")
	return true
}

// applyDecline advances position after an explicit, implicit, or
// payment-declined "no". The caller persists the session.
func (e *Engine) applyDecline(ctx context.Context, sess *models.Session, reason string) NextStep {
	offerID := sess.CurrentOfferID()
	sess.PresentedAt = nil

	if sess.Attempt == 1 {
		sess.Attempt = 2
		e.trail.Record(ctx, models.OwnerOrder, sess.OrderID, "offer_declined",
			fmt.Sprintf("offer %s attempt 1: %s, downsell queued", offerID, reason))
		return StepDownsell
	}

	e.trail.Record(ctx, models.OwnerOrder, sess.OrderID, "offer_declined",
		fmt.Sprintf("offer %s attempt 2: %s", offerID, reason))
	e.advanceOffer(sess)
	if sess.Exhausted() {
		sess.Completed = true
		e.trail.Record(ctx, models.OwnerOrder, sess.OrderID, "funnel_completed", "all offers exhausted")
		return StepComplete
	}
	return StepAdvance
}

// advanceOffer moves to the next offer at attempt 1 with no frozen price.
func (e *Engine) advanceOffer(sess *models.Session) {
	sess.OfferIndex++
	sess.Attempt = 1
	sess.BasePrice = decimal.Zero
	sess.PresentedAt = nil
}

func (e *Engine) currentStep(sess *models.Session) NextStep {
	if sess.Completed || sess.Exhausted() {
		return StepComplete
	}
	if sess.Attempt == 2 {
		return StepDownsell
	}
	return StepAdvance
}

func (e *Engine) currentPrice(sess *models.Session) decimal.Decimal {
	if sess.Attempt >= 2 {
		return downsellPrice(sess.BasePrice, e.cfg.DownsellPercent)
	}
	return sess.BasePrice
}

func (e *Engine) handleChargeError(ctx context.Context, sess *models.Session, offer *models.Offer, err error) error {
	if de, ok := payments.AsDecline(err); ok {
		e.log.Info().
			Str("order_id", sess.OrderID).
			Str("offer_id", offer.ID).
			Str("reason_code", de.Code).
			Msg("funnel charge declined")
		e.trail.Record(ctx, models.OwnerOrder, sess.OrderID, "offer_payment_declined",
			fmt.Sprintf("offer %s: %s", offer.ID, de.Code))
		e.applyDecline(ctx, sess, "payment declined")
		if saveErr := e.store.UpdateSession(ctx, sess); saveErr != nil {
			e.log.Error().Err(saveErr).Str("token", sess.Token).Msg("failed to save session after decline")
		}
		return err
	}
	// Transient or unexpected: leave the position untouched so the same
	// accept call can be retried safely.
	return err
}
