package funnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/audit"
	"github.com/giftworks/giftfunnel/internal/config"
	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/storage"
)

type fakeProcessor struct {
	chargeErr   error
	scheduleErr error
	charges     []payments.ChargeRequest
	schedules   []payments.ScheduleRequest
}

func (f *fakeProcessor) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.ChargeResult, error) {
	f.charges = append(f.charges, req)
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return &payments.ChargeResult{TxnID: "txn_test"}, nil
}

func (f *fakeProcessor) CreateOrUpdateSchedule(ctx context.Context, req payments.ScheduleRequest) (*payments.ScheduleResult, error) {
	f.schedules = append(f.schedules, req)
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	return &payments.ScheduleResult{ScheduleRef: "sched_test"}, nil
}

type engineFixture struct {
	engine *Engine
	store  *storage.MemoryStorage
	proc   *fakeProcessor
	order  *models.Order
	offer1 *models.Offer
	offer2 *models.Offer
	now    time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := storage.NewMemory()
	proc := &fakeProcessor{}
	trail := audit.NewTrail(store, zerolog.Nop())

	cfg := config.FunnelConfig{
		DownsellPercent: 20,
		Countdown:       120 * time.Second,
		SessionTimeout:  180 * time.Second,
	}
	billing := config.BillingConfig{AnchorDay: 1}

	engine := NewEngine(store, proc, trail, cfg, billing, zerolog.Nop())

	f := &engineFixture{
		engine: engine,
		store:  store,
		proc:   proc,
		now:    time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
	engine.nowFunc = func() time.Time { return f.now }

	ctx := context.Background()
	f.offer1 = &models.Offer{
		ID:        "off_1",
		Name:      "Gift Wrap Club",
		Kind:      models.OfferOneTime,
		Price:     decimal.RequireFromString("9.99"),
		Active:    true,
		CreatedAt: f.now.Add(-2 * time.Hour),
	}
	f.offer2 = &models.Offer{
		ID:        "off_2",
		Name:      "Monthly Treats",
		Kind:      models.OfferRecurring,
		Price:     decimal.RequireFromString("19.99"),
		Active:    true,
		CreatedAt: f.now.Add(-1 * time.Hour),
	}
	if err := store.CreateOffer(ctx, f.offer1); err != nil {
		t.Fatalf("creating offer: %v", err)
	}
	if err := store.CreateOffer(ctx, f.offer2); err != nil {
		t.Fatalf("creating offer: %v", err)
	}

	f.order = &models.Order{
		ID:               "ord_1",
		Token:            "sess_token_1",
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
		Email:            "buyer@example.com",
		Total:            decimal.RequireFromString("45.00"),
		CreatedAt:        f.now,
	}
	if err := store.CreateOrder(ctx, f.order); err != nil {
		t.Fatalf("creating order: %v", err)
	}
	return f
}

func (f *engineFixture) session(t *testing.T) *models.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), f.order.Token)
	if err != nil {
		t.Fatalf("loading session: %v", err)
	}
	if sess == nil {
		t.Fatal("session not found")
	}
	return sess
}

func TestNextOfferPresentsFirstOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if res.Complete {
		t.Fatal("expected an offer, got complete")
	}
	if res.Offer.OfferID != "off_1" {
		t.Errorf("offer id = %s, want off_1", res.Offer.OfferID)
	}
	if res.Offer.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", res.Offer.Attempt)
	}
	if !res.Offer.UnitPrice.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("unit price = %s, want 9.99", res.Offer.UnitPrice)
	}
	if res.CountdownSeconds != 120 {
		t.Errorf("countdown = %d, want 120", res.CountdownSeconds)
	}

	sess := f.session(t)
	if sess.PresentedAt == nil {
		t.Error("presentation not recorded")
	}
}

func TestNextOfferUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.NextOffer(context.Background(), "sess_bogus")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeclineOffersDownsell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	dec, err := f.engine.Decline(ctx, f.order.Token, "off_1")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if dec.Next != StepDownsell {
		t.Fatalf("next = %s, want %s", dec.Next, StepDownsell)
	}

	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if res.Offer.OfferID != "off_1" || res.Offer.Attempt != 2 {
		t.Fatalf("got offer %s attempt %d, want off_1 attempt 2", res.Offer.OfferID, res.Offer.Attempt)
	}
	if !res.Offer.UnitPrice.Equal(decimal.RequireFromString("7.99")) {
		t.Errorf("downsell price = %s, want 7.99", res.Offer.UnitPrice)
	}
}

func TestDownsellDerivesFromFrozenPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	// A catalog edit mid-session must not move the negotiated price.
	f.offer1.Price = decimal.RequireFromString("49.99")
	if err := f.store.UpdateOffer(ctx, f.offer1); err != nil {
		t.Fatalf("updating offer: %v", err)
	}

	if _, err := f.engine.Decline(ctx, f.order.Token, "off_1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if !res.Offer.UnitPrice.Equal(decimal.RequireFromString("7.99")) {
		t.Errorf("downsell price = %s, want 7.99 from the frozen base", res.Offer.UnitPrice)
	}
}

func TestDuplicateDeclineDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if _, err := f.engine.Decline(ctx, f.order.Token, "off_1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}

	// Retransmitted decline before the downsell was ever shown.
	dec, err := f.engine.Decline(ctx, f.order.Token, "off_1")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if dec.Next != StepDownsell {
		t.Errorf("next = %s, want %s", dec.Next, StepDownsell)
	}

	sess := f.session(t)
	if sess.OfferIndex != 0 || sess.Attempt != 2 {
		t.Errorf("position = (%d, %d), want (0, 2)", sess.OfferIndex, sess.Attempt)
	}
}

func TestDeclineTwiceAdvancesToNextOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
			t.Fatalf("NextOffer: %v", err)
		}
		if _, err := f.engine.Decline(ctx, f.order.Token, "off_1"); err != nil {
			t.Fatalf("Decline: %v", err)
		}
	}

	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if res.Offer.OfferID != "off_2" || res.Offer.Attempt != 1 {
		t.Fatalf("got offer %s attempt %d, want off_2 attempt 1", res.Offer.OfferID, res.Offer.Attempt)
	}
	if !res.Offer.UnitPrice.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("price = %s, want full catalog 19.99", res.Offer.UnitPrice)
	}
}

func TestDecliningEverythingCompletesFunnel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var last *DeclineResult
	for _, offerID := range []string{"off_1", "off_1", "off_2", "off_2"} {
		if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
			t.Fatalf("NextOffer: %v", err)
		}
		dec, err := f.engine.Decline(ctx, f.order.Token, offerID)
		if err != nil {
			t.Fatalf("Decline(%s): %v", offerID, err)
		}
		last = dec
	}
	if last.Next != StepComplete {
		t.Fatalf("final next = %s, want %s", last.Next, StepComplete)
	}

	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if !res.Complete {
		t.Error("expected complete after declining every offer")
	}
}

func TestAcceptChargesAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	res, err := f.engine.Accept(ctx, f.order.Token, "off_1", 2)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if !res.Acceptance.Total.Equal(decimal.RequireFromString("19.98")) {
		t.Errorf("acceptance total = %s, want 19.98", res.Acceptance.Total)
	}
	if !res.OrderTotal.Equal(decimal.RequireFromString("64.98")) {
		t.Errorf("order total = %s, want 64.98", res.OrderTotal)
	}
	if res.NextBillingAt != nil {
		t.Error("one-time accept should not report a billing date")
	}

	if len(f.proc.charges) != 1 {
		t.Fatalf("charges = %d, want 1", len(f.proc.charges))
	}
	ch := f.proc.charges[0]
	if !ch.Amount.Equal(decimal.RequireFromString("19.98")) {
		t.Errorf("charged %s, want 19.98", ch.Amount)
	}
	if want := payments.FunnelChargeKey(f.order.Token, "off_1", 1); ch.IdempotencyKey != want {
		t.Errorf("idempotency key = %s, want %s", ch.IdempotencyKey, want)
	}

	sess := f.session(t)
	if sess.OfferIndex != 1 || sess.Attempt != 1 {
		t.Errorf("position = (%d, %d), want (1, 1)", sess.OfferIndex, sess.Attempt)
	}
}

func TestAcceptDownsellUsesReducedPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if _, err := f.engine.Decline(ctx, f.order.Token, "off_1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	res, err := f.engine.Accept(ctx, f.order.Token, "off_1", 1)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !res.Acceptance.UnitPrice.Equal(decimal.RequireFromString("7.99")) {
		t.Errorf("unit price = %s, want downsell 7.99", res.Acceptance.UnitPrice)
	}
	if res.Acceptance.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", res.Acceptance.Attempt)
	}
}

func TestAcceptRecurringStartsScheduleOnAnchor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Walk past the one-time offer to the recurring one.
	for i := 0; i < 2; i++ {
		if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
			t.Fatalf("NextOffer: %v", err)
		}
		if _, err := f.engine.Decline(ctx, f.order.Token, "off_1"); err != nil {
			t.Fatalf("Decline: %v", err)
		}
	}
	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	res, err := f.engine.Accept(ctx, f.order.Token, "off_2", 1)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if !res.Acceptance.Total.IsZero() {
		t.Errorf("recurring acceptance total = %s, want 0", res.Acceptance.Total)
	}
	if !res.OrderTotal.Equal(f.order.Total) {
		t.Errorf("order total = %s, want unchanged %s", res.OrderTotal, f.order.Total)
	}

	wantAnchor := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if res.NextBillingAt == nil || !res.NextBillingAt.Equal(wantAnchor) {
		t.Errorf("next billing = %v, want %s", res.NextBillingAt, wantAnchor)
	}

	if len(f.proc.charges) != 1 || !f.proc.charges[0].Amount.IsZero() {
		t.Fatalf("expected one zero-amount setup charge, got %+v", f.proc.charges)
	}
	if len(f.proc.schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(f.proc.schedules))
	}
	sched := f.proc.schedules[0]
	if !sched.UnitPrice.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("schedule unit price = %s, want 19.99", sched.UnitPrice)
	}
	if !sched.NextBillingAt.Equal(wantAnchor) {
		t.Errorf("schedule billing date = %s, want %s", sched.NextBillingAt, wantAnchor)
	}
	if res.Acceptance.ScheduleRef != "sched_test" {
		t.Errorf("schedule ref = %s, want sched_test", res.Acceptance.ScheduleRef)
	}
}

func TestAcceptRequiresPresentation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	// Accepting an offer other than the presented one is rejected.
	if _, err := f.engine.Accept(ctx, f.order.Token, "off_2", 1); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if len(f.proc.charges) != 0 {
		t.Errorf("charges = %d, want 0", len(f.proc.charges))
	}
}

func TestAcceptRejectsBadQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if _, err := f.engine.Accept(ctx, f.order.Token, "off_1", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestHardDeclineOnAcceptAdvancesLikeDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	f.proc.chargeErr = &payments.DeclineError{Code: "insufficient_funds"}
	_, err := f.engine.Accept(ctx, f.order.Token, "off_1", 1)
	de, ok := payments.AsDecline(err)
	if !ok {
		t.Fatalf("err = %v, want DeclineError", err)
	}
	if de.Code != "insufficient_funds" {
		t.Errorf("code = %s, want insufficient_funds", de.Code)
	}

	// The failed charge consumed the attempt; the downsell comes next.
	f.proc.chargeErr = nil
	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if res.Offer.OfferID != "off_1" || res.Offer.Attempt != 2 {
		t.Fatalf("got offer %s attempt %d, want off_1 attempt 2", res.Offer.OfferID, res.Offer.Attempt)
	}
}

func TestTransientChargeErrorKeepsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	f.proc.chargeErr = &payments.TransientError{Err: errors.New("gateway timeout")}
	if _, err := f.engine.Accept(ctx, f.order.Token, "off_1", 1); !payments.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}

	sess := f.session(t)
	if sess.OfferIndex != 0 || sess.Attempt != 1 {
		t.Fatalf("position = (%d, %d), want unchanged (0, 1)", sess.OfferIndex, sess.Attempt)
	}

	// The same call succeeds once the gateway recovers, at full price.
	f.proc.chargeErr = nil
	res, err := f.engine.Accept(ctx, f.order.Token, "off_1", 1)
	if err != nil {
		t.Fatalf("Accept after recovery: %v", err)
	}
	if !res.Acceptance.UnitPrice.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("unit price = %s, want 9.99", res.Acceptance.UnitPrice)
	}
}

func TestCountdownExpiryIsImplicitDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	f.now = f.now.Add(121 * time.Second)
	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if res.Offer.OfferID != "off_1" || res.Offer.Attempt != 2 {
		t.Fatalf("got offer %s attempt %d, want downsell after countdown expiry", res.Offer.OfferID, res.Offer.Attempt)
	}
}

func TestAcceptAfterCountdownExpiryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	f.now = f.now.Add(121 * time.Second)
	if _, err := f.engine.Accept(ctx, f.order.Token, "off_1", 1); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if len(f.proc.charges) != 0 {
		t.Errorf("charges = %d, want 0", len(f.proc.charges))
	}
}

func TestSessionSafetyTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	f.now = f.now.Add(181 * time.Second)
	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if !res.Complete {
		t.Error("expected complete after safety timeout")
	}
	if _, err := f.engine.Accept(ctx, f.order.Token, "off_1", 1); !errors.Is(err, ErrValidation) {
		t.Errorf("Accept err = %v, want ErrValidation", err)
	}
}

func TestDeactivatedOfferSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Start the session with both offers eligible, then deactivate off_2
	// before the session reaches it.
	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if err := f.store.ToggleOffer(ctx, "off_2", false); err != nil {
		t.Fatalf("toggling offer: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
			t.Fatalf("NextOffer: %v", err)
		}
		if _, err := f.engine.Decline(ctx, f.order.Token, "off_1"); err != nil {
			t.Fatalf("Decline: %v", err)
		}
	}

	res, err := f.engine.NextOffer(ctx, f.order.Token)
	if err != nil {
		t.Fatalf("NextOffer: %v", err)
	}
	if !res.Complete {
		t.Error("expected complete once the only remaining offer is inactive")
	}
}

func TestExpireStaleForcesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.NextOffer(ctx, f.order.Token); err != nil {
		t.Fatalf("NextOffer: %v", err)
	}

	f.now = f.now.Add(10 * time.Minute)
	n, err := f.engine.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	sess := f.session(t)
	if !sess.Completed {
		t.Error("session should be completed")
	}
}
