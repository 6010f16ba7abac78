package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/audit"
	"github.com/giftworks/giftfunnel/internal/config"
	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/notify"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/storage"
)

var (
	// ErrNotFound means the decline id is unknown.
	ErrNotFound = errors.New("decline record not found")
	// ErrInvalidState means the requested transition is not allowed from
	// the record's current status (e.g. retrying a stopped record).
	ErrInvalidState = errors.New("invalid decline state")
)

// DeclineInput describes one failed recurring charge reported by billing.
type DeclineInput struct {
	OrderRef         string
	SubscriptionRef  string
	CustomerRef      string
	PaymentMethodRef string
	Email            string
	Amount           decimal.Decimal
	ReasonCode       string
}

// SweepResult aggregates one ProcessDueRetries pass for caller reporting.
type SweepResult struct {
	Attempted         int `json:"attempted"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	NotificationsSent int `json:"notifications_sent"`
}

// Engine owns failed recurring charges from first failure through resolution,
// exhaustion, or an operator stop. Every externally visible side effect is
// guarded so at-least-once invocation cannot double-charge or double-email.
type Engine struct {
	store      storage.Storage
	proc       payments.Processor
	dispatcher *notify.Dispatcher
	trail      *audit.Trail
	cfg        config.RecoveryConfig
	log        zerolog.Logger
	nowFunc    func() time.Time
}

func NewEngine(store storage.Storage, proc payments.Processor, dispatcher *notify.Dispatcher,
	trail *audit.Trail, cfg config.RecoveryConfig, log zerolog.Logger) *Engine {
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	return &Engine{
		store:      store,
		proc:       proc,
		dispatcher: dispatcher,
		trail:      trail,
		cfg:        cfg,
		log:        log,
		nowFunc:    time.Now,
	}
}

// RecordDecline creates a decline record for the order, or increments the
// attempt count on the existing active one. The next retry time always
// derives from the first failure time and the fixed schedule.
func (e *Engine) RecordDecline(ctx context.Context, in DeclineInput) (*models.DeclineRecord, error) {
	now := e.nowFunc().UTC()

	existing, err := e.store.GetActiveDeclineByOrder(ctx, in.OrderRef)
	if err != nil {
		return nil, fmt.Errorf("looking up active decline: %w", err)
	}
	if existing != nil {
		e.applyFailure(existing, in.ReasonCode, now)
		if err := e.store.UpdateDecline(ctx, existing); err != nil {
			return nil, fmt.Errorf("updating decline: %w", err)
		}
		e.trail.Record(ctx, models.OwnerDecline, existing.ID, "charge_failed",
			fmt.Sprintf("attempt %d failed: %s", existing.RetryAttempts, in.ReasonCode))
		return existing, nil
	}

	rec := &models.DeclineRecord{
		ID:               models.NewID("dcl"),
		OrderRef:         in.OrderRef,
		SubscriptionRef:  in.SubscriptionRef,
		CustomerRef:      in.CustomerRef,
		PaymentMethodRef: in.PaymentMethodRef,
		Email:            in.Email,
		Amount:           in.Amount,
		ReasonCode:       in.ReasonCode,
		Status:           models.DeclineActive,
		RetryAttempts:    0,
		FirstFailureAt:   now,
		LastFailureAt:    now,
		EmailsSent:       []models.EmailSend{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	rec.NextRetryAt = NextRetryAt(rec.FirstFailureAt, 0, e.cfg.Schedule)
	if rec.NextRetryAt == nil {
		rec.Status = models.DeclineExhausted
	}
	if err := e.store.CreateDecline(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating decline: %w", err)
	}
	e.trail.Record(ctx, models.OwnerDecline, rec.ID, "decline_recorded",
		fmt.Sprintf("%s for %s: %s", rec.Amount.StringFixed(2), rec.OrderRef, rec.ReasonCode))

	e.log.Info().
		Str("decline_id", rec.ID).
		Str("order_ref", rec.OrderRef).
		Str("reason_code", rec.ReasonCode).
		Msg("decline recorded")
	return rec, nil
}

// ProcessDueRetries re-attempts every active record whose retry time has
// arrived, up to the configured batch limit. Safe to run concurrently or
// repeatedly: records are re-read before charging, charge idempotency keys
// are deterministic per attempt, and email sends are recorded per attempt.
// One failing record never aborts the batch.
func (e *Engine) ProcessDueRetries(ctx context.Context) (*SweepResult, error) {
	now := e.nowFunc().UTC()
	due, err := e.store.GetDueDeclines(ctx, now, e.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("selecting due declines: %w", err)
	}

	res := &SweepResult{}
	for _, d := range due {
		outcome, err := e.retryCharge(ctx, d.ID, false)
		if err != nil {
			e.log.Error().Err(err).Str("decline_id", d.ID).Msg("retry processing failed")
			continue
		}
		if outcome == nil {
			continue // no longer eligible, nothing attempted
		}
		res.Attempted++
		switch {
		case outcome.resolved:
			res.Succeeded++
		default:
			res.Failed++
		}
		if outcome.notified {
			res.NotificationsSent++
		}
	}

	e.log.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("notifications", res.NotificationsSent).
		Msg("retry sweep finished")
	return res, nil
}

// StopRecovery is the operator's one-way off switch: no further automatic
// retries or emails. Resolved and stopped records cannot be stopped again.
func (e *Engine) StopRecovery(ctx context.Context, id string) (*models.DeclineRecord, error) {
	rec, err := e.store.GetDecline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading decline: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.Terminal() {
		return nil, fmt.Errorf("%w: cannot stop a %s record", ErrInvalidState, rec.Status)
	}

	rec.Status = models.DeclineStopped
	rec.NextRetryAt = nil
	if err := e.store.UpdateDecline(ctx, rec); err != nil {
		return nil, fmt.Errorf("updating decline: %w", err)
	}
	e.trail.Record(ctx, models.OwnerDecline, rec.ID, "recovery_stopped", "stopped by administrator")

	e.log.Info().Str("decline_id", rec.ID).Msg("recovery stopped")
	return rec, nil
}

// ManualRetry runs an out-of-band charge attempt, bypassing the schedule but
// keeping the same idempotency guard and transitions as the sweep. Allowed on
// active and exhausted records; resolved and stopped are rejected.
func (e *Engine) ManualRetry(ctx context.Context, id string) (*models.DeclineRecord, error) {
	rec, err := e.store.GetDecline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading decline: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if rec.Terminal() {
		return nil, fmt.Errorf("%w: cannot retry a %s record", ErrInvalidState, rec.Status)
	}

	if _, err := e.retryCharge(ctx, id, true); err != nil {
		return nil, err
	}
	return e.store.GetDecline(ctx, id)
}

// SendRecoveryEmail is the operator-triggered best-effort resend for the
// record's current attempt. The per-attempt guard still applies.
func (e *Engine) SendRecoveryEmail(ctx context.Context, id string) (bool, error) {
	rec, err := e.store.GetDecline(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading decline: %w", err)
	}
	if rec == nil {
		return false, ErrNotFound
	}
	if rec.Terminal() {
		return false, fmt.Errorf("%w: no recovery emails for a %s record", ErrInvalidState, rec.Status)
	}
	return e.dispatcher.SendIfDue(ctx, rec), nil
}

type retryOutcome struct {
	resolved bool
	notified bool
}

// retryCharge re-reads the record, charges with the per-attempt idempotency
// key, and applies the success or failure transition. manual additionally
// allows exhausted records; the scheduled sweep only touches active ones.
func (e *Engine) retryCharge(ctx context.Context, id string, manual bool) (*retryOutcome, error) {
	// Re-read: the record may have been resolved or stopped since it was
	// selected. Repeating the sweep must be a no-op for such records.
	rec, err := e.store.GetDecline(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reloading decline: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	switch rec.Status {
	case models.DeclineActive:
	case models.DeclineExhausted:
		if !manual {
			return nil, nil
		}
	default:
		return nil, nil
	}

	now := e.nowFunc().UTC()
	attemptNo := rec.RetryAttempts + 1
	key := payments.RetryChargeKey(rec.OrderRef, attemptNo)

	result, err := e.proc.Charge(ctx, payments.ChargeRequest{
		CustomerRef:      rec.CustomerRef,
		PaymentMethodRef: rec.PaymentMethodRef,
		Amount:           rec.Amount,
		IdempotencyKey:   key,
		Description:      fmt.Sprintf("payment recovery for %s", rec.OrderRef),
	})

	if err == nil {
		rec.Status = models.DeclineResolved
		rec.NextRetryAt = nil
		rec.ResolvedAt = &now
		rec.ConvertedTxnID = result.TxnID
		if err := e.store.UpdateDecline(ctx, rec); err != nil {
			return nil, fmt.Errorf("marking resolved: %w", err)
		}
		e.trail.Record(ctx, models.OwnerDecline, rec.ID, "charge_recovered",
			fmt.Sprintf("%s recovered on attempt %d (txn %s)", rec.Amount.StringFixed(2), attemptNo, result.TxnID))
		e.log.Info().
			Str("decline_id", rec.ID).
			Int("attempt", attemptNo).
			Msg("payment recovered")
		return &retryOutcome{resolved: true}, nil
	}

	if payments.IsTransient(err) {
		// Provider outage: no attempt slot consumed, no email, schedule
		// untouched. The next sweep retries soon.
		e.log.Warn().Err(err).Str("decline_id", rec.ID).Msg("transient error during retry")
		e.trail.Record(ctx, models.OwnerDecline, rec.ID, "retry_deferred", err.Error())
		return &retryOutcome{}, nil
	}

	de, ok := payments.AsDecline(err)
	if !ok {
		return nil, fmt.Errorf("charging %s: %w", rec.OrderRef, err)
	}

	e.applyFailure(rec, de.Code, now)
	if err := e.store.UpdateDecline(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording failed attempt: %w", err)
	}
	e.trail.Record(ctx, models.OwnerDecline, rec.ID, "charge_failed",
		fmt.Sprintf("attempt %d failed: %s", rec.RetryAttempts, de.Code))

	// Notify only for an attempt number not previously emailed.
	notified := e.dispatcher.SendIfDue(ctx, rec)

	e.log.Info().
		Str("decline_id", rec.ID).
		Int("attempt", rec.RetryAttempts).
		Str("reason_code", de.Code).
		Str("status", string(rec.Status)).
		Msg("retry attempt failed")
	return &retryOutcome{notified: notified}, nil
}

// applyFailure advances the attempt counter and recomputes the schedule
// position. Attempts past the end of the schedule exhaust the record.
func (e *Engine) applyFailure(rec *models.DeclineRecord, reasonCode string, now time.Time) {
	rec.RetryAttempts++
	rec.LastFailureAt = now
	rec.ReasonCode = reasonCode
	next := NextRetryAt(rec.FirstFailureAt, rec.RetryAttempts, e.cfg.Schedule)
	if next == nil {
		rec.Status = models.DeclineExhausted
		rec.NextRetryAt = nil
		return
	}
	rec.Status = models.DeclineActive
	rec.NextRetryAt = next
}
