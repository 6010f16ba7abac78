package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/giftworks/giftfunnel/internal/audit"
	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/payments"
	"github.com/giftworks/giftfunnel/internal/storage"
)

// Dispatcher sends at most one recovery email per retry attempt. Send state
// lives on the decline record itself, so repeated sweeps over the same record
// stay silent once the attempt has been notified.
type Dispatcher struct {
	store    storage.Storage
	mailer   Mailer
	trail    *audit.Trail
	template string
	from     string
	log      zerolog.Logger
	nowFunc  func() time.Time
}

func NewDispatcher(store storage.Storage, mailer Mailer, trail *audit.Trail, template, from string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		mailer:   mailer,
		trail:    trail,
		template: template,
		from:     from,
		log:      log,
		nowFunc:  time.Now,
	}
}

// SendIfDue sends the recovery email for the record's current attempt number
// unless one was already recorded for it. A mailer failure is logged and
// reported as not-sent; it never propagates, so a successful charge outcome
// can still commit. Returns true only when a new send was recorded.
func (d *Dispatcher) SendIfDue(ctx context.Context, rec *models.DeclineRecord) bool {
	attempt := rec.RetryAttempts
	if rec.EmailedFor(attempt) {
		return false
	}
	if rec.Email == "" {
		d.log.Warn().Str("decline_id", rec.ID).Msg("no customer email on decline record, skipping notification")
		return false
	}

	_, err := d.mailer.Send(ctx, SendRequest{
		Template:  d.template,
		From:      d.from,
		Recipient: rec.Email,
		Data: map[string]string{
			"amount":  rec.Amount.StringFixed(2),
			"attempt": fmt.Sprintf("%d", attempt),
			"reason":  payments.CustomerMessage(rec.ReasonCode),
		},
	})
	if err != nil {
		// Best effort: the next sweep for this attempt may try again.
		d.log.Warn().Err(err).
			Str("decline_id", rec.ID).
			Int("attempt", attempt).
			Msg("recovery email send failed")
		return false
	}

	now := d.nowFunc().UTC()
	rec.EmailsSent = append(rec.EmailsSent, models.EmailSend{Attempt: attempt, SentAt: now})
	if err := d.store.UpdateDecline(ctx, rec); err != nil {
		d.log.Error().Err(err).Str("decline_id", rec.ID).Msg("failed to record email send")
	}
	d.trail.RecordEmail(ctx, models.OwnerDecline, rec.ID, "recovery_email_sent",
		d.template, rec.Email, fmt.Sprintf("attempt %d", attempt))

	d.log.Info().
		Str("decline_id", rec.ID).
		Int("attempt", attempt).
		Str("recipient", rec.Email).
		Msg("recovery email sent")
	return true
}
