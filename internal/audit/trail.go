package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/giftworks/giftfunnel/internal/models"
	"github.com/giftworks/giftfunnel/internal/storage"
)

// Trail appends to the per-record activity log. Entries are advisory: a
// failed append is logged and swallowed so audit writes can never roll back
// the state transition they describe.
type Trail struct {
	store storage.Storage
	log   zerolog.Logger
}

func NewTrail(store storage.Storage, log zerolog.Logger) *Trail {
	return &Trail{store: store, log: log}
}

func (t *Trail) Record(ctx context.Context, kind models.ActivityOwner, ownerID, action, details string) {
	t.append(ctx, &models.ActivityEntry{
		ID:        models.NewID("act"),
		OwnerKind: kind,
		OwnerID:   ownerID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	})
}

// RecordEmail is Record with the email type and recipient tagged on, so
// support can audit exactly what was sent and to whom.
func (t *Trail) RecordEmail(ctx context.Context, kind models.ActivityOwner, ownerID, action, emailType, recipient, details string) {
	t.append(ctx, &models.ActivityEntry{
		ID:        models.NewID("act"),
		OwnerKind: kind,
		OwnerID:   ownerID,
		Action:    action,
		Details:   details,
		EmailType: emailType,
		Recipient: recipient,
		CreatedAt: time.Now().UTC(),
	})
}

func (t *Trail) append(ctx context.Context, e *models.ActivityEntry) {
	if err := t.store.AppendActivity(ctx, e); err != nil {
		t.log.Error().Err(err).
			Str("owner_id", e.OwnerID).
			Str("action", e.Action).
			Msg("failed to append activity entry")
	}
}
