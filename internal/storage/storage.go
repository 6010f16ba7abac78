package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/models"
)

// Storage is a flat get/set surface over the backing store. No multi-key
// transaction is assumed to exist: engine correctness comes from idempotency
// guards and monotonic state fields, not atomic commits.
type Storage interface {
	// Offers
	CreateOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListOffers(ctx context.Context, activeOnly bool) ([]models.Offer, error)
	UpdateOffer(ctx context.Context, o *models.Offer) error
	ToggleOffer(ctx context.Context, id string, active bool) error

	// Orders
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByToken(ctx context.Context, token string) (*models.Order, error)
	UpdateOrderTotal(ctx context.Context, id string, total decimal.Decimal) error
	CreateAcceptance(ctx context.Context, a *models.Acceptance) error
	ListAcceptances(ctx context.Context, orderID string) ([]models.Acceptance, error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	// ExpireStaleSessions force-completes in-progress sessions created
	// before the cutoff and returns how many it touched.
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int, error)

	// Decline records
	CreateDecline(ctx context.Context, d *models.DeclineRecord) error
	GetDecline(ctx context.Context, id string) (*models.DeclineRecord, error)
	GetActiveDeclineByOrder(ctx context.Context, orderRef string) (*models.DeclineRecord, error)
	ListDeclines(ctx context.Context, status models.DeclineStatus, limit int) ([]models.DeclineRecord, error)
	UpdateDecline(ctx context.Context, d *models.DeclineRecord) error
	GetDueDeclines(ctx context.Context, now time.Time, limit int) ([]models.DeclineRecord, error)

	// Activity trail
	AppendActivity(ctx context.Context, e *models.ActivityEntry) error
	ListActivity(ctx context.Context, kind models.ActivityOwner, ownerID string) ([]models.ActivityEntry, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalOrders       int64           `json:"total_orders"`
	TotalAcceptances  int64           `json:"total_acceptances"`
	FunnelRevenue     decimal.Decimal `json:"funnel_revenue"`
	ActiveDeclines    int64           `json:"active_declines"`
	ResolvedDeclines  int64           `json:"resolved_declines"`
	ExhaustedDeclines int64           `json:"exhausted_declines"`
	StoppedDeclines   int64           `json:"stopped_declines"`
	RecoveredAmount   decimal.Decimal `json:"recovered_amount"`
	RecoveryRate      float64         `json:"recovery_rate_pct"`
}
