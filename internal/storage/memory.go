package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/models"
)

// MemoryStorage is a map-backed Storage used by tests and local demos. It
// mirrors SQLite semantics closely enough that the engines cannot tell the
// drivers apart.
type MemoryStorage struct {
	mu          sync.RWMutex
	offers      map[string]models.Offer
	orders      map[string]models.Order
	acceptances map[string][]models.Acceptance // keyed by order id
	sessions    map[string]models.Session
	declines    map[string]models.DeclineRecord
	activity    []models.ActivityEntry
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		offers:      make(map[string]models.Offer),
		orders:      make(map[string]models.Order),
		acceptances: make(map[string][]models.Acceptance),
		sessions:    make(map[string]models.Session),
		declines:    make(map[string]models.DeclineRecord),
	}
}

func (m *MemoryStorage) Migrate(ctx context.Context) error { return nil }
func (m *MemoryStorage) Close() error                      { return nil }

func copySession(s models.Session) models.Session {
	out := s
	out.OfferIDs = append([]string(nil), s.OfferIDs...)
	if s.PresentedAt != nil {
		t := *s.PresentedAt
		out.PresentedAt = &t
	}
	return out
}

func copyDecline(d models.DeclineRecord) models.DeclineRecord {
	out := d
	out.EmailsSent = append([]models.EmailSend(nil), d.EmailsSent...)
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		out.NextRetryAt = &t
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// --- Offers ---

func (m *MemoryStorage) CreateOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStorage) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MemoryStorage) ListOffers(ctx context.Context, activeOnly bool) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var offers []models.Offer
	for _, o := range m.offers {
		if activeOnly && !o.Active {
			continue
		}
		offers = append(offers, o)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.Before(offers[j].CreatedAt) })
	return offers, nil
}

func (m *MemoryStorage) UpdateOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = *o
	return nil
}

func (m *MemoryStorage) ToggleOffer(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil
	}
	o.Active = active
	o.UpdatedAt = time.Now().UTC()
	m.offers[id] = o
	return nil
}

// --- Orders ---

func (m *MemoryStorage) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *MemoryStorage) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.Token == token {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) UpdateOrderTotal(ctx context.Context, id string, total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil
	}
	o.Total = total
	m.orders[id] = o
	return nil
}

func (m *MemoryStorage) CreateAcceptance(ctx context.Context, a *models.Acceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptances[a.OrderID] = append(m.acceptances[a.OrderID], *a)
	return nil
}

func (m *MemoryStorage) ListAcceptances(ctx context.Context, orderID string) ([]models.Acceptance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Acceptance(nil), m.acceptances[orderID]...), nil
}

// --- Sessions ---

func (m *MemoryStorage) CreateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = copySession(*s)
	return nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, token string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	out := copySession(s)
	return &out, nil
}

func (m *MemoryStorage) UpdateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.sessions[s.Token] = copySession(*s)
	return nil
}

func (m *MemoryStorage) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := 0
	for token, s := range m.sessions {
		if !s.Completed && s.CreatedAt.Before(cutoff) {
			s.Completed = true
			s.PresentedAt = nil
			s.UpdatedAt = time.Now().UTC()
			m.sessions[token] = s
			expired++
		}
	}
	return expired, nil
}

// --- Decline records ---

func (m *MemoryStorage) CreateDecline(ctx context.Context, d *models.DeclineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declines[d.ID] = copyDecline(*d)
	return nil
}

func (m *MemoryStorage) GetDecline(ctx context.Context, id string) (*models.DeclineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.declines[id]
	if !ok {
		return nil, nil
	}
	out := copyDecline(d)
	return &out, nil
}

func (m *MemoryStorage) GetActiveDeclineByOrder(ctx context.Context, orderRef string) (*models.DeclineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.DeclineRecord
	for _, d := range m.declines {
		if d.OrderRef != orderRef || d.Status != models.DeclineActive {
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			out := copyDecline(d)
			latest = &out
		}
	}
	return latest, nil
}

func (m *MemoryStorage) ListDeclines(ctx context.Context, status models.DeclineStatus, limit int) ([]models.DeclineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	var declines []models.DeclineRecord
	for _, d := range m.declines {
		if status != "" && d.Status != status {
			continue
		}
		declines = append(declines, copyDecline(d))
	}
	sort.Slice(declines, func(i, j int) bool { return declines[i].CreatedAt.After(declines[j].CreatedAt) })
	if len(declines) > limit {
		declines = declines[:limit]
	}
	return declines, nil
}

func (m *MemoryStorage) UpdateDecline(ctx context.Context, d *models.DeclineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = time.Now().UTC()
	m.declines[d.ID] = copyDecline(*d)
	return nil
}

func (m *MemoryStorage) GetDueDeclines(ctx context.Context, now time.Time, limit int) ([]models.DeclineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []models.DeclineRecord
	for _, d := range m.declines {
		if d.Status != models.DeclineActive || d.NextRetryAt == nil {
			continue
		}
		if d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, copyDecline(d))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- Activity trail ---

func (m *MemoryStorage) AppendActivity(ctx context.Context, e *models.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, *e)
	return nil
}

func (m *MemoryStorage) ListActivity(ctx context.Context, kind models.ActivityOwner, ownerID string) ([]models.ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []models.ActivityEntry
	for _, e := range m.activity {
		if e.OwnerKind == kind && e.OwnerID == ownerID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// --- Stats ---

func (m *MemoryStorage) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{FunnelRevenue: decimal.Zero, RecoveredAmount: decimal.Zero}
	stats.TotalOrders = int64(len(m.orders))
	for _, accs := range m.acceptances {
		stats.TotalAcceptances += int64(len(accs))
		for _, a := range accs {
			stats.FunnelRevenue = stats.FunnelRevenue.Add(a.Total)
		}
	}
	for _, d := range m.declines {
		switch d.Status {
		case models.DeclineActive:
			stats.ActiveDeclines++
		case models.DeclineResolved:
			stats.ResolvedDeclines++
			stats.RecoveredAmount = stats.RecoveredAmount.Add(d.Amount)
		case models.DeclineExhausted:
			stats.ExhaustedDeclines++
		case models.DeclineStopped:
			stats.StoppedDeclines++
		}
	}
	closed := stats.ResolvedDeclines + stats.ExhaustedDeclines + stats.StoppedDeclines
	if closed > 0 {
		stats.RecoveryRate = float64(stats.ResolvedDeclines) / float64(closed) * 100
	}
	return stats, nil
}
