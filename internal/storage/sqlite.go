package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/giftworks/giftfunnel/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS offers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			price TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL UNIQUE,
			customer_ref TEXT NOT NULL,
			payment_method_ref TEXT NOT NULL,
			email TEXT NOT NULL,
			total TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS acceptances (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			offer_id TEXT NOT NULL,
			offer_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price TEXT NOT NULL,
			total TEXT NOT NULL,
			provider_txn_id TEXT NOT NULL DEFAULT '',
			schedule_ref TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			offer_ids TEXT NOT NULL DEFAULT '[]',
			offer_index INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			base_price TEXT NOT NULL DEFAULT '0',
			presented_at DATETIME,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS declines (
			id TEXT PRIMARY KEY,
			order_ref TEXT NOT NULL,
			subscription_ref TEXT NOT NULL DEFAULT '',
			customer_ref TEXT NOT NULL,
			payment_method_ref TEXT NOT NULL,
			email TEXT NOT NULL,
			amount TEXT NOT NULL,
			reason_code TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			retry_attempts INTEGER NOT NULL DEFAULT 0,
			first_failure_at DATETIME NOT NULL,
			last_failure_at DATETIME NOT NULL,
			next_retry_at DATETIME,
			resolved_at DATETIME,
			converted_txn_id TEXT NOT NULL DEFAULT '',
			emails_sent TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id TEXT PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			action TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			email_type TEXT NOT NULL DEFAULT '',
			recipient TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_token ON orders(token)`,
		`CREATE INDEX IF NOT EXISTS idx_acceptances_order ON acceptances(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_stale ON sessions(completed, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_declines_order ON declines(order_ref, status)`,
		`CREATE INDEX IF NOT EXISTS idx_declines_due ON declines(status, next_retry_at) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_activity_owner ON activity(owner_kind, owner_id)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// --- Offers ---

func (s *SQLiteStorage) CreateOffer(ctx context.Context, o *models.Offer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offers (id, name, kind, price, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Kind, o.Price.String(), boolToInt(o.Active), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanOffer(row interface{ Scan(...interface{}) error }) (*models.Offer, error) {
	var o models.Offer
	var price string
	var active int
	err := row.Scan(&o.ID, &o.Name, &o.Kind, &price, &active, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Price = parseDecimal(price)
	o.Active = active == 1
	return &o, nil
}

func (s *SQLiteStorage) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, price, active, created_at, updated_at FROM offers WHERE id = ?`, id)
	o, err := s.scanOffer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *SQLiteStorage) ListOffers(ctx context.Context, activeOnly bool) ([]models.Offer, error) {
	query := `SELECT id, name, kind, price, active, created_at, updated_at FROM offers ORDER BY created_at ASC`
	if activeOnly {
		query = `SELECT id, name, kind, price, active, created_at, updated_at FROM offers WHERE active = 1 ORDER BY created_at ASC`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		o, err := s.scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

func (s *SQLiteStorage) UpdateOffer(ctx context.Context, o *models.Offer) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offers SET name = ?, kind = ?, price = ?, active = ?, updated_at = ? WHERE id = ?`,
		o.Name, o.Kind, o.Price.String(), boolToInt(o.Active), time.Now().UTC(), o.ID,
	)
	return err
}

func (s *SQLiteStorage) ToggleOffer(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE offers SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), id,
	)
	return err
}

// --- Orders ---

func (s *SQLiteStorage) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, token, customer_ref, payment_method_ref, email, total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Token, o.CustomerRef, o.PaymentMethodRef, o.Email, o.Total.String(), o.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanOrder(row interface{ Scan(...interface{}) error }) (*models.Order, error) {
	var o models.Order
	var total string
	err := row.Scan(&o.ID, &o.Token, &o.CustomerRef, &o.PaymentMethodRef, &o.Email, &total, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.Total = parseDecimal(total)
	return &o, nil
}

func (s *SQLiteStorage) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, token, customer_ref, payment_method_ref, email, total, created_at FROM orders WHERE id = ?`, id)
	o, err := s.scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *SQLiteStorage) GetOrderByToken(ctx context.Context, token string) (*models.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, token, customer_ref, payment_method_ref, email, total, created_at FROM orders WHERE token = ?`, token)
	o, err := s.scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *SQLiteStorage) UpdateOrderTotal(ctx context.Context, id string, total decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET total = ? WHERE id = ?`, total.String(), id)
	return err
}

func (s *SQLiteStorage) CreateAcceptance(ctx context.Context, a *models.Acceptance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acceptances (id, order_id, offer_id, offer_name, kind, attempt, quantity, unit_price, total, provider_txn_id, schedule_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrderID, a.OfferID, a.OfferName, a.Kind, a.Attempt, a.Quantity,
		a.UnitPrice.String(), a.Total.String(), a.ProviderTxnID, a.ScheduleRef, a.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) ListAcceptances(ctx context.Context, orderID string) ([]models.Acceptance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, offer_id, offer_name, kind, attempt, quantity, unit_price, total, provider_txn_id, schedule_ref, created_at
		 FROM acceptances WHERE order_id = ? ORDER BY created_at ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accs []models.Acceptance
	for rows.Next() {
		var a models.Acceptance
		var unitPrice, total string
		if err := rows.Scan(&a.ID, &a.OrderID, &a.OfferID, &a.OfferName, &a.Kind, &a.Attempt, &a.Quantity,
			&unitPrice, &total, &a.ProviderTxnID, &a.ScheduleRef, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.UnitPrice = parseDecimal(unitPrice)
		a.Total = parseDecimal(total)
		accs = append(accs, a)
	}
	return accs, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStorage) CreateSession(ctx context.Context, sess *models.Session) error {
	offerIDs, _ := json.Marshal(sess.OfferIDs)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, order_id, offer_ids, offer_index, attempt, base_price, presented_at, completed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Token, sess.OrderID, string(offerIDs), sess.OfferIndex, sess.Attempt,
		sess.BasePrice.String(), sess.PresentedAt, boolToInt(sess.Completed), sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetSession(ctx context.Context, token string) (*models.Session, error) {
	var sess models.Session
	var offerIDs, basePrice string
	var completed int
	err := s.db.QueryRowContext(ctx,
		`SELECT token, order_id, offer_ids, offer_index, attempt, base_price, presented_at, completed, created_at, updated_at
		 FROM sessions WHERE token = ?`, token,
	).Scan(&sess.Token, &sess.OrderID, &offerIDs, &sess.OfferIndex, &sess.Attempt,
		&basePrice, &sess.PresentedAt, &completed, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(offerIDs), &sess.OfferIDs)
	sess.BasePrice = parseDecimal(basePrice)
	sess.Completed = completed == 1
	return &sess, nil
}

func (s *SQLiteStorage) UpdateSession(ctx context.Context, sess *models.Session) error {
	offerIDs, _ := json.Marshal(sess.OfferIDs)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET offer_ids = ?, offer_index = ?, attempt = ?, base_price = ?, presented_at = ?, completed = ?, updated_at = ?
		 WHERE token = ?`,
		string(offerIDs), sess.OfferIndex, sess.Attempt, sess.BasePrice.String(),
		sess.PresentedAt, boolToInt(sess.Completed), time.Now().UTC(), sess.Token,
	)
	return err
}

func (s *SQLiteStorage) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET completed = 1, presented_at = NULL, updated_at = ? WHERE completed = 0 AND created_at < ?`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Decline records ---

func (s *SQLiteStorage) CreateDecline(ctx context.Context, d *models.DeclineRecord) error {
	emails, _ := json.Marshal(d.EmailsSent)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO declines (id, order_ref, subscription_ref, customer_ref, payment_method_ref, email, amount, reason_code,
			status, retry_attempts, first_failure_at, last_failure_at, next_retry_at, resolved_at, converted_txn_id, emails_sent, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrderRef, d.SubscriptionRef, d.CustomerRef, d.PaymentMethodRef, d.Email, d.Amount.String(), d.ReasonCode,
		d.Status, d.RetryAttempts, d.FirstFailureAt, d.LastFailureAt, d.NextRetryAt, d.ResolvedAt, d.ConvertedTxnID,
		string(emails), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanDecline(row interface{ Scan(...interface{}) error }) (*models.DeclineRecord, error) {
	var d models.DeclineRecord
	var amount, emails string
	err := row.Scan(&d.ID, &d.OrderRef, &d.SubscriptionRef, &d.CustomerRef, &d.PaymentMethodRef, &d.Email,
		&amount, &d.ReasonCode, &d.Status, &d.RetryAttempts, &d.FirstFailureAt, &d.LastFailureAt,
		&d.NextRetryAt, &d.ResolvedAt, &d.ConvertedTxnID, &emails, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Amount = parseDecimal(amount)
	json.Unmarshal([]byte(emails), &d.EmailsSent)
	if d.EmailsSent == nil {
		d.EmailsSent = []models.EmailSend{}
	}
	return &d, nil
}

const declineColumns = `id, order_ref, subscription_ref, customer_ref, payment_method_ref, email, amount, reason_code,
	status, retry_attempts, first_failure_at, last_failure_at, next_retry_at, resolved_at, converted_txn_id, emails_sent, created_at, updated_at`

func (s *SQLiteStorage) GetDecline(ctx context.Context, id string) (*models.DeclineRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+declineColumns+` FROM declines WHERE id = ?`, id)
	d, err := s.scanDecline(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) GetActiveDeclineByOrder(ctx context.Context, orderRef string) (*models.DeclineRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+declineColumns+` FROM declines WHERE order_ref = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`, orderRef)
	d, err := s.scanDecline(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStorage) ListDeclines(ctx context.Context, status models.DeclineStatus, limit int) ([]models.DeclineRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + declineColumns + ` FROM declines ORDER BY created_at DESC LIMIT ?`
	args := []interface{}{limit}
	if status != "" {
		query = `SELECT ` + declineColumns + ` FROM declines WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{status, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var declines []models.DeclineRecord
	for rows.Next() {
		d, err := s.scanDecline(rows)
		if err != nil {
			return nil, err
		}
		declines = append(declines, *d)
	}
	return declines, rows.Err()
}

func (s *SQLiteStorage) UpdateDecline(ctx context.Context, d *models.DeclineRecord) error {
	emails, _ := json.Marshal(d.EmailsSent)
	_, err := s.db.ExecContext(ctx,
		`UPDATE declines SET status = ?, retry_attempts = ?, last_failure_at = ?, next_retry_at = ?, resolved_at = ?,
			converted_txn_id = ?, emails_sent = ?, reason_code = ?, updated_at = ? WHERE id = ?`,
		d.Status, d.RetryAttempts, d.LastFailureAt, d.NextRetryAt, d.ResolvedAt,
		d.ConvertedTxnID, string(emails), d.ReasonCode, time.Now().UTC(), d.ID,
	)
	return err
}

func (s *SQLiteStorage) GetDueDeclines(ctx context.Context, now time.Time, limit int) ([]models.DeclineRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+declineColumns+` FROM declines
		 WHERE status = 'active' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC LIMIT ?`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var declines []models.DeclineRecord
	for rows.Next() {
		d, err := s.scanDecline(rows)
		if err != nil {
			return nil, err
		}
		declines = append(declines, *d)
	}
	return declines, rows.Err()
}

// --- Activity trail ---

func (s *SQLiteStorage) AppendActivity(ctx context.Context, e *models.ActivityEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity (id, owner_kind, owner_id, action, details, email_type, recipient, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerKind, e.OwnerID, e.Action, e.Details, e.EmailType, e.Recipient, e.CreatedAt,
	)
	return err
}

func (s *SQLiteStorage) ListActivity(ctx context.Context, kind models.ActivityOwner, ownerID string) ([]models.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_kind, owner_id, action, details, email_type, recipient, created_at
		 FROM activity WHERE owner_kind = ? AND owner_id = ? ORDER BY created_at ASC`, kind, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		if err := rows.Scan(&e.ID, &e.OwnerKind, &e.OwnerID, &e.Action, &e.Details, &e.EmailType, &e.Recipient, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{FunnelRevenue: decimal.Zero, RecoveredAmount: decimal.Zero}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&stats.TotalOrders)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM acceptances`).Scan(&stats.TotalAcceptances)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM declines WHERE status = 'active'`).Scan(&stats.ActiveDeclines)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM declines WHERE status = 'resolved'`).Scan(&stats.ResolvedDeclines)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM declines WHERE status = 'exhausted'`).Scan(&stats.ExhaustedDeclines)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM declines WHERE status = 'stopped'`).Scan(&stats.StoppedDeclines)

	var revenue, recovered sql.NullFloat64
	s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(CAST(total AS REAL)), 0) FROM acceptances`).Scan(&revenue)
	s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(CAST(amount AS REAL)), 0) FROM declines WHERE status = 'resolved'`).Scan(&recovered)
	if revenue.Valid {
		stats.FunnelRevenue = decimal.NewFromFloat(revenue.Float64).Round(2)
	}
	if recovered.Valid {
		stats.RecoveredAmount = decimal.NewFromFloat(recovered.Float64).Round(2)
	}

	closed := stats.ResolvedDeclines + stats.ExhaustedDeclines + stats.StoppedDeclines
	if closed > 0 {
		stats.RecoveryRate = float64(stats.ResolvedDeclines) / float64(closed) * 100
	}

	return stats, nil
}
