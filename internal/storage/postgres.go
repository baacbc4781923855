package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres_schema.sql
var postgresSchema string

const pgDeliveryColumns = `fingerprint, external_id, status, attempts, max_attempts, next_attempt_at,
	last_error, payload::text, created_at, delivered_at, dead_lettered_at`

// PostgresStorage is the Store on Postgres via a pgx pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a pool and fails fast if the database is unreachable.
func NewPostgresStorage(ctx context.Context, dbURL string) (*PostgresStorage, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	logger.Get().Infow("postgres storage initialized")
	return &PostgresStorage{pool: pool}, nil
}

// EnsureSchema applies postgres_schema.sql. Safe to run multiple times.
func (p *PostgresStorage) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

// Claim relies on ON CONFLICT DO NOTHING covering both the fingerprint key
// and the external_id unique constraint: RETURNING yields no row for a
// duplicate, and a concurrent duplicate blocks until the first commit.
func (p *PostgresStorage) Claim(ctx context.Context, c Claim) (ClaimResult, error) {
	log := logger.Get().With("component", "postgres_storage", "fingerprint", c.Delivery.Fingerprint)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		log.Errorw("begin transaction failed", "error", err)
		return ClaimResult{}, err
	}
	defer tx.Rollback(ctx)

	d := c.Delivery
	var one int
	err = tx.QueryRow(ctx, `
		INSERT INTO capi_deliveries (fingerprint, external_id, status, attempts, max_attempts, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		ON CONFLICT DO NOTHING
		RETURNING 1
	`, d.Fingerprint, nullable(d.ExternalID), string(d.Status), d.Attempts, d.MaxAttempts,
		string(d.Payload), d.CreatedAt).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		log.Debugw("delivery already claimed")
		return ClaimResult{}, nil
	}
	if err != nil {
		log.Errorw("insert delivery failed", "error", err)
		return ClaimResult{}, fmt.Errorf("insert delivery: %w", err)
	}

	l := c.Lead
	lead, err := scanLead(tx.QueryRow(ctx, `
		INSERT INTO leads (email, visitor_id, order_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (email) DO UPDATE SET
			visitor_id = CASE WHEN EXCLUDED.visitor_id <> '' THEN EXCLUDED.visitor_id ELSE leads.visitor_id END,
			order_id   = CASE WHEN EXCLUDED.order_id <> '' THEN EXCLUDED.order_id ELSE leads.order_id END,
			amount     = CASE WHEN EXCLUDED.order_id <> '' THEN EXCLUDED.amount ELSE leads.amount END,
			currency   = CASE WHEN EXCLUDED.order_id <> '' THEN EXCLUDED.currency ELSE leads.currency END,
			status     = CASE WHEN EXCLUDED.status = 'customer' THEN 'customer' ELSE leads.status END,
			updated_at = EXCLUDED.updated_at
		RETURNING email, visitor_id, order_id, amount, currency, status, created_at, updated_at
	`, l.Email, l.VisitorID, l.OrderID, l.Amount, l.Currency, string(l.Status), l.CreatedAt, l.UpdatedAt))
	if err != nil {
		log.Errorw("upsert lead failed", "error", err)
		return ClaimResult{}, fmt.Errorf("upsert lead: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Errorw("transaction commit failed", "error", err)
		return ClaimResult{}, err
	}
	return ClaimResult{Inserted: true, Lead: lead}, nil
}

func (p *PostgresStorage) Lead(ctx context.Context, email string) (conversion.LeadRecord, error) {
	l, err := scanLead(p.pool.QueryRow(ctx, leadSelect+` WHERE email = $1`, conversion.NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

func (p *PostgresStorage) Delivery(ctx context.Context, fp string) (conversion.Delivery, error) {
	d, err := scanPgDelivery(p.pool.QueryRow(ctx,
		`SELECT `+pgDeliveryColumns+` FROM capi_deliveries WHERE fingerprint = $1`, fp))
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (p *PostgresStorage) Deliveries(ctx context.Context, status conversion.DeliveryStatus, limit int) ([]conversion.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryDeliveries(ctx, `
		SELECT `+pgDeliveryColumns+` FROM capi_deliveries
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, fingerprint
		LIMIT $2
	`, string(status), limit)
}

func (p *PostgresStorage) MarkDelivered(ctx context.Context, fp string, attempts int, at time.Time) error {
	return p.transition(ctx, fp, `
		UPDATE capi_deliveries
		SET status = 'delivered', attempts = $2, next_attempt_at = NULL, delivered_at = $3
		WHERE fingerprint = $1 AND status IN ('pending', 'retrying')
	`, fp, attempts, at)
}

func (p *PostgresStorage) MarkRetrying(ctx context.Context, fp string, attempts int, next time.Time, lastErr string) error {
	return p.transition(ctx, fp, `
		UPDATE capi_deliveries
		SET status = 'retrying', attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE fingerprint = $1 AND status IN ('pending', 'retrying')
	`, fp, attempts, next, lastErr)
}

func (p *PostgresStorage) MarkDeadLettered(ctx context.Context, fp string, attempts int, at time.Time, lastErr string) error {
	return p.transition(ctx, fp, `
		UPDATE capi_deliveries
		SET status = 'dead_lettered', attempts = $2, next_attempt_at = NULL, last_error = $3, dead_lettered_at = $4
		WHERE fingerprint = $1 AND status IN ('pending', 'retrying')
	`, fp, attempts, lastErr, at)
}

func (p *PostgresStorage) transition(ctx context.Context, fp, q string, args ...any) error {
	if _, err := p.pool.Exec(ctx, q, args...); err != nil {
		logger.Get().Errorw("delivery transition failed", "fingerprint", fp, "error", err)
		return fmt.Errorf("update delivery %s: %w", fp, err)
	}
	return nil
}

func (p *PostgresStorage) Due(ctx context.Context, now time.Time, limit int) ([]conversion.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.queryDeliveries(ctx, `
		SELECT `+pgDeliveryColumns+` FROM capi_deliveries
		WHERE status IN ('pending', 'retrying') AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at, fingerprint
		LIMIT $2
	`, now, limit)
}

func (p *PostgresStorage) Requeue(ctx context.Context, fp string) (conversion.Delivery, error) {
	d, err := scanPgDelivery(p.pool.QueryRow(ctx, `
		UPDATE capi_deliveries
		SET status = 'pending', attempts = 0, next_attempt_at = NULL, dead_lettered_at = NULL
		WHERE fingerprint = $1 AND status = 'dead_lettered'
		RETURNING `+pgDeliveryColumns, fp))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := p.Delivery(ctx, fp); lookupErr != nil {
			return conversion.Delivery{}, lookupErr
		}
		return conversion.Delivery{}, ErrNotDeadLettered
	}
	return d, err
}

func (p *PostgresStorage) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Deliveries: map[conversion.DeliveryStatus]int{}}
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM leads`).Scan(&st.Leads); err != nil {
		return st, err
	}
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM capi_deliveries GROUP BY status`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.Deliveries[conversion.DeliveryStatus(status)] = n
	}
	return st, rows.Err()
}

func (p *PostgresStorage) queryDeliveries(ctx context.Context, q string, args ...any) ([]conversion.Delivery, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []conversion.Delivery
	for rows.Next() {
		d, err := scanPgDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanPgDelivery(row rowScanner) (conversion.Delivery, error) {
	var (
		d          conversion.Delivery
		externalID *string
		status     string
		lastErr    *string
		payload    string
	)
	err := row.Scan(&d.Fingerprint, &externalID, &status, &d.Attempts, &d.MaxAttempts, &d.NextAttemptAt,
		&lastErr, &payload, &d.CreatedAt, &d.DeliveredAt, &d.DeadLetteredAt)
	if err != nil {
		return d, err
	}
	if externalID != nil {
		d.ExternalID = *externalID
	}
	if lastErr != nil {
		d.LastError = *lastErr
	}
	d.Status = conversion.DeliveryStatus(status)
	d.Payload = []byte(payload)
	return d, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
