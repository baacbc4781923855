package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/pkg/logger"

	"github.com/go-sql-driver/mysql"
)

//go:embed mysql_schema.sql
var mysqlSchema string

const deliveryColumns = `fingerprint, external_id, status, attempts, max_attempts, next_attempt_at,
	last_error, payload, created_at, delivered_at, dead_lettered_at`

type MySQLStorage struct {
	db *sql.DB
}

// NewMySQLStorage opens a pool. parseTime is forced on and clientFoundRows
// off, since Claim relies on affected-row counts.
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.ClientFoundRows = false

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	// tune pool
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Get().Infow("mysql storage initialized")
	return &MySQLStorage{db: db}, nil
}

// EnsureSchema creates the tables. Safe to run repeatedly.
func (s *MySQLStorage) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(mysqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply mysql schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStorage) Close() error {
	return s.db.Close()
}

func (s *MySQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Claim inserts the delivery; the primary key on fingerprint and the unique
// key on external_id make a concurrent duplicate wait for the first
// transaction and then change nothing, which reports zero affected rows.
// Data errors such as over-long ids still fail the insert.
func (s *MySQLStorage) Claim(ctx context.Context, c Claim) (ClaimResult, error) {
	log := logger.Get().With("component", "mysql_storage", "fingerprint", c.Delivery.Fingerprint)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.Errorw("begin transaction failed", "error", err)
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	d := c.Delivery
	res, err := tx.ExecContext(ctx, `
		INSERT INTO capi_deliveries
		(fingerprint, external_id, status, attempts, max_attempts, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE fingerprint = fingerprint
	`, d.Fingerprint, nullString(d.ExternalID), string(d.Status), d.Attempts, d.MaxAttempts,
		string(d.Payload), d.CreatedAt)
	if err != nil {
		log.Errorw("insert delivery failed", "error", err)
		return ClaimResult{}, fmt.Errorf("insert delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ClaimResult{}, err
	}
	if n == 0 {
		log.Debugw("delivery already claimed")
		return ClaimResult{}, nil
	}

	l := c.Lead
	_, err = tx.ExecContext(ctx, `
		INSERT INTO leads (email, visitor_id, order_id, amount, currency, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			visitor_id = IF(VALUES(visitor_id) <> '', VALUES(visitor_id), visitor_id),
			amount     = IF(VALUES(order_id) <> '', VALUES(amount), amount),
			currency   = IF(VALUES(order_id) <> '', VALUES(currency), currency),
			order_id   = IF(VALUES(order_id) <> '', VALUES(order_id), order_id),
			status     = IF(VALUES(status) = 'customer', 'customer', status),
			updated_at = VALUES(updated_at)
	`, l.Email, l.VisitorID, l.OrderID, l.Amount, l.Currency, string(l.Status), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		log.Errorw("upsert lead failed", "error", err)
		return ClaimResult{}, fmt.Errorf("upsert lead: %w", err)
	}

	lead, err := scanLead(tx.QueryRowContext(ctx, leadSelect+` WHERE email = ?`, l.Email))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("read lead: %w", err)
	}

	if err := tx.Commit(); err != nil {
		log.Errorw("transaction commit failed", "error", err)
		return ClaimResult{}, err
	}
	log.Debugw("delivery claimed", "email_status", lead.Status)
	return ClaimResult{Inserted: true, Lead: lead}, nil
}

const leadSelect = `SELECT email, visitor_id, order_id, amount, currency, status, created_at, updated_at FROM leads`

func (s *MySQLStorage) Lead(ctx context.Context, email string) (conversion.LeadRecord, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, leadSelect+` WHERE email = ?`, conversion.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

func (s *MySQLStorage) Delivery(ctx context.Context, fp string) (conversion.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM capi_deliveries WHERE fingerprint = ?`, fp))
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (s *MySQLStorage) Deliveries(ctx context.Context, status conversion.DeliveryStatus, limit int) ([]conversion.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deliveryColumns + ` FROM capi_deliveries`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at, fingerprint LIMIT ?`
	args = append(args, limit)
	return s.queryDeliveries(ctx, q, args...)
}

func (s *MySQLStorage) MarkDelivered(ctx context.Context, fp string, attempts int, at time.Time) error {
	return s.transition(ctx, fp, `
		UPDATE capi_deliveries
		SET status = 'delivered', attempts = ?, next_attempt_at = NULL, delivered_at = ?
		WHERE fingerprint = ? AND status IN ('pending', 'retrying')
	`, attempts, at, fp)
}

func (s *MySQLStorage) MarkRetrying(ctx context.Context, fp string, attempts int, next time.Time, lastErr string) error {
	return s.transition(ctx, fp, `
		UPDATE capi_deliveries
		SET status = 'retrying', attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE fingerprint = ? AND status IN ('pending', 'retrying')
	`, attempts, next, lastErr, fp)
}

func (s *MySQLStorage) MarkDeadLettered(ctx context.Context, fp string, attempts int, at time.Time, lastErr string) error {
	return s.transition(ctx, fp, `
		UPDATE capi_deliveries
		SET status = 'dead_lettered', attempts = ?, next_attempt_at = NULL, last_error = ?, dead_lettered_at = ?
		WHERE fingerprint = ? AND status IN ('pending', 'retrying')
	`, attempts, lastErr, at, fp)
}

func (s *MySQLStorage) transition(ctx context.Context, fp, q string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		logger.Get().Errorw("delivery transition failed", "fingerprint", fp, "error", err)
		return fmt.Errorf("update delivery %s: %w", fp, err)
	}
	return nil
}

func (s *MySQLStorage) Due(ctx context.Context, now time.Time, limit int) ([]conversion.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryDeliveries(ctx, `
		SELECT `+deliveryColumns+` FROM capi_deliveries
		WHERE status IN ('pending', 'retrying') AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at, fingerprint
		LIMIT ?
	`, now, limit)
}

func (s *MySQLStorage) Requeue(ctx context.Context, fp string) (conversion.Delivery, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE capi_deliveries
		SET status = 'pending', attempts = 0, next_attempt_at = NULL, dead_lettered_at = NULL
		WHERE fingerprint = ? AND status = 'dead_lettered'
	`, fp)
	if err != nil {
		return conversion.Delivery{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return conversion.Delivery{}, err
	}
	d, err := s.Delivery(ctx, fp)
	if err != nil {
		return d, err
	}
	if n == 0 {
		return conversion.Delivery{}, ErrNotDeadLettered
	}
	return d, nil
}

func (s *MySQLStorage) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Deliveries: map[conversion.DeliveryStatus]int{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads`).Scan(&st.Leads); err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM capi_deliveries GROUP BY status`)
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

func (s *MySQLStorage) queryDeliveries(ctx context.Context, q string, args ...any) ([]conversion.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []conversion.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (conversion.LeadRecord, error) {
	var (
		l      conversion.LeadRecord
		status string
	)
	err := row.Scan(&l.Email, &l.VisitorID, &l.OrderID, &l.Amount, &l.Currency, &status, &l.CreatedAt, &l.UpdatedAt)
	l.Status = conversion.LeadStatus(status)
	return l, err
}

func scanDelivery(row rowScanner) (conversion.Delivery, error) {
	var (
		d            conversion.Delivery
		externalID   sql.NullString
		status       string
		next         sql.NullTime
		lastErr      sql.NullString
		payload      []byte
		delivered    sql.NullTime
		deadLettered sql.NullTime
	)
	err := row.Scan(&d.Fingerprint, &externalID, &status, &d.Attempts, &d.MaxAttempts, &next,
		&lastErr, &payload, &d.CreatedAt, &delivered, &deadLettered)
	if err != nil {
		return d, err
	}
	d.ExternalID = externalID.String
	d.Status = conversion.DeliveryStatus(status)
	d.LastError = lastErr.String
	d.Payload = payload
	d.NextAttemptAt = timePtr(next)
	d.DeliveredAt = timePtr(delivered)
	d.DeadLetteredAt = timePtr(deadLettered)
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
