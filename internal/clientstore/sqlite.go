// Package clientstore is durable client-side storage on SQLite. One file
// backs both the visitor identity (as a localStorage-style key/value table)
// and the client DispatchRecords, so both survive process restarts.
package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/pkg/logger"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dispatch_records (
	fingerprint   TEXT    NOT NULL,
	channel       TEXT    NOT NULL,
	dispatched_at INTEGER NOT NULL,
	PRIMARY KEY (fingerprint, channel)
);
CREATE INDEX IF NOT EXISTS dispatch_records_dispatched_at ON dispatch_records (dispatched_at);
`

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// single writer keeps check-then-write ordering simple
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	logger.Get().Infow("sqlite client store opened", "path", path)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) GetItem(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get item %q: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLite) SetItem(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set item %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) RemoveItem(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLite) Has(ctx context.Context, fp string, ch conversion.Channel) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM dispatch_records WHERE fingerprint = ? AND channel = ?`, fp, string(ch)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put keeps the first record for a (fingerprint, channel) pair.
func (s *SQLite) Put(ctx context.Context, rec conversion.DispatchRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dispatch_records (fingerprint, channel, dispatched_at) VALUES (?, ?, ?)`,
		rec.Fingerprint, string(rec.Channel), rec.DispatchedAt.UnixMilli())
	return err
}

func (s *SQLite) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_records WHERE dispatched_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) List(ctx context.Context) ([]conversion.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, channel, dispatched_at
		FROM dispatch_records
		ORDER BY dispatched_at, fingerprint, channel
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversion.DispatchRecord
	for rows.Next() {
		var (
			rec conversion.DispatchRecord
			ch  string
			ms  int64
		)
		if err := rows.Scan(&rec.Fingerprint, &ch, &ms); err != nil {
			return nil, err
		}
		rec.Channel = conversion.Channel(ch)
		rec.DispatchedAt = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
