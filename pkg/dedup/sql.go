package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/database"
)

// SQLStore persists dedup records in dedup_records. It works on sqlite
// and postgres.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLStore wraps an open database. Call Init before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	return database.Migrate(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS dedup_records (
			source TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			first_seen TEXT NOT NULL,
			PRIMARY KEY (source, fingerprint)
		)`)
}

// Admit implements Store. The primary key makes the insert the check.
func (s *SQLStore) Admit(ctx context.Context, source, fingerprint string) (Verdict, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_records (source, fingerprint, first_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, fingerprint) DO NOTHING`,
		source, fingerprint, s.clock().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Accepted, nil
}

// Forget implements Store.
func (s *SQLStore) Forget(ctx context.Context, source, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE source = $1 AND fingerprint = $2`,
		source, fingerprint,
	); err != nil {
		return fmt.Errorf("delete dedup record: %w", err)
	}
	return nil
}

// FirstSeen returns when a pair was first admitted.
func (s *SQLStore) FirstSeen(ctx context.Context, source, fingerprint string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT first_seen FROM dedup_records WHERE source = $1 AND fingerprint = $2`,
		source, fingerprint,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read dedup record: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse first_seen: %w", err)
	}
	return t, true, nil
}
