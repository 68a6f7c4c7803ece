package items

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/database"
)

// SQLStore keeps one row per item. Transition is a compare-and-swap on
// (bucket, version), so any number of processes may share the table.
// Placeholders are $n, which both postgres and sqlite accept.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database. Call Init before use.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var itemSchema = []string{
	`CREATE TABLE IF NOT EXISTS action_items (
		id TEXT PRIMARY KEY,
		bucket TEXT NOT NULL,
		version BIGINT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		received_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS action_items_bucket_idx ON action_items (bucket, priority, received_at)`,
}

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	return database.Migrate(ctx, s.db, itemSchema...)
}

func (s *SQLStore) Create(ctx context.Context, item contracts.ActionItem) (contracts.ItemRef, error) {
	c, err := prepareCreate(item)
	if err != nil {
		return contracts.ItemRef{}, err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return contracts.ItemRef{}, fmt.Errorf("marshal item: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_items (id, bucket, version, priority, received_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, string(c.Status), c.Version, c.Priority, formatTime(c.ReceivedAt), formatTime(time.Now()), string(body),
	)
	if err != nil {
		return contracts.ItemRef{}, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.ItemRef{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.ItemRef{ID: c.ID}, fmt.Errorf("%w: %s", contracts.ErrDuplicateItem, c.ID)
	}
	return c.Ref(), nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, from, to contracts.Bucket, patch contracts.Patch) (contracts.ActionItem, error) {
	if !contracts.CanTransition(from, to) {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s -> %s", contracts.ErrIllegalTransition, from, to)
	}
	cur, err := s.Read(ctx, id)
	if err != nil {
		return contracts.ActionItem{}, err
	}
	readVersion := cur.Version
	if err := contracts.ApplyTransition(&cur, from, to, patch); err != nil {
		return contracts.ActionItem{}, err
	}
	body, err := json.Marshal(cur)
	if err != nil {
		return contracts.ActionItem{}, fmt.Errorf("marshal item: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_items
		SET bucket = $1, version = $2, updated_at = $3, body = $4
		WHERE id = $5 AND bucket = $6 AND version = $7`,
		string(to), cur.Version, formatTime(time.Now()), string(body), id, string(from), readVersion,
	)
	if err != nil {
		return contracts.ActionItem{}, fmt.Errorf("update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.ActionItem{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s moved concurrently", contracts.ErrConflict, id)
	}
	return cur, nil
}

func (s *SQLStore) List(ctx context.Context, bucket contracts.Bucket) ([]contracts.ItemRef, error) {
	if err := checkBucket(bucket); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM action_items
		WHERE bucket = $1
		ORDER BY priority, received_at, id`, string(bucket))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make([]contracts.ItemRef, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		refs = append(refs, contracts.ItemRef{ID: id, Bucket: bucket})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *SQLStore) Read(ctx context.Context, id string) (contracts.ActionItem, error) {
	var (
		bucket  string
		version int64
		body    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT bucket, version, body FROM action_items WHERE id = $1`, id).
		Scan(&bucket, &version, &body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.ActionItem{}, fmt.Errorf("%w: %s", contracts.ErrNotFound, id)
		}
		return contracts.ActionItem{}, fmt.Errorf("read item: %w", err)
	}
	var item contracts.ActionItem
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return contracts.ActionItem{}, fmt.Errorf("%w: %s: %w", contracts.ErrMalformedItem, id, err)
	}
	// The columns are authoritative over the body.
	item.ID = id
	item.Status = contracts.Bucket(bucket)
	item.Version = version
	return item, nil
}

func (s *SQLStore) Counts(ctx context.Context) (map[contracts.Bucket]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, COUNT(*) FROM action_items GROUP BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := emptyCounts()
	for rows.Next() {
		var (
			bucket string
			n      int
		)
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, err
		}
		out[contracts.Bucket(bucket)] = n
	}
	return out, rows.Err()
}

// sortableTime is fixed width so received_at orders correctly as text.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(sortableTime)
}
