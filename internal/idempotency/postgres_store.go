package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table so replays survive
// restarts and are shared between instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS parkpay_idempotency (
    key TEXT PRIMARY KEY,
    status_code INT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    response BYTEA NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    pending BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

const addPendingSQL = `ALTER TABLE parkpay_idempotency ADD COLUMN IF NOT EXISTS pending BOOLEAN NOT NULL DEFAULT false`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range []string{createTableSQL, addPendingSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT status_code, content_type, response, fingerprint, pending, created_at, expires_at
FROM parkpay_idempotency
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.StatusCode, &rec.ContentType, &rec.Response, &rec.Fingerprint, &rec.Pending, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.expired(time.Now()) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

// Reserve relies on the primary key: of two concurrent inserts only one
// succeeds. An expired row is taken over in the same statement.
func (p *PostgresStore) Reserve(ctx context.Context, key string, pending Record) (*Record, error) {
	for range 2 {
		tag, err := p.pool.Exec(ctx, `
INSERT INTO parkpay_idempotency (key, status_code, content_type, response, fingerprint, pending, created_at, expires_at)
VALUES ($1, 0, '', ''::bytea, $2, true, $3, $4)
ON CONFLICT (key) DO UPDATE
SET status_code = 0,
    content_type = '',
    response = ''::bytea,
    fingerprint = EXCLUDED.fingerprint,
    pending = true,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE parkpay_idempotency.expires_at < EXCLUDED.created_at
`, key, pending.Fingerprint, pending.CreatedAt, pending.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return nil, nil
		}
		existing, err := p.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		// The holder released the key between the insert and the read.
	}
	return &Record{Pending: true, Fingerprint: pending.Fingerprint}, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO parkpay_idempotency (key, status_code, content_type, response, fingerprint, pending, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET status_code = EXCLUDED.status_code,
    content_type = EXCLUDED.content_type,
    response = EXCLUDED.response,
    fingerprint = EXCLUDED.fingerprint,
    pending = EXCLUDED.pending,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.StatusCode, record.ContentType, record.Response, record.Fingerprint, record.Pending, record.CreatedAt, record.ExpiresAt)
	return err
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM parkpay_idempotency WHERE key = $1 AND pending`, key)
	return err
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM parkpay_idempotency WHERE key = $1`, key)
}
