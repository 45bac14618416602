package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a server-side Backend. All rows live in one table and are
// partitioned by namespace.
type Postgres struct {
	pool      *pgxpool.Pool
	namespace string
}

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, connString, namespace string) (*Postgres, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{pool: pool, namespace: namespace}, nil
}

// initSchema creates the records table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS biometric_records (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			payload BYTEA NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (namespace, key)
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		"SELECT payload FROM biometric_records WHERE namespace = $1 AND key = $2",
		p.namespace, key,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return payload, err
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO biometric_records (namespace, key, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`, p.namespace, key, value)
	return err
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx,
		"DELETE FROM biometric_records WHERE namespace = $1 AND key = $2",
		p.namespace, key,
	)
	return err
}

// DeleteAll removes the namespace and rewrites the table. VACUUM FULL copies
// the live rows into a new relation file and unlinks the old one, so the
// deleted payloads do not survive in reusable heap or TOAST pages.
func (p *Postgres) DeleteAll(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM biometric_records WHERE namespace = $1", p.namespace); err != nil {
		return err
	}
	// VACUUM cannot run inside a transaction block; Exec without args uses
	// the simple protocol.
	_, err := p.pool.Exec(ctx, "VACUUM FULL biometric_records")
	return err
}

// Reset drops the records table. Used by `reset --drop`.
func (p *Postgres) Reset(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS biometric_records CASCADE")
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
