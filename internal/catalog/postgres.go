package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a catalog backed by a Postgres table of JSONB documents.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the catalog table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("catalog dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach catalog database: %w", err)
	}
	return NewPostgresWithPool(ctx, pool)
}

// NewPostgresWithPool reuses an existing pool.
func NewPostgresWithPool(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS sdss_objects (
  objid text PRIMARY KEY,
  data jsonb NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now()
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create catalog table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Get returns the record for id, or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM sdss_objects WHERE objid = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query object %s: %w", id, err)
	}
	return decodeRecord(id, data)
}

// Put inserts or replaces a record.
func (p *Postgres) Put(ctx context.Context, rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO sdss_objects (objid, data) VALUES ($1, $2::jsonb)
ON CONFLICT (objid) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, rec.ID, string(data))
	if err != nil {
		return fmt.Errorf("failed to store object %s: %w", rec.ID, err)
	}
	return nil
}

// RandomID returns the id of a random object.
func (p *Postgres) RandomID(ctx context.Context) (string, error) {
	var id string
	err := p.pool.QueryRow(ctx, `SELECT objid FROM sdss_objects ORDER BY random() LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to sample object: %w", err)
	}
	return id, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var (
	_ Lookup  = (*Postgres)(nil)
	_ Sampler = (*Postgres)(nil)
)
