// Package storage persists the image ledger, optimization jobs and SEO
// settings in PostgreSQL, with an in-memory variant for local runs and tests.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool, db: stdlib.OpenDBFromPool(pool)}, nil
}

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() {
	s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
