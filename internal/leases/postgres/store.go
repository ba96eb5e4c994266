package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tipledger/tipledger/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// TryAcquire uses the database clock for expiry so replicas with skewed clocks agree.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}
	ttlMS := ttl.Milliseconds()
	if ttlMS <= 0 {
		ttlMS = 1
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO worker_leases (name, owner, expires_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE worker_leases.expires_at <= now() OR worker_leases.owner = EXCLUDED.owner
		RETURNING owner, expires_at
	`, name, owner, ttlMS).Scan(&l.Owner, &l.ExpiresAt)
	if err == nil {
		return l, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM worker_leases WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: read holder: %w", err)
	}
	return l, false, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM worker_leases WHERE name = $1 AND owner = $2`, name, owner); err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	return nil
}
