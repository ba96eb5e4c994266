package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tipledger/tipledger/internal/custody"
)

var ErrInvalidConfig = errors.New("custody/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ custody.Backend = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("custody/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, rec custody.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if rec.Address == (common.Address{}) || len(rec.KeyJSON) == 0 {
		return fmt.Errorf("%w: empty record", custody.ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO key_records (address, keystore_json, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO NOTHING
	`, rec.Address.Bytes(), rec.KeyJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("custody/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", custody.ErrKeyExists, rec.Address)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, addr common.Address) (custody.Record, error) {
	if s == nil || s.pool == nil {
		return custody.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rec := custody.Record{Address: addr}
	err := s.pool.QueryRow(ctx, `
		SELECT keystore_json, created_at FROM key_records WHERE address = $1
	`, addr.Bytes()).Scan(&rec.KeyJSON, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return custody.Record{}, fmt.Errorf("%w: %s", custody.ErrNotFound, addr)
		}
		return custody.Record{}, fmt.Errorf("custody/postgres: get: %w", err)
	}
	return rec, nil
}
