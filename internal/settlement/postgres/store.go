package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/settlement"
)

var ErrInvalidConfig = errors.New("settlement/postgres: invalid config")

const opColumns = `
	id,
	kind,
	user_id,
	from_address,
	to_address,
	amount::text,
	fee::text,
	status,
	attempts,
	tx_hash,
	nonce,
	raw_tx,
	last_error,
	created_at,
	updated_at
`

type Store struct {
	pool *pgxpool.Pool
}

var _ settlement.Store = (*Store)(nil)

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
		return fmt.Errorf("settlement/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, op settlement.Op) (settlement.Op, bool, error) {
	if s == nil || s.pool == nil {
		return settlement.Op{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if strings.TrimSpace(op.ID) == "" {
		return settlement.Op{}, false, fmt.Errorf("%w: empty id", settlement.ErrInvalidRequest)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO settlement_ops (id, kind, user_id, from_address, to_address, amount, fee)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+opColumns,
		op.ID,
		string(op.Kind),
		op.UserID,
		op.From[:],
		op.To[:],
		op.Amount.String(),
		op.Fee.String(),
	)
	created, err := scanOp(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, settlement.ErrNotFound) {
		return settlement.Op{}, false, err
	}
	existing, err := s.Get(ctx, op.ID)
	if err != nil {
		return settlement.Op{}, false, err
	}
	return existing, false, nil
}

func (s *Store) Get(ctx context.Context, id string) (settlement.Op, error) {
	if s == nil || s.pool == nil {
		return settlement.Op{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+opColumns+` FROM settlement_ops WHERE id = $1`, id)
	return scanOp(row)
}

func (s *Store) Transition(ctx context.Context, id string, from []settlement.Status, to settlement.Status, upd settlement.Update) (settlement.Op, error) {
	if s == nil || s.pool == nil {
		return settlement.Op{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	fromCodes := make([]int16, 0, len(from))
	for _, st := range from {
		fromCodes = append(fromCodes, int16(st))
	}
	var txHash []byte
	if upd.TxHash != nil {
		txHash = upd.TxHash.Bytes()
	}
	var nonce *int64
	if upd.Nonce != nil {
		if *upd.Nonce > math.MaxInt64 {
			return settlement.Op{}, fmt.Errorf("%w: nonce overflows int64", settlement.ErrInvalidRequest)
		}
		n := int64(*upd.Nonce)
		nonce = &n
	}
	inc := 0
	if upd.IncAttempts {
		inc = 1
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE settlement_ops SET
			status = $3,
			tx_hash = COALESCE($4, tx_hash),
			nonce = COALESCE($5, nonce),
			last_error = COALESCE($6, last_error),
			attempts = attempts + $7,
			raw_tx = COALESCE($8, raw_tx),
			updated_at = now()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+opColumns,
		id,
		fromCodes,
		int16(to),
		txHash,
		nonce,
		upd.LastError,
		inc,
		upd.RawTx,
	)
	op, err := scanOp(row)
	if err == nil {
		return op, nil
	}
	if !errors.Is(err, settlement.ErrNotFound) {
		return settlement.Op{}, err
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return settlement.Op{}, err
	}
	return cur, fmt.Errorf("%w: %s is %s", settlement.ErrInvalidTransition, id, cur.Status)
}

func (s *Store) ListByStatus(ctx context.Context, status settlement.Status, limit int) ([]settlement.Op, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", settlement.ErrInvalidRequest)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+opColumns+`
		FROM settlement_ops
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, int16(status), limit)
	if err != nil {
		return nil, fmt.Errorf("settlement/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []settlement.Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement/postgres: list rows: %w", err)
	}
	return out, nil
}

func scanOp(row pgx.Row) (settlement.Op, error) {
	var (
		op        settlement.Op
		kind      string
		fromRaw   []byte
		toRaw     []byte
		amountRaw string
		feeRaw    string
		status    int16
		attempts  int32
		txHashRaw []byte
		nonce     *int64
		rawTx     []byte
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&op.ID,
		&kind,
		&op.UserID,
		&fromRaw,
		&toRaw,
		&amountRaw,
		&feeRaw,
		&status,
		&attempts,
		&txHashRaw,
		&nonce,
		&rawTx,
		&op.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Op{}, settlement.ErrNotFound
		}
		return settlement.Op{}, fmt.Errorf("settlement/postgres: scan op: %w", err)
	}

	op.Kind = settlement.Kind(kind)
	if len(fromRaw) != common.AddressLength || len(toRaw) != common.AddressLength {
		return settlement.Op{}, fmt.Errorf("settlement/postgres: invalid address length")
	}
	op.From = common.BytesToAddress(fromRaw)
	op.To = common.BytesToAddress(toRaw)
	if op.Amount, err = decimal.NewFromString(amountRaw); err != nil {
		return settlement.Op{}, fmt.Errorf("settlement/postgres: parse amount: %w", err)
	}
	if op.Fee, err = decimal.NewFromString(feeRaw); err != nil {
		return settlement.Op{}, fmt.Errorf("settlement/postgres: parse fee: %w", err)
	}
	if status < 0 || !settlement.Status(status).Valid() {
		return settlement.Op{}, fmt.Errorf("settlement/postgres: invalid status %d", status)
	}
	op.Status = settlement.Status(status)
	op.Attempts = int(attempts)
	if len(txHashRaw) > 0 {
		if len(txHashRaw) != common.HashLength {
			return settlement.Op{}, fmt.Errorf("settlement/postgres: invalid tx_hash length")
		}
		op.TxHash = common.BytesToHash(txHashRaw)
	}
	if nonce != nil {
		op.Nonce = uint64(*nonce)
	}
	if len(rawTx) > 0 {
		op.RawTx = rawTx
	}
	op.CreatedAt = createdAt.UTC()
	op.UpdatedAt = updatedAt.UTC()
	return op, nil
}
