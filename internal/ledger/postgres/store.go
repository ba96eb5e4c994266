package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

const accountColumns = `
	user_id,
	username,
	balance::text,
	pending_withdraw::text,
	state,
	deposit_address,
	pending_address,
	block_cursor,
	notified
`

type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

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
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID string) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	return scanAccount(row)
}

func (s *Store) EnsureAccount(ctx context.Context, userID, username string) (ledger.Account, bool, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return ledger.Account{}, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, username) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, username)
	if err != nil {
		return ledger.Account{}, false, mapErr("insert account", err)
	}
	a, err := s.Get(ctx, userID)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return a, tag.RowsAffected() == 1, nil
}

func (s *Store) UserByAddress(ctx context.Context, addr common.Address) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if addr == (common.Address{}) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE deposit_address = $1 OR pending_address = $1
		LIMIT 1
	`, addr.Bytes())
	return scanAccount(row)
}

func (s *Store) ListReady(ctx context.Context, afterUserID string, limit int) ([]ledger.Account, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE state = $1 AND user_id > $2
		ORDER BY user_id
		LIMIT $3
	`, int16(ledger.StateReady), afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list ready: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list ready rows: %w", err)
	}
	return out, nil
}

func (s *Store) Credit(ctx context.Context, userID string, amount decimal.Decimal) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return ledger.Account{}, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Account{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (user_id, balance) VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = accounts.balance + EXCLUDED.balance, updated_at = now()
		RETURNING `+accountColumns, userID, amount.String())
	a, err := scanAccount(row)
	if err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

func (s *Store) Debit(ctx context.Context, userID string, amount decimal.Decimal) (ledger.Account, error) {
	return s.mutate(ctx, userID, amount, "", func(a *ledger.Account) error {
		if a.Balance.LessThan(amount) {
			return ledger.ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(amount)
		return nil
	})
}

func (s *Store) MoveToPending(ctx context.Context, userID string, amount decimal.Decimal) (ledger.Account, error) {
	return s.mutate(ctx, userID, amount, "", func(a *ledger.Account) error {
		if a.Balance.LessThan(amount) {
			return ledger.ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(amount)
		a.PendingWithdraw = a.PendingWithdraw.Add(amount)
		return nil
	})
}

func (s *Store) ReleaseFromPending(ctx context.Context, userID string, amount decimal.Decimal, ref string) (ledger.Account, error) {
	return s.mutate(ctx, userID, amount, ref, func(a *ledger.Account) error {
		if a.PendingWithdraw.LessThan(amount) {
			return fmt.Errorf("%w: pending %s < release %s", ledger.ErrInsufficientFunds, a.PendingWithdraw, amount)
		}
		a.PendingWithdraw = a.PendingWithdraw.Sub(amount)
		return nil
	})
}

func (s *Store) RestoreFromPending(ctx context.Context, userID string, amount decimal.Decimal, ref string) (ledger.Account, error) {
	return s.mutate(ctx, userID, amount, ref, func(a *ledger.Account) error {
		if a.PendingWithdraw.LessThan(amount) {
			return fmt.Errorf("%w: pending %s < restore %s", ledger.ErrInsufficientFunds, a.PendingWithdraw, amount)
		}
		a.PendingWithdraw = a.PendingWithdraw.Sub(amount)
		a.Balance = a.Balance.Add(amount)
		return nil
	})
}

func (s *Store) Transfer(ctx context.Context, senderID string, credits []ledger.Credit) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	total, err := ledger.ValidateCredits(senderID, credits)
	if err != nil {
		return ledger.Account{}, err
	}

	var sender ledger.Account
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		ids := make([]string, 0, len(credits)+1)
		ids = append(ids, senderID)
		for _, c := range credits {
			if _, err := tx.Exec(ctx, `
				INSERT INTO accounts (user_id) VALUES ($1)
				ON CONFLICT (user_id) DO NOTHING
			`, c.UserID); err != nil {
				return err
			}
			ids = append(ids, c.UserID)
		}
		sort.Strings(ids)

		// Lock every involved row in user_id order.
		rows, err := tx.Query(ctx, `
			SELECT `+accountColumns+` FROM accounts
			WHERE user_id = ANY($1)
			ORDER BY user_id
			FOR UPDATE
		`, ids)
		if err != nil {
			return err
		}
		locked := make(map[string]ledger.Account, len(ids))
		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				rows.Close()
				return err
			}
			locked[a.UserID] = a
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		sender, ok := locked[senderID]
		if !ok || sender.Balance.LessThan(total) {
			return ledger.ErrInsufficientFunds
		}
		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET balance = balance - $2::numeric, updated_at = now()
			WHERE user_id = $1
		`, senderID, total.String()); err != nil {
			return err
		}
		for _, c := range credits {
			if _, err := tx.Exec(ctx, `
				UPDATE accounts SET balance = balance + $2::numeric, updated_at = now()
				WHERE user_id = $1
			`, c.UserID, c.Amount.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	sender, err = s.Get(ctx, senderID)
	if err != nil {
		return ledger.Account{}, err
	}
	return sender, nil
}

func (s *Store) CreditDeposit(ctx context.Context, userID string, amount decimal.Decimal, expectedCursor, newCursor uint64) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return ledger.Account{}, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Account{}, err
	}
	if newCursor <= expectedCursor {
		return ledger.Account{}, fmt.Errorf("%w: cursor must advance (%d -> %d)", ledger.ErrInvalidTransition, expectedCursor, newCursor)
	}
	if newCursor > math.MaxInt64 {
		return ledger.Account{}, fmt.Errorf("%w: cursor too large", ledger.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2::numeric, block_cursor = $4, updated_at = now()
		WHERE user_id = $1 AND state = $5 AND block_cursor = $3
		RETURNING `+accountColumns,
		userID, amount.String(), int64(expectedCursor), int64(newCursor), int16(ledger.StateReady))
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, err
	}

	cur, err := s.Get(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	if cur.State != ledger.StateReady {
		return ledger.Account{}, fmt.Errorf("%w: account is %s", ledger.ErrInvalidTransition, cur.State)
	}
	return ledger.Account{}, fmt.Errorf("%w: cursor is %d, expected %d", ledger.ErrStoreConflict, cur.BlockCursor, expectedCursor)
}

func (s *Store) AdvanceCursor(ctx context.Context, userID string, expectedCursor, newCursor uint64) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return ledger.Account{}, err
	}
	if newCursor <= expectedCursor {
		return ledger.Account{}, fmt.Errorf("%w: cursor must advance (%d -> %d)", ledger.ErrInvalidTransition, expectedCursor, newCursor)
	}
	if newCursor > math.MaxInt64 {
		return ledger.Account{}, fmt.Errorf("%w: cursor too large", ledger.ErrInvalidInput)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET block_cursor = $3, updated_at = now()
		WHERE user_id = $1 AND state = $4 AND block_cursor = $2
		RETURNING `+accountColumns,
		userID, int64(expectedCursor), int64(newCursor), int16(ledger.StateReady))
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, err
	}

	cur, err := s.Get(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	if cur.State != ledger.StateReady {
		return ledger.Account{}, fmt.Errorf("%w: account is %s", ledger.ErrInvalidTransition, cur.State)
	}
	return ledger.Account{}, fmt.Errorf("%w: cursor is %d, expected %d", ledger.ErrStoreConflict, cur.BlockCursor, expectedCursor)
}

func (s *Store) BeginProvisioning(ctx context.Context, userID string) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return ledger.Account{}, err
	}

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return ledger.Account{}, mapErr("insert account", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE accounts SET state = $2, updated_at = now()
		WHERE user_id = $1 AND state = $3
		RETURNING `+accountColumns, userID, int16(ledger.StateGenerating), int16(ledger.StateNone))
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, err
	}

	cur, err := s.Get(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	return cur, ledger.ProvisioningGate(cur.State)
}

func (s *Store) SetPendingAddress(ctx context.Context, userID string, addr common.Address) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ledger.ErrInvalidInput)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `
			SELECT user_id FROM accounts
			WHERE (deposit_address = $1 OR pending_address = $1) AND user_id <> $2
			LIMIT 1
		`, addr.Bytes(), userID).Scan(&owner)
		if err == nil {
			return ledger.ErrAddressInUse
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE accounts SET pending_address = $2, updated_at = now()
			WHERE user_id = $1 AND state = $3
		`, userID, addr.Bytes(), int16(ledger.StateGenerating))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		cur, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: account is %s", ledger.ErrInvalidTransition, cur.State)
	})
}

func (s *Store) MarkReady(ctx context.Context, userID string, addr common.Address) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET state = $3, deposit_address = pending_address, pending_address = NULL, updated_at = now()
		WHERE user_id = $1 AND state = $4 AND pending_address = $2
		RETURNING `+accountColumns, userID, addr.Bytes(), int16(ledger.StateReady), int16(ledger.StateGenerating))
	a, err := scanAccount(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Account{}, err
	}

	cur, err := s.Get(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	if cur.State == ledger.StateReady && cur.DepositAddress == addr {
		return cur, nil
	}
	if cur.State == ledger.StateReady {
		return cur, fmt.Errorf("%w: deposit address is immutable", ledger.ErrInvalidTransition)
	}
	return cur, fmt.Errorf("%w: account is %s with pending %s", ledger.ErrInvalidTransition, cur.State, cur.PendingAddress)
}

func (s *Store) MarkError(ctx context.Context, userID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET state = $2, updated_at = now()
		WHERE user_id = $1 AND state <> $3
	`, userID, int16(ledger.StateError), int16(ledger.StateReady))
	if err != nil {
		return mapErr("mark error", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}
	return fmt.Errorf("%w: account is ready", ledger.ErrInvalidTransition)
}

func (s *Store) MarkNotified(ctx context.Context, userID, username string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (user_id, username, notified) VALUES ($1, $2, true)
		ON CONFLICT (user_id) DO UPDATE SET notified = true, updated_at = now()
	`, userID, username)
	if err != nil {
		return mapErr("mark notified", err)
	}
	return nil
}

// mutate applies fn to a row locked with FOR UPDATE and writes back the money columns.
func (s *Store) mutate(ctx context.Context, userID string, amount decimal.Decimal, ref string, fn func(*ledger.Account) error) (ledger.Account, error) {
	if s == nil || s.pool == nil {
		return ledger.Account{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := ledger.ValidateUser(userID); err != nil {
		return ledger.Account{}, err
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Account{}, err
	}

	var out ledger.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAccount(tx.QueryRow(ctx, `
			SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE
		`, userID))
		if err != nil {
			return err
		}
		if ref != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO ledger_refs (ref, user_id) VALUES ($1, $2)
				ON CONFLICT (ref) DO NOTHING
			`, ref, userID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				out = a
				return nil
			}
		}
		if err := fn(&a); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE accounts
			SET balance = $2::numeric, pending_withdraw = $3::numeric, updated_at = now()
			WHERE user_id = $1
		`, userID, a.Balance.String(), a.PendingWithdraw.String()); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return mapErr("tx", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

// mapErr passes ledger sentinels through and classifies Postgres errors.
func mapErr(op string, err error) error {
	if isLedgerErr(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s: %s", ledger.ErrStoreConflict, op, pgErr.Code)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s: %s", ledger.ErrAddressInUse, op, pgErr.ConstraintName)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s: %s", ledger.ErrInsufficientFunds, op, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("ledger/postgres: %s: %w", op, err)
}

func isLedgerErr(err error) bool {
	for _, target := range []error{
		ledger.ErrNotFound,
		ledger.ErrInvalidInput,
		ledger.ErrInvalidAmount,
		ledger.ErrInvalidTransition,
		ledger.ErrInsufficientFunds,
		ledger.ErrStoreConflict,
		ledger.ErrProvisioningInProgress,
		ledger.ErrProvisioningFailed,
		ledger.ErrAddressInUse,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a              ledger.Account
		balanceRaw     string
		pendingRaw     string
		state          int16
		depositAddrRaw []byte
		pendingAddrRaw []byte
		cursor         int64
	)
	err := row.Scan(
		&a.UserID,
		&a.Username,
		&balanceRaw,
		&pendingRaw,
		&state,
		&depositAddrRaw,
		&pendingAddrRaw,
		&cursor,
		&a.Notified,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Account{}, ledger.ErrNotFound
		}
		return ledger.Account{}, fmt.Errorf("ledger/postgres: scan account: %w", err)
	}

	if a.Balance, err = decimal.NewFromString(balanceRaw); err != nil {
		return ledger.Account{}, fmt.Errorf("ledger/postgres: parse balance: %w", err)
	}
	if a.PendingWithdraw, err = decimal.NewFromString(pendingRaw); err != nil {
		return ledger.Account{}, fmt.Errorf("ledger/postgres: parse pending: %w", err)
	}
	if state < 0 || state > int16(ledger.StateError) {
		return ledger.Account{}, fmt.Errorf("ledger/postgres: invalid state %d", state)
	}
	a.State = ledger.State(state)
	if len(depositAddrRaw) > 0 {
		if len(depositAddrRaw) != common.AddressLength {
			return ledger.Account{}, fmt.Errorf("ledger/postgres: invalid deposit_address length")
		}
		a.DepositAddress = common.BytesToAddress(depositAddrRaw)
	}
	if len(pendingAddrRaw) > 0 {
		if len(pendingAddrRaw) != common.AddressLength {
			return ledger.Account{}, fmt.Errorf("ledger/postgres: invalid pending_address length")
		}
		a.PendingAddress = common.BytesToAddress(pendingAddrRaw)
	}
	if cursor < 0 {
		return ledger.Account{}, fmt.Errorf("ledger/postgres: negative block_cursor")
	}
	a.BlockCursor = uint64(cursor)
	return a, nil
}
