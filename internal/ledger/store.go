package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrInvalidInput      = errors.New("ledger: invalid input")
	ErrInvalidAmount     = errors.New("ledger: invalid amount")
	ErrInvalidTransition = errors.New("ledger: invalid transition")

	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrStoreConflict     = errors.New("ledger: concurrent update conflict")

	ErrProvisioningInProgress = errors.New("ledger: provisioning in progress")
	ErrProvisioningFailed     = errors.New("ledger: provisioning failed")
	ErrAddressInUse           = errors.New("ledger: address already assigned")
)

// Store is the ledger of per-user balances, holds, deposit addresses and scan cursors.
//
// Every mutation is atomic. Mutations on the same user serialize; a store that detects a
// concurrent-update conflict returns ErrStoreConflict and leaves state unchanged.
//
// Ref-taking methods are idempotent per non-empty ref: a second call with an already applied
// ref returns the current account without mutating it.
type Store interface {
	Get(ctx context.Context, userID string) (Account, error)
	EnsureAccount(ctx context.Context, userID, username string) (Account, bool, error)
	UserByAddress(ctx context.Context, addr common.Address) (Account, error)
	ListReady(ctx context.Context, afterUserID string, limit int) ([]Account, error)

	// Credit adds amount to balance, creating the account when absent.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) (Account, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal) (Account, error)
	// MoveToPending earmarks amount from balance into PendingWithdraw.
	MoveToPending(ctx context.Context, userID string, amount decimal.Decimal) (Account, error)
	// ReleaseFromPending clears a hold whose funds left custody.
	ReleaseFromPending(ctx context.Context, userID string, amount decimal.Decimal, ref string) (Account, error)
	// RestoreFromPending returns held funds to balance.
	RestoreFromPending(ctx context.Context, userID string, amount decimal.Decimal, ref string) (Account, error)
	// Transfer debits the sender by the sum of credits and applies every credit, or nothing.
	Transfer(ctx context.Context, senderID string, credits []Credit) (Account, error)
	// CreditDeposit credits amount and advances BlockCursor from expectedCursor to newCursor
	// in one update. A cursor other than expectedCursor yields ErrStoreConflict.
	CreditDeposit(ctx context.Context, userID string, amount decimal.Decimal, expectedCursor, newCursor uint64) (Account, error)
	// AdvanceCursor moves BlockCursor from expectedCursor to newCursor without a credit, for
	// ranges scanned empty. A cursor other than expectedCursor yields ErrStoreConflict.
	AdvanceCursor(ctx context.Context, userID string, expectedCursor, newCursor uint64) (Account, error)

	// BeginProvisioning moves StateNone to StateGenerating.
	BeginProvisioning(ctx context.Context, userID string) (Account, error)
	SetPendingAddress(ctx context.Context, userID string, addr common.Address) error
	MarkReady(ctx context.Context, userID string, addr common.Address) (Account, error)
	MarkError(ctx context.Context, userID string) error

	MarkNotified(ctx context.Context, userID, username string) error
}

// IsCustodied reports whether addr belongs to any account, ready or still provisioning.
func IsCustodied(ctx context.Context, s Store, addr common.Address) (bool, error) {
	_, err := s.UserByAddress(ctx, addr)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func ValidateUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	return nil
}

func ValidateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be > 0, got %s", ErrInvalidAmount, amount.String())
	}
	return nil
}

// ValidateCredits checks a Transfer leg list and returns the total to debit.
func ValidateCredits(senderID string, credits []Credit) (decimal.Decimal, error) {
	if err := ValidateUser(senderID); err != nil {
		return decimal.Zero, err
	}
	if len(credits) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no credits", ErrInvalidInput)
	}
	total := decimal.Zero
	for i, c := range credits {
		if err := ValidateUser(c.UserID); err != nil {
			return decimal.Zero, fmt.Errorf("credit[%d]: %w", i, err)
		}
		if c.UserID == senderID {
			return decimal.Zero, fmt.Errorf("%w: credit[%d] targets the sender", ErrInvalidInput, i)
		}
		if err := ValidateAmount(c.Amount); err != nil {
			return decimal.Zero, fmt.Errorf("credit[%d]: %w", i, err)
		}
		total = total.Add(c.Amount)
	}
	return total, nil
}
