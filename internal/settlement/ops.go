package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("settlement: operation not found")
	ErrInvalidTransition = errors.New("settlement: invalid status transition")
	ErrOpMismatch        = errors.New("settlement: operation id reused with different parameters")
)

type Kind string

const (
	KindWithdraw Kind = "withdraw"
	KindSweep    Kind = "sweep"
)

// Status is the lifecycle of one settlement operation. A signed operation holds the raw
// transaction that may already be on the network; it is rebroadcast, never signed again.
//
//	queued -> signed -> broadcast -> confirmed
//	                              -> failed -> reconciled        (withdraw)
//	                              -> failed -> signed ...        (sweep, bounded)
//	                                        -> needs_reconciliation
//
// Codes are persisted, so new statuses are appended.
type Status uint8

const (
	StatusQueued Status = iota
	StatusBroadcast
	StatusConfirmed
	StatusFailed
	StatusNeedsReconciliation
	StatusReconciled
	StatusSigned
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusSigned:
		return "signed"
	case StatusBroadcast:
		return "broadcast"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusNeedsReconciliation:
		return "needs_reconciliation"
	case StatusReconciled:
		return "reconciled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether s is a known status code.
func (s Status) Valid() bool { return s <= StatusSigned }

// Terminal reports whether no further automatic transition can happen.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusNeedsReconciliation || s == StatusReconciled
}

// Op is the persisted record of one withdrawal or sweep, keyed by its idempotency token.
type Op struct {
	ID     string
	Kind   Kind
	UserID string
	From   common.Address
	To     common.Address
	Amount decimal.Decimal
	Fee    decimal.Decimal

	Status    Status
	Attempts  int
	TxHash    common.Hash
	Nonce     uint64
	RawTx     []byte
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Hold is the pending amount a withdrawal earmarked.
func (o Op) Hold() decimal.Decimal { return o.Amount.Add(o.Fee) }

func (o Op) sameRequest(other Op) bool {
	return o.Kind == other.Kind &&
		o.UserID == other.UserID &&
		o.From == other.From &&
		o.To == other.To &&
		o.Amount.Equal(other.Amount) &&
		o.Fee.Equal(other.Fee)
}

// Update lists the fields a transition sets. Nil fields are left unchanged.
type Update struct {
	TxHash      *common.Hash
	Nonce       *uint64
	RawTx       []byte
	LastError   *string
	IncAttempts bool
}

// Store persists settlement operations.
type Store interface {
	// Create inserts op in StatusQueued unless op.ID exists, in which case it returns the
	// stored record and false.
	Create(ctx context.Context, op Op) (Op, bool, error)
	Get(ctx context.Context, id string) (Op, error)
	// Transition moves op id to status to if its current status is one of from.
	Transition(ctx context.Context, id string, from []Status, to Status, upd Update) (Op, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Op, error)
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
