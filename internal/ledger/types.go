package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// State is the custodial account provisioning state.
type State uint8

const (
	StateNone State = iota
	StateGenerating
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Account is one end-user's ledger entry.
//
// Balance excludes PendingWithdraw; both are never negative.
type Account struct {
	UserID   string
	Username string

	Balance         decimal.Decimal
	PendingWithdraw decimal.Decimal

	State State
	// DepositAddress is set only once State is StateReady and never changes afterwards.
	DepositAddress common.Address
	// PendingAddress is the generated custodial address while State is StateGenerating.
	PendingAddress common.Address

	// BlockCursor is the highest block already scanned for DepositAddress.
	BlockCursor uint64

	Notified bool
}

func (a Account) HasDepositAddress() bool {
	return a.State == StateReady && a.DepositAddress != (common.Address{})
}

// Total is the value the ledger attributes to this account (spendable plus held).
func (a Account) Total() decimal.Decimal {
	return a.Balance.Add(a.PendingWithdraw)
}

// Credit is one receiver leg of a Transfer.
type Credit struct {
	UserID string
	Amount decimal.Decimal
}

func newAccount(userID string) Account {
	return Account{
		UserID:          userID,
		Balance:         decimal.Zero,
		PendingWithdraw: decimal.Zero,
		State:           StateNone,
	}
}
