package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/tasks"
)

// Completer is satisfied by *provision.Provisioner.
type Completer interface {
	Complete(ctx context.Context, userID string, addr common.Address) error
}

// Settler is satisfied by *settlement.Engine.
type Settler interface {
	Withdraw(ctx context.Context, req settlement.WithdrawRequest) (settlement.Op, error)
	Sweep(ctx context.Context, req settlement.SweepRequest) (settlement.Op, error)
	ReconcileWithdrawal(ctx context.Context, id string, outcome settlement.Outcome) (settlement.Op, error)
}

// WorkerHandlers routes every task op to its executor. Errors that a redelivery cannot fix
// are marked permanent so the worker acks the task instead of retrying it.
func WorkerHandlers(prov Completer, settle Settler, codec amount.Codec) map[string]tasks.Handler {
	return map[string]tasks.Handler{
		tasks.OpProvisionComplete: func(ctx context.Context, t tasks.Task) error {
			var p tasks.ProvisionPayload
			if err := t.Unmarshal(&p); err != nil {
				return err
			}
			if !common.IsHexAddress(p.Address) {
				return fmt.Errorf("%w: address %q", tasks.ErrInvalidTask, p.Address)
			}
			err := prov.Complete(ctx, p.UserID, common.HexToAddress(p.Address))
			if err != nil && !errors.Is(err, ledger.ErrStoreConflict) {
				// Complete has already marked the account failed.
				return tasks.Permanent(err)
			}
			return err
		},

		tasks.OpWithdraw: func(ctx context.Context, t tasks.Task) error {
			var p tasks.WithdrawPayload
			if err := t.Unmarshal(&p); err != nil {
				return err
			}
			if !common.IsHexAddress(p.To) {
				return fmt.Errorf("%w: to %q", tasks.ErrInvalidTask, p.To)
			}
			amt, err := parseAmount(codec, "amount", p.Amount)
			if err != nil {
				return err
			}
			fee, err := parseAmount(codec, "fee", p.Fee)
			if err != nil {
				return err
			}
			_, err = settle.Withdraw(ctx, settlement.WithdrawRequest{
				ID:     p.ID,
				UserID: p.UserID,
				To:     common.HexToAddress(p.To),
				Amount: amt,
				Fee:    fee,
			})
			return classifyWithdraw(err)
		},

		tasks.OpSweep: func(ctx context.Context, t tasks.Task) error {
			var p tasks.SweepPayload
			if err := t.Unmarshal(&p); err != nil {
				return err
			}
			if !common.IsHexAddress(p.Address) {
				return fmt.Errorf("%w: address %q", tasks.ErrInvalidTask, p.Address)
			}
			amt, err := parseAmount(codec, "amount", p.Amount)
			if err != nil {
				return err
			}
			_, err = settle.Sweep(ctx, settlement.SweepRequest{
				ID:     p.ID,
				UserID: p.UserID,
				From:   common.HexToAddress(p.Address),
				Amount: amt,
			})
			return classifySweep(err)
		},

		tasks.OpReconcile: func(ctx context.Context, t tasks.Task) error {
			var p tasks.ReconcilePayload
			if err := t.Unmarshal(&p); err != nil {
				return err
			}
			outcome, err := settlement.ParseOutcome(p.Outcome)
			if err != nil {
				return fmt.Errorf("%w: %v", tasks.ErrInvalidTask, err)
			}
			_, err = settle.ReconcileWithdrawal(ctx, p.ID, outcome)
			if errors.Is(err, settlement.ErrNotFound) || errors.Is(err, settlement.ErrInvalidTransition) || errors.Is(err, settlement.ErrInvalidRequest) {
				return tasks.Permanent(err)
			}
			return err
		},
	}
}

// classifyWithdraw keeps retrying only what is safe to re-run: an unconfirmed broadcast is
// re-polled by hash, a signed record is rebroadcast as is and a queued record has never been
// signed.
func classifyWithdraw(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, settlement.ErrChainTimeout):
		return err
	case errors.Is(err, settlement.ErrChainRejected),
		errors.Is(err, settlement.ErrInvalidAddress),
		errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, settlement.ErrOpMismatch),
		errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, amount.ErrTooPrecise),
		errors.Is(err, amount.ErrInvalidAmount):
		return tasks.Permanent(err)
	default:
		return err
	}
}

func classifySweep(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, settlement.ErrChainTimeout), errors.Is(err, settlement.ErrChainRejected):
		// Counted against the sweep's attempt budget.
		return err
	case errors.Is(err, settlement.ErrNeedsReconciliation),
		errors.Is(err, settlement.ErrInvalidAddress),
		errors.Is(err, settlement.ErrInvalidRequest),
		errors.Is(err, settlement.ErrOpMismatch),
		errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, amount.ErrTooPrecise),
		errors.Is(err, amount.ErrInvalidAmount):
		return tasks.Permanent(err)
	default:
		return err
	}
}

func parseAmount(codec amount.Codec, field, s string) (decimal.Decimal, error) {
	d, err := codec.Parse(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", tasks.ErrInvalidTask, field, err)
	}
	return d, nil
}
