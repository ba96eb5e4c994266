// Package settlement executes withdrawals and deposit sweeps on-chain and keeps a record of
// each operation so that a redelivered task never signs a second transaction for it.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/custody"
	"github.com/tipledger/tipledger/internal/erc20"
	"github.com/tipledger/tipledger/internal/eth"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/metrics"
	"github.com/tipledger/tipledger/internal/retry"
)

const defaultMaxSweepAttempts = 5

var (
	ErrInvalidConfig  = errors.New("settlement: invalid config")
	ErrInvalidRequest = errors.New("settlement: invalid request")
	ErrInvalidAddress = errors.New("settlement: invalid destination address")

	ErrChainTimeout  = errors.New("settlement: confirmation timed out")
	ErrChainRejected = errors.New("settlement: transaction rejected")
	// ErrSuperseded means another transaction was mined under the recorded nonce; the record is
	// queued again and the next delivery signs a new transaction.
	ErrSuperseded = errors.New("settlement: transaction superseded")
	// ErrNeedsReconciliation means the operation stopped retrying and waits for an operator.
	ErrNeedsReconciliation = errors.New("settlement: needs reconciliation")
)

type Keys interface {
	Signer(ctx context.Context, addr common.Address) (*custody.Signer, error)
}

// Chain is satisfied by *eth.Submitter.
type Chain interface {
	SendRecorded(ctx context.Context, signer eth.Signer, req eth.TxRequest, record eth.RecordFunc) (eth.Sent, error)
	Rebroadcast(ctx context.Context, raw []byte) (common.Hash, error)
	WaitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

type Config struct {
	Ledger ledger.Store
	Ops    Store
	Keys   Keys
	Chain  Chain
	Codec  amount.Codec

	Token     common.Address
	Custodian common.Address

	// MaxSweepAttempts bounds sweep signings plus unconfirmed polls before the record needs
	// reconciliation.
	MaxSweepAttempts int
	// StoreRetry governs retries of record writes that follow a broadcast.
	StoreRetry retry.Policy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Engine struct {
	ledger    ledger.Store
	ops       Store
	keys      Keys
	chain     Chain
	codec     amount.Codec
	token     common.Address
	balances  *erc20.Token
	custodian common.Address

	maxSweepAttempts int
	storeRetry       retry.Policy

	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil || cfg.Ops == nil || cfg.Keys == nil || cfg.Chain == nil {
		return nil, fmt.Errorf("%w: nil ledger/ops/keys/chain", ErrInvalidConfig)
	}
	if cfg.Token == (common.Address{}) || cfg.Custodian == (common.Address{}) {
		return nil, fmt.Errorf("%w: Token and Custodian must be non-zero", ErrInvalidConfig)
	}
	if cfg.MaxSweepAttempts == 0 {
		cfg.MaxSweepAttempts = defaultMaxSweepAttempts
	}
	if cfg.MaxSweepAttempts < 0 {
		return nil, fmt.Errorf("%w: MaxSweepAttempts must be > 0", ErrInvalidConfig)
	}
	if cfg.StoreRetry.MaxAttempts == 0 {
		cfg.StoreRetry = retry.DefaultPolicy()
	}
	balances, err := erc20.NewToken(cfg.Token, cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Engine{
		ledger:           cfg.Ledger,
		ops:              cfg.Ops,
		keys:             cfg.Keys,
		chain:            cfg.Chain,
		codec:            cfg.Codec,
		token:            cfg.Token,
		balances:         balances,
		custodian:        cfg.Custodian,
		maxSweepAttempts: cfg.MaxSweepAttempts,
		storeRetry:       cfg.StoreRetry,
		metrics:          cfg.Metrics,
		log:              log,
	}, nil
}

func (e *Engine) Custodian() common.Address { return e.custodian }

// CheckDestination rejects addresses a withdrawal must never pay: the zero address, the
// Custodian and any custodial deposit address.
func (e *Engine) CheckDestination(ctx context.Context, to common.Address) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	if to == e.custodian {
		return fmt.Errorf("%w: custodian address", ErrInvalidAddress)
	}
	custodied, err := ledger.IsCustodied(ctx, e.ledger, to)
	if err != nil {
		return err
	}
	if custodied {
		return fmt.Errorf("%w: %s is a custodial deposit address", ErrInvalidAddress, to)
	}
	return nil
}

type WithdrawRequest struct {
	// ID is the idempotency token chosen when the hold was placed.
	ID     string
	UserID string
	To     common.Address
	Amount decimal.Decimal
	// Fee is held with Amount and released with it; only Amount leaves on-chain.
	Fee decimal.Decimal
}

// RecordWithdraw creates the queued record of a withdrawal whose hold is already placed, so
// that Stalled reports it even if its task never reaches a worker.
func (e *Engine) RecordWithdraw(ctx context.Context, req WithdrawRequest) (Op, error) {
	if err := e.validateWithdraw(req); err != nil {
		return Op{}, err
	}
	return e.open(ctx, e.withdrawOp(req))
}

// Withdraw pays Amount from the Custodian to To, assuming Amount+Fee is already held in the
// user's PendingWithdraw.
//
// The signed transaction is recorded before it is broadcast and is only ever rebroadcast
// afterwards. On confirmation the hold is released exactly once. A timeout leaves the record
// broadcast and the hold in place; a later call re-polls the same transaction. A revert marks
// the record failed and keeps the hold for ReconcileWithdrawal.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (Op, error) {
	if err := e.validateWithdraw(req); err != nil {
		return Op{}, err
	}
	op, err := e.open(ctx, e.withdrawOp(req))
	if err != nil {
		return Op{}, err
	}

	switch op.Status {
	case StatusQueued:
	case StatusSigned, StatusBroadcast:
		op, nonceUsed, err := e.resend(ctx, op)
		if err != nil {
			return op, err
		}
		return e.awaitWithdraw(ctx, op, nonceUsed)
	default:
		e.log.Info("withdrawal already settled", "id", op.ID, "status", op.Status)
		return op, nil
	}

	if err := e.CheckDestination(ctx, req.To); err != nil {
		if !errors.Is(err, ErrInvalidAddress) {
			return op, err
		}
		// Nothing was signed; the hold can go back safely.
		return e.refundRejected(ctx, op, err)
	}

	value, err := e.codec.ToBaseUnits(op.Amount)
	if err != nil {
		return op, err
	}
	data, err := erc20.PackTransfer(op.To, value)
	if err != nil {
		return op, err
	}
	op, err = e.submit(ctx, op, eth.TxRequest{To: e.token, Data: data}, []Status{StatusQueued})
	if err != nil {
		return op, err
	}
	return e.awaitWithdraw(ctx, op, false)
}

func (e *Engine) withdrawOp(req WithdrawRequest) Op {
	return Op{
		ID:     req.ID,
		Kind:   KindWithdraw,
		UserID: req.UserID,
		From:   e.custodian,
		To:     req.To,
		Amount: req.Amount,
		Fee:    req.Fee,
	}
}

// awaitWithdraw polls the recorded transaction. nonceUsed reports that a rebroadcast found its
// nonce already mined, so a missing receipt means it can never land.
func (e *Engine) awaitWithdraw(ctx context.Context, op Op, nonceUsed bool) (Op, error) {
	_, err := e.chain.WaitReceipt(ctx, op.TxHash)
	switch {
	case err == nil:
	case errors.Is(err, eth.ErrTimeout) && nonceUsed:
		return e.supersede(ctx, op, StatusQueued)
	case errors.Is(err, eth.ErrTimeout):
		e.metrics.Settlement(string(op.Kind), "timeout")
		e.log.Warn("withdrawal unconfirmed, hold kept", "id", op.ID, "tx", op.TxHash)
		return op, fmt.Errorf("%w: %w", ErrChainTimeout, err)
	case errors.Is(err, eth.ErrReverted):
		return e.fail(ctx, op, []Status{StatusBroadcast}, err, fmt.Errorf("%w: %w", ErrChainRejected, err))
	default:
		return op, err
	}

	if _, err := e.ledger.ReleaseFromPending(ctx, op.UserID, op.Hold(), holdRef(op.ID)); err != nil {
		return op, fmt.Errorf("settlement: release hold %s: %w", op.ID, err)
	}
	op, err = e.transition(ctx, op.ID, []Status{StatusBroadcast}, StatusConfirmed, Update{})
	if err != nil {
		return op, err
	}
	e.metrics.Settlement(string(op.Kind), op.Status.String())
	e.log.Info("withdrawal confirmed", "id", op.ID, "user", op.UserID, "amount", op.Amount.String(), "fee", op.Fee.String(), "tx", op.TxHash)
	return op, nil
}

func (e *Engine) refundRejected(ctx context.Context, op Op, cause error) (Op, error) {
	msg := cause.Error()
	op, err := e.transition(ctx, op.ID, []Status{StatusQueued}, StatusFailed, Update{LastError: &msg})
	if err != nil {
		return op, err
	}
	op, err = e.ReconcileWithdrawal(ctx, op.ID, OutcomeRefund)
	if err != nil {
		return op, err
	}
	return op, cause
}

type SweepRequest struct {
	ID     string
	UserID string
	// From is the user's deposit address.
	From   common.Address
	Amount decimal.Decimal
}

// RecordSweep creates the queued record of a sweep so that Stalled reports it even if its
// task never reaches a worker.
func (e *Engine) RecordSweep(ctx context.Context, req SweepRequest) (Op, error) {
	if err := e.validateSweep(req); err != nil {
		return Op{}, err
	}
	return e.open(ctx, e.sweepOp(req))
}

// Sweep pulls Amount from a deposit address into the Custodian using the allowance granted
// at provisioning. The ledger is not touched. An unconfirmed sweep is re-polled under the same
// hash; a new transaction is signed only after a revert and while the deposit address still
// holds Amount. Signings and unconfirmed polls count against MaxSweepAttempts; the record then
// becomes needs_reconciliation.
func (e *Engine) Sweep(ctx context.Context, req SweepRequest) (Op, error) {
	if err := e.validateSweep(req); err != nil {
		return Op{}, err
	}
	owner, err := e.ledger.UserByAddress(ctx, req.From)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Op{}, fmt.Errorf("%w: %s is not custodial", ErrInvalidAddress, req.From)
		}
		return Op{}, err
	}
	if owner.UserID != req.UserID || !owner.HasDepositAddress() {
		return Op{}, fmt.Errorf("%w: %s is not the ready deposit address of %s", ErrInvalidAddress, req.From, req.UserID)
	}

	op, err := e.open(ctx, e.sweepOp(req))
	if err != nil {
		return Op{}, err
	}

	switch op.Status {
	case StatusQueued, StatusFailed:
	case StatusSigned, StatusBroadcast:
		op, nonceUsed, err := e.resend(ctx, op)
		if err != nil {
			return op, err
		}
		return e.awaitSweep(ctx, op, nonceUsed)
	case StatusNeedsReconciliation:
		return op, ErrNeedsReconciliation
	default:
		return op, nil
	}

	if op.Attempts >= e.maxSweepAttempts {
		return e.giveUp(ctx, op, []Status{op.Status}, "")
	}

	value, err := e.codec.ToBaseUnits(op.Amount)
	if err != nil {
		return op, err
	}
	if op.Status == StatusFailed {
		held, err := e.balances.BalanceOf(ctx, op.From)
		if err != nil {
			return op, fmt.Errorf("settlement: balance of %s: %w", op.From, err)
		}
		if held.Cmp(value) < 0 {
			return e.giveUp(ctx, op, []Status{StatusFailed}, fmt.Sprintf("deposit address holds %s base units, sweep needs %s", held, value))
		}
	}
	data, err := erc20.PackTransferFrom(op.From, e.custodian, value)
	if err != nil {
		return op, err
	}
	from := []Status{StatusQueued, StatusFailed}
	signed, err := e.submit(ctx, op, eth.TxRequest{To: e.token, Data: data}, from)
	if err != nil {
		if signed.Status == StatusSigned {
			return signed, err
		}
		return e.sweepFailed(ctx, op, from, err, true)
	}
	return e.awaitSweep(ctx, signed, false)
}

func (e *Engine) sweepOp(req SweepRequest) Op {
	return Op{
		ID:     req.ID,
		Kind:   KindSweep,
		UserID: req.UserID,
		From:   req.From,
		To:     e.custodian,
		Amount: req.Amount,
		Fee:    decimal.Zero,
	}
}

func (e *Engine) awaitSweep(ctx context.Context, op Op, nonceUsed bool) (Op, error) {
	_, err := e.chain.WaitReceipt(ctx, op.TxHash)
	switch {
	case err == nil:
	case errors.Is(err, eth.ErrTimeout) && nonceUsed:
		return e.supersede(ctx, op, StatusFailed)
	case errors.Is(err, eth.ErrTimeout):
		cause := fmt.Errorf("%w: %w", ErrChainTimeout, err)
		msg := cause.Error()
		polled, terr := e.transition(ctx, op.ID, []Status{StatusBroadcast}, StatusBroadcast, Update{LastError: &msg, IncAttempts: true})
		if terr != nil {
			return op, errors.Join(cause, terr)
		}
		e.metrics.Settlement(string(polled.Kind), "timeout")
		e.log.Warn("sweep unconfirmed, will re-poll", "id", polled.ID, "tx", polled.TxHash, "attempt", polled.Attempts, "max", e.maxSweepAttempts)
		if polled.Attempts >= e.maxSweepAttempts {
			return e.giveUp(ctx, polled, []Status{StatusBroadcast}, "")
		}
		return polled, cause
	case errors.Is(err, eth.ErrReverted):
		return e.sweepFailed(ctx, op, []Status{StatusBroadcast}, fmt.Errorf("%w: %w", ErrChainRejected, err), false)
	default:
		return op, err
	}

	op, err = e.transition(ctx, op.ID, []Status{StatusBroadcast}, StatusConfirmed, Update{})
	if err != nil {
		return op, err
	}
	e.metrics.Settlement(string(op.Kind), op.Status.String())
	e.log.Info("sweep confirmed", "id", op.ID, "from", op.From, "amount", op.Amount.String(), "tx", op.TxHash)
	return op, nil
}

// sweepFailed records a failed attempt. incAttempts is set when nothing was signed, since
// signing counts the attempt otherwise.
func (e *Engine) sweepFailed(ctx context.Context, op Op, from []Status, cause error, incAttempts bool) (Op, error) {
	msg := cause.Error()
	failed, err := e.transition(ctx, op.ID, from, StatusFailed, Update{LastError: &msg, IncAttempts: incAttempts})
	if err != nil {
		return op, errors.Join(cause, err)
	}
	e.metrics.Settlement(string(failed.Kind), failed.Status.String())
	e.log.Warn("sweep attempt failed", "id", failed.ID, "attempt", failed.Attempts, "max", e.maxSweepAttempts, "err", cause)
	if failed.Attempts >= e.maxSweepAttempts {
		return e.giveUp(ctx, failed, []Status{StatusFailed}, "")
	}
	return failed, cause
}

// giveUp parks a sweep for an operator. A non-empty reason replaces LastError.
func (e *Engine) giveUp(ctx context.Context, op Op, from []Status, reason string) (Op, error) {
	var upd Update
	if reason != "" {
		upd.LastError = &reason
	}
	op, err := e.transition(ctx, op.ID, from, StatusNeedsReconciliation, upd)
	if err != nil {
		return op, err
	}
	e.metrics.Settlement(string(op.Kind), op.Status.String())
	e.log.Error("sweep needs reconciliation", "id", op.ID, "user", op.UserID, "from", op.From, "amount", op.Amount.String(), "attempts", op.Attempts, "last_error", op.LastError)
	return op, fmt.Errorf("%w: %s after %d attempts", ErrNeedsReconciliation, op.ID, op.Attempts)
}

// Outcome resolves a withdrawal hold by operator decision.
type Outcome string

const (
	// OutcomeSpent releases the hold: the funds left custody.
	OutcomeSpent Outcome = "spent"
	// OutcomeRefund returns the hold to the user's balance.
	OutcomeRefund Outcome = "refund"
)

func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeSpent, OutcomeRefund:
		return o, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, s)
	}
}

// ReconcileWithdrawal resolves the hold of a withdrawal that has not confirmed. The operator
// must have established on-chain whether a signed transaction landed. A queued withdrawal was
// never signed; it is cancelled first and can only be refunded. Reconciling twice is a no-op.
func (e *Engine) ReconcileWithdrawal(ctx context.Context, id string, outcome Outcome) (Op, error) {
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return Op{}, err
	}
	op, err := e.ops.Get(ctx, id)
	if err != nil {
		return Op{}, err
	}
	if op.Kind != KindWithdraw {
		return op, fmt.Errorf("%w: %s is a %s", ErrInvalidRequest, id, op.Kind)
	}
	from := []Status{StatusSigned, StatusBroadcast, StatusFailed}
	switch {
	case op.Status == StatusReconciled:
		return op, nil
	case op.Status == StatusQueued:
		if outcome != OutcomeRefund {
			return op, fmt.Errorf("%w: %s was never signed, only a refund applies", ErrInvalidTransition, id)
		}
		// Failing it first stops a worker from signing it while the hold goes back.
		msg := "cancelled for reconciliation"
		op, err = e.transition(ctx, op.ID, []Status{StatusQueued}, StatusFailed, Update{LastError: &msg})
		if err != nil {
			return op, err
		}
	case !containsStatus(from, op.Status):
		return op, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, op.Status)
	}

	ref := holdRef(op.ID)
	switch outcome {
	case OutcomeSpent:
		_, err = e.ledger.ReleaseFromPending(ctx, op.UserID, op.Hold(), ref)
	case OutcomeRefund:
		_, err = e.ledger.RestoreFromPending(ctx, op.UserID, op.Hold(), ref)
	}
	if err != nil {
		return op, fmt.Errorf("settlement: reconcile %s: %w", id, err)
	}

	note := "reconciled: " + string(outcome)
	if op.LastError != "" {
		note = op.LastError + "; " + note
	}
	op, err = e.transition(ctx, op.ID, from, StatusReconciled, Update{LastError: &note})
	if err != nil {
		return op, err
	}
	e.metrics.Settlement(string(op.Kind), op.Status.String())
	e.log.Info("withdrawal reconciled", "id", op.ID, "user", op.UserID, "outcome", outcome, "hold", op.Hold().String())
	return op, nil
}

func (e *Engine) Op(ctx context.Context, id string) (Op, error) { return e.ops.Get(ctx, id) }

// Stalled lists operations that should be handed to a worker again: queued, signed or
// broadcast operations of either kind and failed sweeps, all last updated before the cutoff.
// Failed withdrawals wait for ReconcileWithdrawal instead.
func (e *Engine) Stalled(ctx context.Context, before time.Time, limit int) ([]Op, error) {
	var out []Op
	for _, st := range []Status{StatusQueued, StatusSigned, StatusBroadcast, StatusFailed} {
		ops, err := e.ops.ListByStatus(ctx, st, limit)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if st == StatusFailed && op.Kind != KindSweep {
				continue
			}
			if op.UpdatedAt.Before(before) {
				out = append(out, op)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Engine) open(ctx context.Context, want Op) (Op, error) {
	op, created, err := e.ops.Create(ctx, want)
	if err != nil {
		return Op{}, err
	}
	if !created && !op.sameRequest(want) {
		return op, fmt.Errorf("%w: %s", ErrOpMismatch, want.ID)
	}
	if created {
		e.metrics.Settlement(string(op.Kind), op.Status.String())
	}
	return op, nil
}

// submit signs req with the Custodian key, records the signed transaction and then broadcasts
// it. An error before the record leaves op in from. An error after it returns the signed
// record, which later calls rebroadcast and never sign again.
func (e *Engine) submit(ctx context.Context, op Op, req eth.TxRequest, from []Status) (Op, error) {
	signer, err := e.keys.Signer(ctx, e.custodian)
	if err != nil {
		return op, fmt.Errorf("settlement: custodian signer: %w", err)
	}
	recorded, signed := op, false
	_, err = e.chain.SendRecorded(ctx, signer, req, func(ctx context.Context, tx eth.Signed) error {
		hash, nonce := tx.TxHash, tx.Nonce
		rec, err := e.transition(ctx, op.ID, from, StatusSigned, Update{TxHash: &hash, Nonce: &nonce, RawTx: tx.Raw, IncAttempts: true})
		if err != nil {
			return err
		}
		recorded, signed = rec, true
		return nil
	})
	if !signed {
		return op, err
	}
	e.metrics.Settlement(string(recorded.Kind), recorded.Status.String())
	if err != nil {
		e.log.Warn("signed tx not broadcast, will rebroadcast", "id", recorded.ID, "tx", recorded.TxHash, "nonce", recorded.Nonce, "err", err)
		return recorded, err
	}
	return e.markBroadcast(ctx, recorded)
}

func (e *Engine) markBroadcast(ctx context.Context, op Op) (Op, error) {
	updated, err := e.transition(ctx, op.ID, []Status{StatusSigned}, StatusBroadcast, Update{})
	if err != nil {
		e.log.Error("broadcast not recorded", "id", op.ID, "tx", op.TxHash, "nonce", op.Nonce, "err", err)
		return op, err
	}
	e.metrics.Settlement(string(updated.Kind), updated.Status.String())
	return updated, nil
}

// resend hands the recorded transaction of a signed or broadcast operation to the node again
// and marks it broadcast. nonceUsed reports that its nonce has been mined, by it or by another
// transaction.
func (e *Engine) resend(ctx context.Context, op Op) (Op, bool, error) {
	if len(op.RawTx) == 0 {
		return op, false, nil
	}
	nonceUsed := false
	_, err := e.chain.Rebroadcast(ctx, op.RawTx)
	switch {
	case err == nil:
	case errors.Is(err, eth.ErrNonceUsed):
		nonceUsed = true
	case op.Status == StatusSigned:
		return op, false, err
	default:
		// The node accepted it once already; the receipt decides.
		e.log.Warn("rebroadcast failed", "id", op.ID, "tx", op.TxHash, "err", err)
	}
	if op.Status == StatusSigned {
		var merr error
		if op, merr = e.markBroadcast(ctx, op); merr != nil {
			return op, nonceUsed, merr
		}
	}
	return op, nonceUsed, nil
}

// supersede moves a broadcast operation whose nonce was taken by another mined transaction
// back to status to, from where a new transaction is signed.
func (e *Engine) supersede(ctx context.Context, op Op, to Status) (Op, error) {
	cause := fmt.Errorf("%w: %s at nonce %d", ErrSuperseded, op.TxHash, op.Nonce)
	msg := cause.Error()
	reset, err := e.transition(ctx, op.ID, []Status{StatusBroadcast}, to, Update{LastError: &msg})
	if err != nil {
		return op, errors.Join(cause, err)
	}
	e.metrics.Settlement(string(reset.Kind), reset.Status.String())
	e.log.Warn("tx superseded, will sign again", "id", reset.ID, "kind", reset.Kind, "tx", op.TxHash, "nonce", op.Nonce)
	return reset, cause
}

func (e *Engine) fail(ctx context.Context, op Op, from []Status, cause, ret error) (Op, error) {
	msg := cause.Error()
	failed, err := e.transition(ctx, op.ID, from, StatusFailed, Update{LastError: &msg})
	if err != nil {
		return op, errors.Join(ret, err)
	}
	e.metrics.Settlement(string(failed.Kind), failed.Status.String())
	e.log.Error("withdrawal failed, hold kept", "id", failed.ID, "user", failed.UserID, "hold", failed.Hold().String(), "tx", failed.TxHash, "err", cause)
	return failed, ret
}

// transition retries record writes, which must land even when the caller's context ends.
func (e *Engine) transition(ctx context.Context, id string, from []Status, to Status, upd Update) (Op, error) {
	var out Op
	err := retry.Do(context.WithoutCancel(ctx), e.storeRetry, isTransient, func(ctx context.Context) error {
		op, err := e.ops.Transition(ctx, id, from, to, upd)
		out = op
		return err
	})
	return out, err
}

func isTransient(err error) bool {
	return !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrNotFound)
}

func holdRef(id string) string { return "settlement:" + id }

func (e *Engine) validateWithdraw(req WithdrawRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}
	if err := ledger.ValidateUser(req.UserID); err != nil {
		return err
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return err
	}
	if req.Fee.IsNegative() {
		return fmt.Errorf("%w: negative fee", ErrInvalidRequest)
	}
	if err := e.codec.Validate(req.Amount); err != nil {
		return err
	}
	return e.codec.Validate(req.Fee)
}

func (e *Engine) validateSweep(req SweepRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRequest)
	}
	if err := ledger.ValidateUser(req.UserID); err != nil {
		return err
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return err
	}
	return e.codec.Validate(req.Amount)
}
