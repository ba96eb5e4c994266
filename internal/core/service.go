// Package core is the front-end facing surface of the tip ledger.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/depositscan"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/metrics"
	"github.com/tipledger/tipledger/internal/retry"
	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/tasks"
)

var ErrInvalidConfig = errors.New("core: invalid config")

const (
	defaultRedispatchAfter = 15 * time.Minute
	defaultRedispatchLimit = 200
)

type DepositScanner interface {
	Scan(ctx context.Context, userID string) (depositscan.Result, error)
	ScanAll(ctx context.Context) ([]depositscan.Result, error)
}

type Provisioner interface {
	Provision(ctx context.Context, userID string) (common.Address, error)
}

type Tipper interface {
	Transfer(ctx context.Context, senderID string, receivers []string, amountEach decimal.Decimal) (ledger.Account, error)
}

// Settlements is satisfied by *settlement.Engine.
type Settlements interface {
	CheckDestination(ctx context.Context, to common.Address) error
	RecordWithdraw(ctx context.Context, req settlement.WithdrawRequest) (settlement.Op, error)
	RecordSweep(ctx context.Context, req settlement.SweepRequest) (settlement.Op, error)
	Op(ctx context.Context, id string) (settlement.Op, error)
	Stalled(ctx context.Context, before time.Time, limit int) ([]settlement.Op, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, op, key string, payload any) (tasks.Task, error)
}

type Config struct {
	Ledger       ledger.Store
	Scanner      DepositScanner
	Provisioner  Provisioner
	Tips        Tipper
	Settlements Settlements
	Tasks       Enqueuer
	Codec       amount.Codec

	// WithdrawFee is held with every withdrawal on top of the amount sent.
	WithdrawFee decimal.Decimal
	// Retry governs retries on ledger.ErrStoreConflict.
	Retry retry.Policy
	// NewID returns withdrawal idempotency tokens. Defaults to random UUIDs.
	NewID func() string
	// RedispatchAfter is the age at which Redispatch enqueues an unfinished settlement again.
	RedispatchAfter time.Duration
	RedispatchLimit int
	Now             func() time.Time

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Service struct {
	ledger       ledger.Store
	scanner      DepositScanner
	provisioner  Provisioner
	tips         Tipper
	settlements  Settlements
	tasks        Enqueuer
	codec        amount.Codec
	fee          decimal.Decimal
	retry        retry.Policy
	newID        func() string
	now          func() time.Time

	redispatchAfter time.Duration
	redispatchLimit int

	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) (*Service, error) {
	if cfg.Ledger == nil || cfg.Scanner == nil || cfg.Provisioner == nil || cfg.Tips == nil || cfg.Settlements == nil || cfg.Tasks == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.WithdrawFee.IsNegative() {
		return nil, fmt.Errorf("%w: WithdrawFee must be >= 0", ErrInvalidConfig)
	}
	if err := cfg.Codec.Validate(cfg.WithdrawFee); err != nil {
		return nil, fmt.Errorf("%w: WithdrawFee: %v", ErrInvalidConfig, err)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	if cfg.RedispatchAfter == 0 {
		cfg.RedispatchAfter = defaultRedispatchAfter
	}
	if cfg.RedispatchLimit == 0 {
		cfg.RedispatchLimit = defaultRedispatchLimit
	}
	if cfg.RedispatchAfter < 0 || cfg.RedispatchLimit < 0 {
		return nil, fmt.Errorf("%w: RedispatchAfter and RedispatchLimit must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		ledger:       cfg.Ledger,
		scanner:      cfg.Scanner,
		provisioner:  cfg.Provisioner,
		tips:            cfg.Tips,
		settlements:     cfg.Settlements,
		tasks:           cfg.Tasks,
		codec:           cfg.Codec,
		fee:             cfg.WithdrawFee,
		retry:           cfg.Retry,
		newID:           cfg.NewID,
		now:             cfg.Now,
		redispatchAfter: cfg.RedispatchAfter,
		redispatchLimit: cfg.RedispatchLimit,
		metrics:         cfg.Metrics,
		log:             log,
	}, nil
}

func (s *Service) WithdrawFee() decimal.Decimal { return s.fee }

type AccountView struct {
	State   ledger.State
	Address common.Address // zero unless State is ready
}

// GetAccount reports the provisioning state and deposit address. It never provisions.
func (s *Service) GetAccount(ctx context.Context, userID string) (AccountView, error) {
	if err := validateUser(userID); err != nil {
		return AccountView{}, err
	}
	a, err := s.ledger.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return AccountView{State: ledger.StateNone}, nil
	}
	if err != nil {
		return AccountView{}, s.unavailable("get account", err)
	}
	v := AccountView{State: a.State}
	if a.HasDepositAddress() {
		v.Address = a.DepositAddress
	}
	return v, nil
}

type Balance struct {
	Balance decimal.Decimal
	Pending decimal.Decimal
}

// GetBalance scans for new deposits first, enqueues a sweep of anything credited and then
// returns the balances. A failing scan is logged and the stored balances are returned.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if err := validateUser(userID); err != nil {
		return Balance{}, err
	}
	res, err := s.scanner.Scan(ctx, userID)
	if err != nil {
		s.log.Warn("deposit scan failed", "user", userID, "err", err)
	} else if res.Credited() {
		s.enqueueSweep(ctx, res)
	}

	a, err := s.ledger.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return Balance{Balance: decimal.Zero, Pending: decimal.Zero}, nil
	}
	if err != nil {
		return Balance{}, s.unavailable("get balance", err)
	}
	return Balance{Balance: a.Balance, Pending: a.PendingWithdraw}, nil
}

// ScanDeposits scans every ready account and enqueues a sweep per credit. It returns how many
// accounts were credited.
func (s *Service) ScanDeposits(ctx context.Context) (int, error) {
	results, err := s.scanner.ScanAll(ctx)
	for _, res := range results {
		s.enqueueSweep(ctx, res)
	}
	return len(results), err
}

// enqueueSweep records and dispatches a sweep of exactly the credited amount. The id is
// derived from the scanned range, so a repeated enqueue of the same credit collapses onto one
// operation. A recorded sweep whose enqueue fails is picked up by Redispatch.
func (s *Service) enqueueSweep(ctx context.Context, res depositscan.Result) {
	id := tasks.Key("sweep", res.UserID, res.Address.Hex(), strconv.FormatUint(res.FromCursor, 10), strconv.FormatUint(res.Cursor, 10))
	req := settlement.SweepRequest{ID: id, UserID: res.UserID, From: res.Address, Amount: res.Amount}
	err := retry.Do(ctx, s.retry, isTransientRecord, func(ctx context.Context) error {
		_, err := s.settlements.RecordSweep(ctx, req)
		return err
	})
	if err != nil {
		// The task still carries the request; only Redispatch cannot see it.
		s.metrics.Settlement(string(settlement.KindSweep), "unrecorded")
		s.log.Error("record sweep failed", "user", res.UserID, "address", res.Address, "amount", res.Amount.String(), "id", id, "err", err)
	}
	if _, err := s.tasks.Enqueue(ctx, tasks.OpSweep, id, sweepPayload(req)); err != nil {
		s.log.Error("enqueue sweep failed", "user", res.UserID, "address", res.Address, "amount", res.Amount.String(), "id", id, "err", err)
		return
	}
	s.log.Info("sweep enqueued", "user", res.UserID, "amount", res.Amount.String(), "id", id)
}

// Redispatch enqueues again every settlement left unfinished for longer than RedispatchAfter,
// keyed by its id so the worker resumes the stored record. It returns how many it enqueued.
func (s *Service) Redispatch(ctx context.Context) (int, error) {
	ops, err := s.settlements.Stalled(ctx, s.now().Add(-s.redispatchAfter), s.redispatchLimit)
	if err != nil {
		return 0, fmt.Errorf("core: list stalled settlements: %w", err)
	}
	var errs []error
	n := 0
	for _, op := range ops {
		var (
			taskOp  string
			payload any
		)
		switch op.Kind {
		case settlement.KindWithdraw:
			taskOp = tasks.OpWithdraw
			payload = withdrawPayload(settlement.WithdrawRequest{ID: op.ID, UserID: op.UserID, To: op.To, Amount: op.Amount, Fee: op.Fee})
		case settlement.KindSweep:
			taskOp = tasks.OpSweep
			payload = sweepPayload(settlement.SweepRequest{ID: op.ID, UserID: op.UserID, From: op.From, Amount: op.Amount})
		default:
			continue
		}
		if _, err := s.tasks.Enqueue(ctx, taskOp, op.ID, payload); err != nil {
			errs = append(errs, fmt.Errorf("core: redispatch %s: %w", op.ID, err))
			continue
		}
		n++
		s.metrics.Settlement(string(op.Kind), "redispatched")
		s.log.Warn("settlement redispatched", "id", op.ID, "kind", op.Kind, "status", op.Status, "updated", op.UpdatedAt)
	}
	return n, errors.Join(errs...)
}

func sweepPayload(req settlement.SweepRequest) tasks.SweepPayload {
	return tasks.SweepPayload{
		ID:      req.ID,
		UserID:  req.UserID,
		Address: req.From.Hex(),
		Amount:  req.Amount.String(),
	}
}

func withdrawPayload(req settlement.WithdrawRequest) tasks.WithdrawPayload {
	return tasks.WithdrawPayload{
		ID:     req.ID,
		UserID: req.UserID,
		To:     req.To.Hex(),
		Amount: req.Amount.String(),
		Fee:    req.Fee.String(),
	}
}

// Tip moves amountEach from sender to every receiver.
func (s *Service) Tip(ctx context.Context, senderID string, receivers []string, amountEach decimal.Decimal) error {
	_, err := s.tips.Transfer(ctx, senderID, receivers, amountEach)
	if err != nil && !IsUserError(err) {
		return s.unavailable("tip", err)
	}
	return err
}

type WithdrawReceipt struct {
	ID     string
	To     common.Address
	Amount decimal.Decimal
	Fee    decimal.Decimal
}

// Withdraw holds amount+fee, records the withdrawal and enqueues the on-chain payment. A nil
// amount withdraws the whole balance minus the fee. Once the record exists the hold is never
// given back here: a failed enqueue is left to Redispatch and refunds go through
// reconciliation.
func (s *Service) Withdraw(ctx context.Context, userID, to string, amt *decimal.Decimal) (WithdrawReceipt, error) {
	if err := validateUser(userID); err != nil {
		return WithdrawReceipt{}, err
	}
	to = strings.TrimSpace(to)
	if !common.IsHexAddress(to) {
		return WithdrawReceipt{}, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	dest := common.HexToAddress(to)
	if err := s.settlements.CheckDestination(ctx, dest); err != nil {
		if errors.Is(err, ErrInvalidAddress) {
			return WithdrawReceipt{}, err
		}
		return WithdrawReceipt{}, s.unavailable("check destination", err)
	}

	var value decimal.Decimal
	if amt != nil {
		value = *amt
	} else {
		a, err := s.ledger.Get(ctx, userID)
		if errors.Is(err, ledger.ErrNotFound) {
			return WithdrawReceipt{}, fmt.Errorf("%w: empty balance", ErrInsufficientFunds)
		}
		if err != nil {
			return WithdrawReceipt{}, s.unavailable("get balance", err)
		}
		value = a.Balance.Sub(s.fee)
		if value.Sign() <= 0 {
			return WithdrawReceipt{}, fmt.Errorf("%w: balance %s does not cover fee %s", ErrInsufficientFunds, a.Balance, s.fee)
		}
	}
	if value.Sign() <= 0 {
		return WithdrawReceipt{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
	}
	if err := s.codec.Validate(value); err != nil {
		return WithdrawReceipt{}, err
	}

	total := value.Add(s.fee)
	err := retry.Do(ctx, s.retry, isConflict, func(ctx context.Context) error {
		_, err := s.ledger.MoveToPending(ctx, userID, total)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ledger.ErrNotFound) {
			return WithdrawReceipt{}, fmt.Errorf("%w: need %s", ErrInsufficientFunds, total)
		}
		return WithdrawReceipt{}, s.unavailable("hold withdrawal", err)
	}

	req := settlement.WithdrawRequest{ID: s.newID(), UserID: userID, To: dest, Amount: value, Fee: s.fee}
	if err := s.recordWithdraw(ctx, req, total); err != nil {
		return WithdrawReceipt{}, s.unavailable("record withdrawal", err)
	}
	s.metrics.Settlement(string(settlement.KindWithdraw), "requested")

	if _, err := s.tasks.Enqueue(ctx, tasks.OpWithdraw, req.ID, withdrawPayload(req)); err != nil {
		s.log.Warn("enqueue withdrawal failed, left for redispatch", "user", userID, "id", req.ID, "err", err)
	} else {
		s.log.Info("withdrawal queued", "user", userID, "id", req.ID, "to", dest, "amount", value.String(), "fee", s.fee.String())
	}
	return WithdrawReceipt{ID: req.ID, To: dest, Amount: value, Fee: s.fee}, nil
}

// recordWithdraw writes the queued record for a placed hold. When the write fails the hold
// goes back only if the record is known to be absent; if the store cannot tell, the hold stays
// and an operator has to settle it.
func (s *Service) recordWithdraw(ctx context.Context, req settlement.WithdrawRequest, total decimal.Decimal) error {
	err := retry.Do(ctx, s.retry, isTransientRecord, func(ctx context.Context) error {
		_, err := s.settlements.RecordWithdraw(ctx, req)
		return err
	})
	if err == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	_, lerr := s.settlements.Op(ctx, req.ID)
	switch {
	case lerr == nil:
		s.log.Warn("withdrawal recorded despite write error", "user", req.UserID, "id", req.ID, "err", err)
		return nil
	case errors.Is(lerr, settlement.ErrNotFound):
		if _, rerr := s.ledger.RestoreFromPending(ctx, req.UserID, total, "unrecorded:"+req.ID); rerr != nil {
			s.log.Error("restore unrecorded hold", "user", req.UserID, "id", req.ID, "total", total.String(), "err", rerr)
		}
	default:
		s.log.Error("withdrawal hold kept without a confirmed record", "user", req.UserID, "id", req.ID, "total", total.String(), "err", lerr)
	}
	return err
}

type ProvisionResult struct {
	State   ledger.State
	Address common.Address
	// Queued is true when this call started provisioning.
	Queued bool
}

// ProvisionAccount starts provisioning for a NONE account and returns the address of a
// READY one.
func (s *Service) ProvisionAccount(ctx context.Context, userID string) (ProvisionResult, error) {
	if err := validateUser(userID); err != nil {
		return ProvisionResult{}, err
	}
	a, err := s.ledger.Get(ctx, userID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return ProvisionResult{}, s.unavailable("get account", err)
	case a.State == ledger.StateReady:
		return ProvisionResult{State: a.State, Address: a.DepositAddress}, nil
	default:
		if err := ledger.ProvisioningGate(a.State); err != nil {
			return ProvisionResult{State: a.State}, err
		}
	}

	if _, err := s.provisioner.Provision(ctx, userID); err != nil {
		switch {
		case errors.Is(err, ErrProvisioningInProgress):
			return ProvisionResult{State: ledger.StateGenerating}, err
		case errors.Is(err, ErrProvisioningFailed):
			return ProvisionResult{State: ledger.StateError}, err
		default:
			return ProvisionResult{State: ledger.StateError}, s.unavailable("provision", err)
		}
	}
	return ProvisionResult{State: ledger.StateGenerating, Queued: true}, nil
}

// Acknowledge records that the user accepted the custody notice.
func (s *Service) Acknowledge(ctx context.Context, userID, username string) error {
	if err := validateUser(userID); err != nil {
		return err
	}
	if err := s.ledger.MarkNotified(ctx, userID, username); err != nil {
		return s.unavailable("acknowledge", err)
	}
	return nil
}

func (s *Service) Notified(ctx context.Context, userID string) (bool, error) {
	if err := validateUser(userID); err != nil {
		return false, err
	}
	a, err := s.ledger.Get(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.unavailable("notified", err)
	}
	return a.Notified, nil
}

// unavailable hides infrastructure errors behind ErrUnavailable after logging them.
func (s *Service) unavailable(op string, err error) error {
	if IsUserError(err) {
		return err
	}
	s.log.Error("core operation failed", "op", op, "err", err)
	if errors.Is(err, ErrStoreConflict) {
		return ErrStoreConflict
	}
	return ErrUnavailable
}

func validateUser(userID string) error {
	if err := ledger.ValidateUser(userID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, ledger.ErrStoreConflict)
}

func isTransientRecord(err error) bool {
	return !IsUserError(err) &&
		!errors.Is(err, settlement.ErrInvalidRequest) &&
		!errors.Is(err, settlement.ErrOpMismatch)
}
