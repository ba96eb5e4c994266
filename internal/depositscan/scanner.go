// Package depositscan credits on-chain token deposits to ledger accounts.
package depositscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/chainhistory"
	"github.com/tipledger/tipledger/internal/erc20"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/metrics"
)

var ErrInvalidConfig = errors.New("depositscan: invalid config")

type Config struct {
	Ledger  ledger.Store
	History chainhistory.Source
	Codec   amount.Codec

	// PageSize bounds how many ready accounts ScanAll loads at once. Defaults to 100.
	PageSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Scanner struct {
	ledger   ledger.Store
	history  chainhistory.Source
	codec    amount.Codec
	pageSize int
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// Result describes one scan. Amount is zero when nothing new was credited.
type Result struct {
	UserID     string
	Address    common.Address
	Amount     decimal.Decimal
	FromCursor uint64
	Cursor     uint64
	Transfers  int
}

func (r Result) Credited() bool { return r.Amount.Sign() > 0 }

func New(cfg Config) (*Scanner, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("%w: nil history source", ErrInvalidConfig)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scanner{
		ledger:   cfg.Ledger,
		history:  cfg.History,
		codec:    cfg.Codec,
		pageSize: cfg.PageSize,
		metrics:  cfg.Metrics,
		log:      log,
	}, nil
}

// Scan credits transfers to the user's deposit address above its block cursor.
//
// The credit and the cursor advance commit together. When another scan advanced the cursor
// first, Scan credits nothing and returns a zero Result.
func (s *Scanner) Scan(ctx context.Context, userID string) (Result, error) {
	acct, err := s.ledger.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Result{UserID: userID, Amount: decimal.Zero}, nil
		}
		return Result{}, err
	}
	return s.scanAccount(ctx, acct)
}

func (s *Scanner) scanAccount(ctx context.Context, acct ledger.Account) (Result, error) {
	res := Result{
		UserID:     acct.UserID,
		Address:    acct.DepositAddress,
		Amount:     decimal.Zero,
		FromCursor: acct.BlockCursor,
		Cursor:     acct.BlockCursor,
	}
	if !acct.HasDepositAddress() {
		return res, nil
	}

	transfers, through, err := s.list(ctx, acct)
	if err != nil {
		s.metrics.DepositScan("error")
		return Result{}, fmt.Errorf("depositscan: list transfers for %s: %w", acct.DepositAddress, err)
	}

	sum := new(big.Int)
	maxBlock := max(acct.BlockCursor, through)
	for _, t := range transfers {
		// The source filters already; re-check recipient and range.
		if t.To != acct.DepositAddress || t.BlockNumber <= acct.BlockCursor || t.Value == nil || t.Value.Sign() <= 0 {
			continue
		}
		sum.Add(sum, t.Value)
		res.Transfers++
		if t.BlockNumber > maxBlock {
			maxBlock = t.BlockNumber
		}
	}
	if sum.Sign() == 0 {
		if maxBlock > acct.BlockCursor {
			return s.advance(ctx, acct, maxBlock, res)
		}
		s.metrics.DepositScan("empty")
		return res, nil
	}

	credit := s.codec.FromBaseUnits(sum)
	updated, err := s.ledger.CreditDeposit(ctx, acct.UserID, credit, acct.BlockCursor, maxBlock)
	if err != nil {
		if errors.Is(err, ledger.ErrStoreConflict) {
			s.metrics.DepositScan("raced")
			s.log.Info("deposit scan lost cursor race", "user", acct.UserID, "cursor", acct.BlockCursor)
			res.Transfers = 0
			return res, nil
		}
		s.metrics.DepositScan("error")
		return Result{}, err
	}

	s.metrics.DepositScan("credited")
	s.metrics.DepositCredited()
	s.log.Info("credited deposit",
		"user", acct.UserID,
		"address", acct.DepositAddress,
		"amount", credit.String(),
		"from_block", acct.BlockCursor,
		"to_block", updated.BlockCursor,
		"transfers", res.Transfers,
	)
	res.Amount = credit
	res.Cursor = updated.BlockCursor
	return res, nil
}

func (s *Scanner) list(ctx context.Context, acct ledger.Account) ([]erc20.Transfer, uint64, error) {
	if rs, ok := s.history.(chainhistory.RangeSource); ok {
		return rs.ListTransfersThrough(ctx, acct.DepositAddress, acct.BlockCursor)
	}
	transfers, err := s.history.ListTransfers(ctx, acct.DepositAddress, acct.BlockCursor)
	return transfers, acct.BlockCursor, err
}

// advance moves the cursor past a range that held no deposits.
func (s *Scanner) advance(ctx context.Context, acct ledger.Account, to uint64, res Result) (Result, error) {
	updated, err := s.ledger.AdvanceCursor(ctx, acct.UserID, acct.BlockCursor, to)
	if err != nil {
		if errors.Is(err, ledger.ErrStoreConflict) {
			s.metrics.DepositScan("raced")
			res.Transfers = 0
			return res, nil
		}
		s.metrics.DepositScan("error")
		return Result{}, err
	}
	s.metrics.DepositScan("advanced")
	s.log.Debug("advanced scan cursor", "user", acct.UserID, "from_block", acct.BlockCursor, "to_block", updated.BlockCursor)
	res.Cursor = updated.BlockCursor
	return res, nil
}

// ScanAll scans every ready account and returns the results that credited something.
// Per-account failures are logged and skipped; the first one is returned after the sweep.
func (s *Scanner) ScanAll(ctx context.Context) ([]Result, error) {
	var (
		out      []Result
		firstErr error
		after    string
	)
	for {
		page, err := s.ledger.ListReady(ctx, after, s.pageSize)
		if err != nil {
			return out, err
		}
		for _, acct := range page {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			res, err := s.scanAccount(ctx, acct)
			if err != nil {
				s.log.Error("deposit scan failed", "user", acct.UserID, "err", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if res.Credited() {
				out = append(out, res)
			}
		}
		if len(page) < s.pageSize {
			return out, firstErr
		}
		after = page[len(page)-1].UserID
	}
}
