// Package tip moves value between ledger accounts.
package tip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/metrics"
	"github.com/tipledger/tipledger/internal/retry"
)

var (
	ErrInvalidConfig = errors.New("tip: invalid config")
	ErrBelowMinimum  = errors.New("tip: amount below minimum")
	ErrNoReceivers   = errors.New("tip: no receivers")
	ErrSelfTransfer  = errors.New("tip: sender cannot tip themselves")
)

type Config struct {
	Ledger ledger.Store
	Codec  amount.Codec
	// Minimum is the smallest amount per receiver.
	Minimum decimal.Decimal
	// Retry governs retries on ledger.ErrStoreConflict.
	Retry retry.Policy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Processor struct {
	ledger  ledger.Store
	codec   amount.Codec
	minimum decimal.Decimal
	retry   retry.Policy
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) (*Processor, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if cfg.Minimum.Sign() <= 0 {
		return nil, fmt.Errorf("%w: Minimum must be > 0", ErrInvalidConfig)
	}
	if err := cfg.Codec.Validate(cfg.Minimum); err != nil {
		return nil, fmt.Errorf("%w: Minimum: %v", ErrInvalidConfig, err)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Processor{
		ledger:  cfg.Ledger,
		codec:   cfg.Codec,
		minimum: cfg.Minimum,
		retry:   cfg.Retry,
		metrics: cfg.Metrics,
		log:     log,
	}, nil
}

func (p *Processor) Minimum() decimal.Decimal { return p.minimum }

// Transfer debits sender by amountEach times the number of distinct receivers and credits each
// receiver, in one ledger transaction. Receivers without an account get one. Repeated
// receivers are credited once and the sender is left out; ErrSelfTransfer is returned only
// when nobody else remains.
func (p *Processor) Transfer(ctx context.Context, senderID string, receivers []string, amountEach decimal.Decimal) (ledger.Account, error) {
	if err := p.codec.Validate(amountEach); err != nil {
		p.metrics.Tip("rejected")
		return ledger.Account{}, err
	}
	if amountEach.LessThan(p.minimum) {
		p.metrics.Tip("rejected")
		return ledger.Account{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amountEach, p.minimum)
	}
	credits, err := buildCredits(senderID, receivers, amountEach)
	if err != nil {
		p.metrics.Tip("rejected")
		return ledger.Account{}, err
	}

	var sender ledger.Account
	err = retry.Do(ctx, p.retry, isConflict, func(ctx context.Context) error {
		a, err := p.ledger.Transfer(ctx, senderID, credits)
		if err != nil {
			return err
		}
		sender = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			p.metrics.Tip("insufficient")
		} else {
			p.metrics.Tip("error")
		}
		return ledger.Account{}, err
	}

	p.metrics.Tip("ok")
	p.log.Info("tip applied",
		"sender", senderID,
		"receivers", len(credits),
		"amount_each", amountEach.String(),
		"total", amountEach.Mul(decimal.NewFromInt(int64(len(credits)))).String(),
	)
	return sender, nil
}

func buildCredits(senderID string, receivers []string, amountEach decimal.Decimal) ([]ledger.Credit, error) {
	if err := ledger.ValidateUser(senderID); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(receivers))
	credits := make([]ledger.Credit, 0, len(receivers))
	self := false
	for _, r := range receivers {
		if err := ledger.ValidateUser(r); err != nil {
			return nil, err
		}
		// The sender is skipped, not charged.
		if r == senderID {
			self = true
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		credits = append(credits, ledger.Credit{UserID: r, Amount: amountEach})
	}
	if len(credits) == 0 {
		if self {
			return nil, ErrSelfTransfer
		}
		return nil, ErrNoReceivers
	}
	return credits, nil
}

func isConflict(err error) bool {
	return errors.Is(err, ledger.ErrStoreConflict)
}
