// Package provision assigns custodial deposit addresses and authorizes the Custodian to pull
// tokens from them.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/tipledger/tipledger/internal/custody"
	"github.com/tipledger/tipledger/internal/erc20"
	"github.com/tipledger/tipledger/internal/eth"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/metrics"
	"github.com/tipledger/tipledger/internal/retry"
	"github.com/tipledger/tipledger/internal/tasks"
)

// gasTransferLimit is the intrinsic gas of a plain value transfer.
const gasTransferLimit = 21_000

var ErrInvalidConfig = errors.New("provision: invalid config")

type Keys interface {
	Generate(ctx context.Context) (common.Address, error)
	Signer(ctx context.Context, addr common.Address) (*custody.Signer, error)
}

// Chain is satisfied by *eth.Submitter.
type Chain interface {
	SendAndWait(ctx context.Context, signer eth.Signer, req eth.TxRequest) (eth.SendResult, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, op, key string, payload any) (tasks.Task, error)
}

type Config struct {
	Ledger ledger.Store
	Keys   Keys
	Chain  Chain
	Tasks  Enqueuer

	Token     common.Address
	Custodian common.Address

	// GasFunding is the native balance, in wei, a deposit address needs to send its approval.
	GasFunding *big.Int
	// AllowanceCeiling is the approved amount in base units. Defaults to 2^256-1.
	AllowanceCeiling *big.Int

	// ReadRetry governs retries of read-only chain calls.
	ReadRetry retry.Policy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Provisioner struct {
	ledger ledger.Store
	keys   Keys
	chain  Chain
	tasks  Enqueuer
	token  *erc20.Token

	custodian common.Address
	funding   *big.Int
	ceiling   *big.Int
	readRetry retry.Policy

	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config) (*Provisioner, error) {
	if cfg.Ledger == nil || cfg.Keys == nil || cfg.Chain == nil || cfg.Tasks == nil {
		return nil, fmt.Errorf("%w: nil ledger/keys/chain/tasks", ErrInvalidConfig)
	}
	if cfg.Custodian == (common.Address{}) {
		return nil, fmt.Errorf("%w: Custodian must be non-zero", ErrInvalidConfig)
	}
	if cfg.GasFunding == nil || cfg.GasFunding.Sign() <= 0 {
		return nil, fmt.Errorf("%w: GasFunding must be > 0", ErrInvalidConfig)
	}
	if cfg.AllowanceCeiling == nil {
		cfg.AllowanceCeiling = math.MaxBig256
	}
	if cfg.AllowanceCeiling.Sign() <= 0 || cfg.AllowanceCeiling.Cmp(math.MaxBig256) > 0 {
		return nil, fmt.Errorf("%w: AllowanceCeiling must be in (0, 2^256)", ErrInvalidConfig)
	}
	if cfg.ReadRetry.MaxAttempts == 0 {
		cfg.ReadRetry = retry.DefaultPolicy()
	}
	token, err := erc20.NewToken(cfg.Token, cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Provisioner{
		ledger:    cfg.Ledger,
		keys:      cfg.Keys,
		chain:     cfg.Chain,
		tasks:     cfg.Tasks,
		token:     token,
		custodian: cfg.Custodian,
		funding:   new(big.Int).Set(cfg.GasFunding),
		ceiling:   new(big.Int).Set(cfg.AllowanceCeiling),
		readRetry: cfg.ReadRetry,
		metrics:   cfg.Metrics,
		log:       log,
	}, nil
}

// Provision moves the account from NONE to GENERATING, creates and stores its key, and
// enqueues the on-chain completion. It returns the generated, not yet usable, address.
//
// A concurrent second call observes GENERATING and fails with
// ledger.ErrProvisioningInProgress without generating a key.
func (p *Provisioner) Provision(ctx context.Context, userID string) (common.Address, error) {
	if _, err := p.ledger.BeginProvisioning(ctx, userID); err != nil {
		return common.Address{}, err
	}
	p.metrics.Provisioning(ledger.StateGenerating.String())

	addr, err := p.keys.Generate(ctx)
	if err != nil {
		p.fail(ctx, userID, "generate key", err)
		return common.Address{}, fmt.Errorf("provision: generate key: %w", err)
	}
	if err := p.ledger.SetPendingAddress(ctx, userID, addr); err != nil {
		p.fail(ctx, userID, "record pending address", err)
		return common.Address{}, fmt.Errorf("provision: record pending address: %w", err)
	}

	payload := tasks.ProvisionPayload{UserID: userID, Address: addr.Hex()}
	if _, err := p.tasks.Enqueue(ctx, tasks.OpProvisionComplete, tasks.Key("provision", userID, addr.Hex()), payload); err != nil {
		p.fail(ctx, userID, "enqueue completion", err)
		return common.Address{}, fmt.Errorf("provision: enqueue: %w", err)
	}

	p.log.Info("provisioning started", "user", userID, "address", addr)
	return addr, nil
}

// Complete funds and authorizes addr, then marks the account READY. Any failure marks it
// ERROR, which is terminal. Redelivery after either outcome is a no-op.
func (p *Provisioner) Complete(ctx context.Context, userID string, addr common.Address) error {
	acct, err := p.ledger.Get(ctx, userID)
	if err != nil {
		return err
	}
	switch acct.State {
	case ledger.StateReady:
		if acct.DepositAddress == addr {
			return nil
		}
		return fmt.Errorf("%w: ready with %s, task for %s", ledger.ErrInvalidTransition, acct.DepositAddress, addr)
	case ledger.StateError:
		p.log.Warn("skip completion of failed provisioning", "user", userID, "address", addr)
		return nil
	case ledger.StateGenerating:
		if acct.PendingAddress != addr {
			return fmt.Errorf("%w: pending %s, task for %s", ledger.ErrInvalidTransition, acct.PendingAddress, addr)
		}
	default:
		return fmt.Errorf("%w: account is %s", ledger.ErrInvalidTransition, acct.State)
	}

	if err := p.Authorize(ctx, addr); err != nil {
		p.fail(ctx, userID, "authorize", err)
		return err
	}
	if _, err := p.ledger.MarkReady(ctx, userID, addr); err != nil {
		return fmt.Errorf("provision: mark ready: %w", err)
	}
	p.metrics.Provisioning(ledger.StateReady.String())
	p.log.Info("provisioning complete", "user", userID, "address", addr)
	return nil
}

// Authorize grants the Custodian a token allowance over addr, funding addr with gas first
// when it cannot pay for the approval. An allowance already at half the ceiling or more
// counts as authorized, so a retry after a confirmed approval sends nothing.
func (p *Provisioner) Authorize(ctx context.Context, addr common.Address) error {
	allowance, err := p.readBig(ctx, func(ctx context.Context) (*big.Int, error) {
		return p.token.Allowance(ctx, addr, p.custodian)
	})
	if err != nil {
		return fmt.Errorf("provision: read allowance: %w", err)
	}
	if allowance.Cmp(new(big.Int).Rsh(p.ceiling, 1)) >= 0 {
		p.log.Info("allowance already granted", "address", addr, "allowance", allowance)
		return nil
	}

	balance, err := p.readBig(ctx, func(ctx context.Context) (*big.Int, error) {
		return p.chain.BalanceAt(ctx, addr)
	})
	if err != nil {
		return fmt.Errorf("provision: read gas balance: %w", err)
	}
	if balance.Cmp(p.funding) < 0 {
		if err := p.fund(ctx, addr, new(big.Int).Sub(p.funding, balance)); err != nil {
			return err
		}
	}

	signer, err := p.keys.Signer(ctx, addr)
	if err != nil {
		return fmt.Errorf("provision: deposit signer: %w", err)
	}
	data, err := erc20.PackApprove(p.custodian, p.ceiling)
	if err != nil {
		return err
	}
	res, err := p.chain.SendAndWait(ctx, signer, eth.TxRequest{To: p.token.Address(), Data: data})
	if err != nil {
		return fmt.Errorf("provision: approve from %s: %w", addr, err)
	}
	p.log.Info("approval confirmed", "address", addr, "tx", res.TxHash)
	return nil
}

func (p *Provisioner) fund(ctx context.Context, addr common.Address, amount *big.Int) error {
	signer, err := p.keys.Signer(ctx, p.custodian)
	if err != nil {
		return fmt.Errorf("provision: custodian signer: %w", err)
	}
	res, err := p.chain.SendAndWait(ctx, signer, eth.TxRequest{To: addr, Value: amount, GasLimit: gasTransferLimit})
	if err != nil {
		return fmt.Errorf("provision: fund %s: %w", addr, err)
	}
	p.log.Info("gas funding confirmed", "address", addr, "wei", amount, "tx", res.TxHash)
	return nil
}

func (p *Provisioner) readBig(ctx context.Context, fn func(context.Context) (*big.Int, error)) (*big.Int, error) {
	var out *big.Int
	err := retry.Do(ctx, p.readRetry, nil, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Provisioner) fail(ctx context.Context, userID, step string, cause error) {
	p.metrics.Provisioning(ledger.StateError.String())
	p.log.Error("provisioning failed", "user", userID, "step", step, "err", cause)
	// The failure may be the caller's deadline; the ERROR mark must still land.
	if err := p.ledger.MarkError(context.WithoutCancel(ctx), userID); err != nil {
		p.log.Error("mark provisioning error", "user", userID, "err", err)
	}
}
