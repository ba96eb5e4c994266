// Package app assembles the ledger, custody, chain and queue components from Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/chainhistory"
	"github.com/tipledger/tipledger/internal/config"
	"github.com/tipledger/tipledger/internal/core"
	"github.com/tipledger/tipledger/internal/custody"
	custodypg "github.com/tipledger/tipledger/internal/custody/postgres"
	"github.com/tipledger/tipledger/internal/depositscan"
	"github.com/tipledger/tipledger/internal/eth"
	"github.com/tipledger/tipledger/internal/ledger"
	ledgerpg "github.com/tipledger/tipledger/internal/ledger/postgres"
	"github.com/tipledger/tipledger/internal/metrics"
	"github.com/tipledger/tipledger/internal/provision"
	"github.com/tipledger/tipledger/internal/queue"
	"github.com/tipledger/tipledger/internal/secrets"
	"github.com/tipledger/tipledger/internal/settlement"
	settlementpg "github.com/tipledger/tipledger/internal/settlement/postgres"
	"github.com/tipledger/tipledger/internal/tasks"
	"github.com/tipledger/tipledger/internal/tip"
)

// App holds every long-lived component of a service process.
type App struct {
	Config  config.Config
	Log     *slog.Logger
	Metrics *metrics.Metrics
	Codec   amount.Codec

	Pool     *pgxpool.Pool
	RPC      *ethclient.Client
	Producer queue.Producer

	Ledger      ledger.Store
	Vault       *custody.Vault
	Submitter   *eth.Submitter
	Engine      *settlement.Engine
	Provisioner *provision.Provisioner
	Scanner     *depositscan.Scanner
	Core        *core.Service
}

// Open connects to Postgres, the RPC node and the queue, ensures schemas, and builds the
// component graph. The caller must Close the result.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Codec, err = amount.NewCodec(cfg.Chain.TokenDecimals); err != nil {
		return nil, err
	}

	if a.Pool, err = pgxpool.New(ctx, cfg.PostgresDSN); err != nil {
		return nil, fmt.Errorf("app: init pgx pool: %w", err)
	}
	ledgerStore, err := ledgerpg.New(a.Pool)
	if err != nil {
		return nil, err
	}
	if err := ledgerStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("app: ensure ledger schema: %w", err)
	}
	a.Ledger = ledgerStore
	opsStore, err := settlementpg.New(a.Pool)
	if err != nil {
		return nil, err
	}
	if err := opsStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("app: ensure settlement schema: %w", err)
	}

	if a.Vault, err = OpenVault(ctx, cfg, a.Pool, log); err != nil {
		return nil, err
	}

	if a.RPC, err = ethclient.DialContext(ctx, cfg.Chain.RPCURL); err != nil {
		return nil, fmt.Errorf("app: dial rpc: %w", err)
	}
	minTip, err := cfg.MinTipCap()
	if err != nil {
		return nil, err
	}
	maxFee, err := cfg.MaxFeeCap()
	if err != nil {
		return nil, err
	}
	a.Submitter, err = eth.NewSubmitter(a.RPC, eth.SubmitterConfig{
		ChainID:             cfg.ChainID(),
		GasLimitMultiplier:  cfg.Chain.GasLimitMultiplier,
		MinTipCap:           minTip,
		MaxFeeCap:           maxFee,
		ReceiptPollInterval: cfg.Chain.ReceiptPoll,
		ConfirmTimeout:      cfg.Chain.ConfirmTimeout,
		Logger:              log,
	})
	if err != nil {
		return nil, err
	}

	history, err := openHistory(cfg, a.RPC)
	if err != nil {
		return nil, err
	}

	if a.Producer, err = queue.NewProducer(queue.ProducerConfig{
		Driver:        cfg.Queue.Driver,
		Brokers:       cfg.Queue.Brokers,
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.RedisDB,
	}); err != nil {
		return nil, fmt.Errorf("app: init queue producer: %w", err)
	}
	dispatcher, err := tasks.NewDispatcher(a.Producer, cfg.Queue.Topic, time.Now)
	if err != nil {
		return nil, err
	}

	if a.Engine, err = settlement.New(settlement.Config{
		Ledger:           a.Ledger,
		Ops:              opsStore,
		Keys:             a.Vault,
		Chain:            a.Submitter,
		Codec:            a.Codec,
		Token:            cfg.Chain.Token,
		Custodian:        cfg.Chain.Custodian,
		MaxSweepAttempts: cfg.Worker.MaxSweepAttempts,
		Metrics:          a.Metrics,
		Logger:           log,
	}); err != nil {
		return nil, err
	}

	funding, err := cfg.GasFunding()
	if err != nil {
		return nil, err
	}
	ceiling, err := cfg.AllowanceCeiling()
	if err != nil {
		return nil, err
	}
	if a.Provisioner, err = provision.New(provision.Config{
		Ledger:           a.Ledger,
		Keys:             a.Vault,
		Chain:            a.Submitter,
		Tasks:            dispatcher,
		Token:            cfg.Chain.Token,
		Custodian:        cfg.Chain.Custodian,
		GasFunding:       funding,
		AllowanceCeiling: ceiling,
		Metrics:          a.Metrics,
		Logger:           log,
	}); err != nil {
		return nil, err
	}

	if a.Scanner, err = depositscan.New(depositscan.Config{
		Ledger:  a.Ledger,
		History: history,
		Codec:   a.Codec,
		Metrics: a.Metrics,
		Logger:  log,
	}); err != nil {
		return nil, err
	}

	tips, err := tip.New(tip.Config{
		Ledger:  a.Ledger,
		Codec:   a.Codec,
		Minimum: cfg.Ledger.MinimumTip,
		Metrics: a.Metrics,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	if a.Core, err = core.New(core.Config{
		Ledger:          a.Ledger,
		Scanner:         a.Scanner,
		Provisioner:     a.Provisioner,
		Tips:            tips,
		Settlements:     a.Engine,
		Tasks:           dispatcher,
		Codec:           a.Codec,
		WithdrawFee:     cfg.Ledger.WithdrawFee,
		RedispatchAfter: cfg.Worker.RedispatchAfter,
		Metrics:         a.Metrics,
		Logger:          log,
	}); err != nil {
		return nil, err
	}

	// Every settlement is signed by the Custodian; fail at startup rather than on first use.
	if ok, err := a.Vault.Has(ctx, cfg.Chain.Custodian); err != nil {
		return nil, fmt.Errorf("app: look up custodian key: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("app: custodian %s has no key in custody; run custodian-keygen", cfg.Chain.Custodian)
	}
	return a, nil
}

// Handlers returns the task handlers served by a worker.
func (a *App) Handlers() map[string]tasks.Handler {
	return core.WorkerHandlers(a.Provisioner, a.Engine, a.Codec)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil && a.Log != nil {
			a.Log.Warn("close queue producer", "err", err)
		}
	}
	if a.RPC != nil {
		a.RPC.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// OpenVault builds the key custody vault on the configured backend. pool may be nil for
// the s3 backend.
func OpenVault(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, log *slog.Logger) (*custody.Vault, error) {
	provider, err := secrets.New(ctx, cfg.Custody.SecretsDriver)
	if err != nil {
		return nil, err
	}
	passphrase, err := provider.Get(ctx, cfg.Custody.PassphraseKey)
	if err != nil {
		return nil, fmt.Errorf("app: read key passphrase: %w", err)
	}

	var backend custody.Backend
	switch strings.ToLower(strings.TrimSpace(cfg.Custody.Backend)) {
	case config.CustodyPostgres:
		if pool == nil {
			return nil, errors.New("app: postgres custody backend needs a pool")
		}
		store, err := custodypg.New(pool)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("app: ensure custody schema: %w", err)
		}
		backend = store
	case config.CustodyS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load aws config: %w", err)
		}
		backend, err = custody.NewS3Backend(custody.S3Config{
			Bucket: cfg.Custody.S3Bucket,
			Prefix: cfg.Custody.S3Prefix,
			Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported custody backend %q", config.ErrInvalidConfig, cfg.Custody.Backend)
	}

	return custody.NewVault(custody.Config{
		Backend:    backend,
		Passphrase: passphrase,
		Logger:     log,
	})
}

func openHistory(cfg config.Config, rpc *ethclient.Client) (chainhistory.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.History.Driver)) {
	case config.HistoryEtherscan:
		return chainhistory.NewEtherscan(cfg.History.EtherscanURL, cfg.History.EtherscanKey, cfg.Chain.Token,
			chainhistory.WithTimeout(cfg.History.Timeout),
			chainhistory.WithMinConfirmations(cfg.History.Confirmations),
		)
	default:
		return chainhistory.NewLogs(rpc, chainhistory.LogsConfig{
			Token:         cfg.Chain.Token,
			Confirmations: cfg.History.Confirmations,
			MaxBlockRange: cfg.History.MaxBlockRange,
		})
	}
}
