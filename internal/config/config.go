// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Prefix is prepended to every variable name.
const Prefix = "TIPLEDGER_"

var ErrInvalidConfig = errors.New("config: invalid config")

type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	Chain   Chain   `envPrefix:"CHAIN_"`
	History History `envPrefix:"HISTORY_"`
	Custody Custody `envPrefix:"CUSTODY_"`
	Queue   Queue   `envPrefix:"QUEUE_"`
	Ledger  Ledger  `envPrefix:"LEDGER_"`
	API     API     `envPrefix:"API_"`
	Worker  Worker  `envPrefix:"WORKER_"`
}

type Chain struct {
	RPCURL        string         `env:"RPC_URL"`
	ChainID       uint64         `env:"ID"`
	Token         common.Address `env:"TOKEN"`
	TokenDecimals int32          `env:"TOKEN_DECIMALS" envDefault:"18"`
	Custodian     common.Address `env:"CUSTODIAN"`

	// GasFundingWei is the native balance a deposit address needs for its approval.
	GasFundingWei string `env:"GAS_FUNDING_WEI" envDefault:"100000000000000"`
	// AllowanceCeiling in base units; empty means 2^256-1.
	AllowanceCeiling string `env:"ALLOWANCE_CEILING"`

	GasLimitMultiplier float64       `env:"GAS_LIMIT_MULTIPLIER" envDefault:"1.2"`
	MinTipCapWei       string        `env:"MIN_TIP_CAP_WEI" envDefault:"1000000"`
	ReceiptPoll        time.Duration `env:"RECEIPT_POLL" envDefault:"2s"`
	ConfirmTimeout     time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"2m"`

	// MaxFeeCapWei bounds the per-gas fee cap of Custodian transactions. Empty means unbounded.
	MaxFeeCapWei string `env:"MAX_FEE_CAP_WEI"`
}

const (
	HistoryLogs      = "logs"
	HistoryEtherscan = "etherscan"
)

type History struct {
	Driver        string        `env:"DRIVER" envDefault:"logs"`
	EtherscanURL  string        `env:"ETHERSCAN_URL"`
	EtherscanKey  string        `env:"ETHERSCAN_API_KEY"`
	Confirmations uint64        `env:"CONFIRMATIONS" envDefault:"0"`
	MaxBlockRange uint64        `env:"MAX_BLOCK_RANGE" envDefault:"5000"`
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

const (
	CustodyPostgres = "postgres"
	CustodyS3       = "s3"
)

type Custody struct {
	Backend  string `env:"BACKEND" envDefault:"postgres"`
	S3Bucket string `env:"S3_BUCKET"`
	S3Prefix string `env:"S3_PREFIX"`

	// SecretsDriver selects where the passphrase is read from: env or aws.
	SecretsDriver string `env:"SECRETS_DRIVER" envDefault:"env"`
	// PassphraseKey names the env var or secret holding the key-encryption passphrase.
	PassphraseKey string `env:"PASSPHRASE_KEY" envDefault:"TIPLEDGER_KEY_PASSPHRASE"`
}

type Queue struct {
	Driver        string   `env:"DRIVER" envDefault:"kafka"`
	Brokers       []string `env:"BROKERS" envSeparator:","`
	Topic         string   `env:"TOPIC" envDefault:"tipledger.tasks.v1"`
	Group         string   `env:"GROUP" envDefault:"tipledger-worker"`
	RedisAddr     string   `env:"REDIS_ADDR"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	RedisDB       int      `env:"REDIS_DB" envDefault:"0"`
}

type Ledger struct {
	WithdrawFee decimal.Decimal `env:"WITHDRAW_FEE" envDefault:"0"`
	MinimumTip  decimal.Decimal `env:"MINIMUM_TIP" envDefault:"0.01"`
}

type API struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	// AuthToken is required unless AllowNoAuth is set.
	AuthToken   string `env:"AUTH_TOKEN"`
	AllowNoAuth bool   `env:"ALLOW_NO_AUTH"`

	MaxBodyBytes       int64         `env:"MAX_BODY_BYTES" envDefault:"65536"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	RateLimitPerSecond float64       `env:"RATE_LIMIT_PER_SECOND" envDefault:"20"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"40"`
}

type Worker struct {
	// ScanSchedule is a cron expression; empty disables scheduled deposit scans.
	ScanSchedule     string        `env:"SCAN_SCHEDULE" envDefault:"@every 1m"`
	HandlerTimeout   time.Duration `env:"HANDLER_TIMEOUT" envDefault:"5m"`
	MaxSweepAttempts int           `env:"MAX_SWEEP_ATTEMPTS" envDefault:"5"`
	// RedispatchAfter is how long a settlement may sit unfinished before a scheduled scan
	// enqueues it again.
	RedispatchAfter time.Duration `env:"REDISPATCH_AFTER" envDefault:"15m"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:"127.0.0.1:9090"`
}

// Load reads envFile when it is non-empty and then the process environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("%w: load %s: %v", ErrInvalidConfig, envFile, err)
		}
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// LoadFromMap parses vars without touching the process environment.
func LoadFromMap(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix, Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// ValidateCustody checks what key generation and signing need.
func (c Config) ValidateCustody() error {
	switch strings.ToLower(strings.TrimSpace(c.Custody.Backend)) {
	case CustodyPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("%w: %sPOSTGRES_DSN is required for the postgres custody backend", ErrInvalidConfig, Prefix)
		}
	case CustodyS3:
		if strings.TrimSpace(c.Custody.S3Bucket) == "" {
			return fmt.Errorf("%w: %sCUSTODY_S3_BUCKET is required for the s3 custody backend", ErrInvalidConfig, Prefix)
		}
	default:
		return fmt.Errorf("%w: unsupported custody backend %q", ErrInvalidConfig, c.Custody.Backend)
	}
	if strings.TrimSpace(c.Custody.PassphraseKey) == "" {
		return fmt.Errorf("%w: %sCUSTODY_PASSPHRASE_KEY is required", ErrInvalidConfig, Prefix)
	}
	return nil
}

// Validate checks everything the API and worker share.
func (c Config) Validate() error {
	if strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("%w: %sPOSTGRES_DSN is required", ErrInvalidConfig, Prefix)
	}
	if err := c.ValidateCustody(); err != nil {
		return err
	}
	ch := c.Chain
	if strings.TrimSpace(ch.RPCURL) == "" || ch.ChainID == 0 {
		return fmt.Errorf("%w: %sCHAIN_RPC_URL and %sCHAIN_ID are required", ErrInvalidConfig, Prefix, Prefix)
	}
	if ch.Token == (common.Address{}) || ch.Custodian == (common.Address{}) {
		return fmt.Errorf("%w: %sCHAIN_TOKEN and %sCHAIN_CUSTODIAN are required", ErrInvalidConfig, Prefix, Prefix)
	}
	if ch.TokenDecimals < 0 {
		return fmt.Errorf("%w: token decimals must be >= 0", ErrInvalidConfig)
	}
	if ch.GasLimitMultiplier < 1 {
		return fmt.Errorf("%w: gas limit multiplier must be >= 1", ErrInvalidConfig)
	}
	if ch.ReceiptPoll <= 0 || ch.ConfirmTimeout <= 0 {
		return fmt.Errorf("%w: receipt poll and confirm timeout must be > 0", ErrInvalidConfig)
	}
	if _, err := c.GasFunding(); err != nil {
		return err
	}
	if _, err := c.MinTipCap(); err != nil {
		return err
	}
	if _, err := c.MaxFeeCap(); err != nil {
		return err
	}
	if _, err := c.AllowanceCeiling(); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case HistoryLogs:
	case HistoryEtherscan:
		if strings.TrimSpace(c.History.EtherscanURL) == "" {
			return fmt.Errorf("%w: %sHISTORY_ETHERSCAN_URL is required for the etherscan driver", ErrInvalidConfig, Prefix)
		}
	default:
		return fmt.Errorf("%w: unsupported history driver %q", ErrInvalidConfig, c.History.Driver)
	}

	if strings.TrimSpace(c.Queue.Topic) == "" {
		return fmt.Errorf("%w: %sQUEUE_TOPIC is required", ErrInvalidConfig, Prefix)
	}
	if c.Ledger.WithdrawFee.IsNegative() {
		return fmt.Errorf("%w: withdraw fee must be >= 0", ErrInvalidConfig)
	}
	if c.Ledger.MinimumTip.Sign() <= 0 {
		return fmt.Errorf("%w: minimum tip must be > 0", ErrInvalidConfig)
	}
	return nil
}

// ValidateAPI adds the HTTP server's requirements to Validate.
func (c Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.API.ListenAddr) == "" {
		return fmt.Errorf("%w: %sAPI_LISTEN_ADDR is required", ErrInvalidConfig, Prefix)
	}
	if strings.TrimSpace(c.API.AuthToken) == "" && !c.API.AllowNoAuth {
		return fmt.Errorf("%w: %sAPI_AUTH_TOKEN is required (or set %sAPI_ALLOW_NO_AUTH=true)", ErrInvalidConfig, Prefix, Prefix)
	}
	return nil
}

// ValidateWorker adds the task worker's requirements to Validate.
func (c Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Worker.HandlerTimeout <= c.Chain.ConfirmTimeout {
		return fmt.Errorf("%w: worker handler timeout must exceed the chain confirm timeout", ErrInvalidConfig)
	}
	if c.Worker.MaxSweepAttempts <= 0 {
		return fmt.Errorf("%w: max sweep attempts must be > 0", ErrInvalidConfig)
	}
	if c.Worker.RedispatchAfter <= c.Worker.HandlerTimeout {
		return fmt.Errorf("%w: redispatch delay must exceed the worker handler timeout", ErrInvalidConfig)
	}
	return nil
}

func (c Config) GasFunding() (*big.Int, error) {
	return positiveBig("gas funding", c.Chain.GasFundingWei, false)
}

func (c Config) MinTipCap() (*big.Int, error) {
	return positiveBig("min tip cap", c.Chain.MinTipCapWei, true)
}

// MaxFeeCap returns nil when unset.
func (c Config) MaxFeeCap() (*big.Int, error) {
	if strings.TrimSpace(c.Chain.MaxFeeCapWei) == "" {
		return nil, nil
	}
	return positiveBig("max fee cap", c.Chain.MaxFeeCapWei, false)
}

// AllowanceCeiling returns nil when unset.
func (c Config) AllowanceCeiling() (*big.Int, error) {
	if strings.TrimSpace(c.Chain.AllowanceCeiling) == "" {
		return nil, nil
	}
	return positiveBig("allowance ceiling", c.Chain.AllowanceCeiling, false)
}

func (c Config) ChainID() *big.Int { return new(big.Int).SetUint64(c.Chain.ChainID) }

func positiveBig(name, s string, allowZero bool) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q is not a base-10 integer", ErrInvalidConfig, name, s)
	}
	if v.Sign() < 0 || (v.Sign() == 0 && !allowZero) {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
	}
	return v, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
