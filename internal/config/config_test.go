package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func validVars() map[string]string {
	return map[string]string{
		"TIPLEDGER_POSTGRES_DSN":    "postgres://u:p@localhost:5432/tipledger",
		"TIPLEDGER_CHAIN_RPC_URL":   "http://127.0.0.1:8545",
		"TIPLEDGER_CHAIN_ID":        "8453",
		"TIPLEDGER_CHAIN_TOKEN":     "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		"TIPLEDGER_CHAIN_CUSTODIAN": "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1",
		"TIPLEDGER_API_AUTH_TOKEN":  "secret",
	}
}

func TestLoadFromMap_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromMap(validVars())
	if err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		t.Fatalf("ValidateAPI: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("ValidateWorker: %v", err)
	}
	if cfg.Chain.Token != common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913") {
		t.Fatalf("token: got %s", cfg.Chain.Token)
	}
	if cfg.Chain.TokenDecimals != 18 || cfg.Chain.ConfirmTimeout != 2*time.Minute {
		t.Fatalf("chain defaults: %+v", cfg.Chain)
	}
	if cfg.Queue.Driver != "kafka" || cfg.Queue.Topic != "tipledger.tasks.v1" {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if !cfg.Ledger.MinimumTip.Equal(decimal.RequireFromString("0.01")) || !cfg.Ledger.WithdrawFee.IsZero() {
		t.Fatalf("ledger defaults: %+v", cfg.Ledger)
	}
	if cfg.Worker.ScanSchedule != "@every 1m" {
		t.Fatalf("scan schedule: got %q", cfg.Worker.ScanSchedule)
	}
	if ceil, err := cfg.AllowanceCeiling(); err != nil || ceil != nil {
		t.Fatalf("AllowanceCeiling: got %v, %v want nil, nil", ceil, err)
	}
	if maxFee, err := cfg.MaxFeeCap(); err != nil || maxFee != nil {
		t.Fatalf("MaxFeeCap: got %v, %v want nil, nil", maxFee, err)
	}
	if cfg.ChainID().Uint64() != 8453 {
		t.Fatalf("ChainID: got %s", cfg.ChainID())
	}
}

func TestLoadFromMap_Overrides(t *testing.T) {
	t.Parallel()

	vars := validVars()
	vars["TIPLEDGER_QUEUE_BROKERS"] = "k1:9092, k2:9092"
	vars["TIPLEDGER_LEDGER_WITHDRAW_FEE"] = "0.25"
	vars["TIPLEDGER_CUSTODY_BACKEND"] = "s3"
	vars["TIPLEDGER_CUSTODY_S3_BUCKET"] = "keys"
	vars["TIPLEDGER_LOG_LEVEL"] = "debug"
	vars["TIPLEDGER_CHAIN_MAX_FEE_CAP_WEI"] = "50000000000"

	cfg, err := LoadFromMap(vars)
	if err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	if len(cfg.Queue.Brokers) != 2 {
		t.Fatalf("brokers: got %v", cfg.Queue.Brokers)
	}
	if !cfg.Ledger.WithdrawFee.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("fee: got %s", cfg.Ledger.WithdrawFee)
	}
	if err := cfg.ValidateCustody(); err != nil {
		t.Fatalf("ValidateCustody: %v", err)
	}
	if maxFee, err := cfg.MaxFeeCap(); err != nil || maxFee.String() != "50000000000" {
		t.Fatalf("MaxFeeCap: got %v, %v", maxFee, err)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level: got %v", cfg.SlogLevel())
	}
}

func TestLoadFromMap_BadValues(t *testing.T) {
	t.Parallel()

	for name, kv := range map[string][2]string{
		"address":  {"TIPLEDGER_CHAIN_TOKEN", "not-an-address"},
		"duration": {"TIPLEDGER_CHAIN_CONFIRM_TIMEOUT", "soon"},
		"decimal":  {"TIPLEDGER_LEDGER_MINIMUM_TIP", "one"},
	} {
		vars := validVars()
		vars[kv[0]] = kv[1]
		if _, err := LoadFromMap(vars); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]func(map[string]string){
		"missing dsn":         func(m map[string]string) { delete(m, "TIPLEDGER_POSTGRES_DSN") },
		"missing custodian":   func(m map[string]string) { delete(m, "TIPLEDGER_CHAIN_CUSTODIAN") },
		"bad gas funding":     func(m map[string]string) { m["TIPLEDGER_CHAIN_GAS_FUNDING_WEI"] = "0" },
		"negative fee":        func(m map[string]string) { m["TIPLEDGER_LEDGER_WITHDRAW_FEE"] = "-1" },
		"zero minimum":        func(m map[string]string) { m["TIPLEDGER_LEDGER_MINIMUM_TIP"] = "0" },
		"unknown history":     func(m map[string]string) { m["TIPLEDGER_HISTORY_DRIVER"] = "graph" },
		"etherscan no url":    func(m map[string]string) { m["TIPLEDGER_HISTORY_DRIVER"] = "etherscan" },
		"unknown custody":     func(m map[string]string) { m["TIPLEDGER_CUSTODY_BACKEND"] = "vault" },
		"s3 without bucket":   func(m map[string]string) { m["TIPLEDGER_CUSTODY_BACKEND"] = "s3" },
		"multiplier below 1":  func(m map[string]string) { m["TIPLEDGER_CHAIN_GAS_LIMIT_MULTIPLIER"] = "0.5" },
		"bad allowance limit": func(m map[string]string) { m["TIPLEDGER_CHAIN_ALLOWANCE_CEILING"] = "-5" },
		"zero fee ceiling":    func(m map[string]string) { m["TIPLEDGER_CHAIN_MAX_FEE_CAP_WEI"] = "0" },
	}
	for name, mutate := range cases {
		vars := validVars()
		mutate(vars)
		cfg, err := LoadFromMap(vars)
		if err != nil {
			t.Fatalf("%s: LoadFromMap: %v", name, err)
		}
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestValidateAPI_RequiresAuthUnlessAllowed(t *testing.T) {
	t.Parallel()

	vars := validVars()
	delete(vars, "TIPLEDGER_API_AUTH_TOKEN")
	cfg, err := LoadFromMap(vars)
	if err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	if err := cfg.ValidateAPI(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg.API.AllowNoAuth = true
	if err := cfg.ValidateAPI(); err != nil {
		t.Fatalf("ValidateAPI: %v", err)
	}
}

func TestValidateWorker_HandlerTimeoutCoversConfirmation(t *testing.T) {
	t.Parallel()

	vars := validVars()
	vars["TIPLEDGER_WORKER_HANDLER_TIMEOUT"] = "1m"
	cfg, err := LoadFromMap(vars)
	if err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	if err := cfg.ValidateWorker(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateWorker_RedispatchWaitsOutHandlers(t *testing.T) {
	t.Parallel()

	vars := validVars()
	vars["TIPLEDGER_WORKER_REDISPATCH_AFTER"] = "5m"
	cfg, err := LoadFromMap(vars)
	if err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	if err := cfg.ValidateWorker(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	vars["TIPLEDGER_WORKER_REDISPATCH_AFTER"] = "30m"
	if cfg, err = LoadFromMap(vars); err != nil {
		t.Fatalf("LoadFromMap: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("ValidateWorker: %v", err)
	}
}

func TestLoad_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "TIPLEDGER_POSTGRES_DSN=postgres://from-file\nTIPLEDGER_QUEUE_TOPIC=file-topic\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("TIPLEDGER_QUEUE_TOPIC", "env-topic")
	// Load sets variables from the file; make sure they are cleared afterwards.
	t.Setenv("TIPLEDGER_POSTGRES_DSN", "")
	if err := os.Unsetenv("TIPLEDGER_POSTGRES_DSN"); err != nil {
		t.Fatalf("Unsetenv: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PostgresDSN != "postgres://from-file" {
		t.Fatalf("dsn: got %q", cfg.PostgresDSN)
	}
	if cfg.Queue.Topic != "env-topic" {
		t.Fatalf("topic: got %q want env-topic", cfg.Queue.Topic)
	}

	if _, err := Load(filepath.Join(dir, "missing.env")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing file: expected ErrInvalidConfig, got %v", err)
	}
}
