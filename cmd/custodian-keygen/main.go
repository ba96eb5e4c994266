package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tipledger/tipledger/internal/app"
	"github.com/tipledger/tipledger/internal/config"
	"github.com/tipledger/tipledger/internal/custody"
)

type output struct {
	Address  string `json:"address"`
	Imported bool   `json:"imported"`
	Created  bool   `json:"created"`
	Backend  string `json:"backend"`
}

// vaultOpener returns the vault, the backend name it uses and a release func.
type vaultOpener func(ctx context.Context, envFile string) (*custody.Vault, string, func(), error)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Getenv, openVault); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, getenv func(string) string, open vaultOpener) error {
	fs := flag.NewFlagSet("custodian-keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	envFile := fs.String("env-file", "", "optional .env file loaded before the environment")
	importFile := fs.String("import-key-file", "", "import the hex private key stored in this file instead of generating one")
	importEnv := fs.String("import-key-env", "", "import the hex private key held by this environment variable")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *importFile != "" && *importEnv != "" {
		return errors.New("use at most one of -import-key-file and -import-key-env")
	}

	var keyHex string
	switch {
	case *importFile != "":
		b, err := os.ReadFile(*importFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		keyHex = string(b)
	case *importEnv != "":
		keyHex = getenv(*importEnv)
		if strings.TrimSpace(keyHex) == "" {
			return fmt.Errorf("%s is empty", *importEnv)
		}
	}

	vault, backend, release, err := open(ctx, *envFile)
	if err != nil {
		return err
	}
	defer release()

	res := output{Backend: backend}
	if keyHex == "" {
		addr, err := vault.Generate(ctx)
		if err != nil {
			return err
		}
		res.Address, res.Created = addr.Hex(), true
	} else {
		key, err := custody.ParseKeyHex(keyHex)
		if err != nil {
			return err
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		_, err = vault.Import(ctx, key)
		switch {
		case errors.Is(err, custody.ErrKeyExists):
		case err != nil:
			return err
		default:
			res.Created = true
		}
		res.Address, res.Imported = addr.Hex(), true
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func openVault(ctx context.Context, envFile string) (*custody.Vault, string, func(), error) {
	cfg, err := config.Load(envFile)
	if err == nil {
		err = cfg.ValidateCustody()
	}
	if err != nil {
		return nil, "", nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	var pool *pgxpool.Pool
	if strings.EqualFold(strings.TrimSpace(cfg.Custody.Backend), config.CustodyPostgres) {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, "", nil, fmt.Errorf("connect postgres: %w", err)
		}
	}
	release := func() {
		if pool != nil {
			pool.Close()
		}
	}
	vault, err := app.OpenVault(ctx, cfg, pool, log)
	if err != nil {
		release()
		return nil, "", nil, err
	}
	return vault, cfg.Custody.Backend, release, nil
}
