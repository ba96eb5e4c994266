package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tipledger/tipledger/internal/custody"
)

const testKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

func memoryOpener(t *testing.T, backend *custody.MemoryBackend) vaultOpener {
	t.Helper()
	return func(context.Context, string) (*custody.Vault, string, func(), error) {
		v, err := custody.NewVault(custody.Config{
			Backend:    backend,
			Passphrase: "pw",
			ScryptN:    keystore.LightScryptN,
			ScryptP:    keystore.LightScryptP,
		})
		if err != nil {
			return nil, "", nil, err
		}
		return v, "memory", func() {}, nil
	}
}

func noEnv(string) string { return "" }

func decode(t *testing.T, out *bytes.Buffer) output {
	t.Helper()
	var v output
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	return v
}

func TestRun_GeneratesKey(t *testing.T) {
	t.Parallel()

	backend := custody.NewMemoryBackend()
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, noEnv, memoryOpener(t, backend)); err != nil {
		t.Fatalf("run: %v", err)
	}
	v := decode(t, &out)
	if !v.Created || v.Imported || v.Backend != "memory" {
		t.Fatalf("output: %+v", v)
	}
	if _, err := backend.Get(context.Background(), common.HexToAddress(v.Address)); err != nil {
		t.Fatalf("stored key: %v", err)
	}
}

func TestRun_ImportIsIdempotent(t *testing.T) {
	t.Parallel()

	key, err := custody.ParseKeyHex(testKeyHex)
	if err != nil {
		t.Fatalf("ParseKeyHex: %v", err)
	}
	want := crypto.PubkeyToAddress(key.PublicKey).Hex()

	keyPath := filepath.Join(t.TempDir(), "custodian.key")
	if err := os.WriteFile(keyPath, []byte("0x"+testKeyHex+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	backend := custody.NewMemoryBackend()
	open := memoryOpener(t, backend)

	var first bytes.Buffer
	if err := run(context.Background(), []string{"-import-key-file", keyPath}, &first, noEnv, open); err != nil {
		t.Fatalf("run: %v", err)
	}
	v := decode(t, &first)
	if v.Address != want || !v.Imported || !v.Created {
		t.Fatalf("first import: got %+v want address %s created", v, want)
	}

	getenv := func(name string) string {
		if name == "CUSTODIAN_KEY" {
			return testKeyHex
		}
		return ""
	}
	var second bytes.Buffer
	if err := run(context.Background(), []string{"-import-key-env", "CUSTODIAN_KEY"}, &second, getenv, open); err != nil {
		t.Fatalf("run again: %v", err)
	}
	v = decode(t, &second)
	if v.Address != want || v.Created {
		t.Fatalf("second import: got %+v want existing %s", v, want)
	}
}

func TestRun_RejectsBadInput(t *testing.T) {
	t.Parallel()

	open := memoryOpener(t, custody.NewMemoryBackend())
	cases := []struct {
		name string
		args []string
	}{
		{name: "both sources", args: []string{"-import-key-file", "x", "-import-key-env", "Y"}},
		{name: "empty env", args: []string{"-import-key-env", "MISSING"}},
		{name: "unknown flag", args: []string{"-nope"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := run(context.Background(), tc.args, &out, noEnv, open); err == nil {
				t.Fatalf("expected error")
			}
			if out.Len() != 0 {
				t.Fatalf("unexpected output: %q", out.String())
			}
		})
	}

	getenv := func(string) string { return "0x1234" }
	var out bytes.Buffer
	err := run(context.Background(), []string{"-import-key-env", "K"}, &out, getenv, open)
	if !errors.Is(err, custody.ErrInvalidKey) {
		t.Fatalf("bad key: got %v want %v", err, custody.ErrInvalidKey)
	}
}
