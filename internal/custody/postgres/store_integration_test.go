//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/tipledger/tipledger/internal/custody"
	"github.com/tipledger/tipledger/internal/pgtest"
)

func TestStore_WriteOnceKeys(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)
	pool := pgtest.Pool(t, ctx)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	v, err := custody.NewVault(custody.Config{
		Backend:    s,
		Passphrase: "integration",
		ScryptN:    keystore.LightScryptN,
		ScryptP:    keystore.LightScryptP,
	})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	addr, err := v.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rec, err := s.Get(ctx, addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Put(ctx, rec); !errors.Is(err, custody.ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	if _, err := v.Signer(ctx, addr); err != nil {
		t.Fatalf("Signer: %v", err)
	}
	if _, err := s.Get(ctx, common.HexToAddress("0x01")); !errors.Is(err, custody.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
