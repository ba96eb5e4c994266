//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/pgtest"
)

func TestStore_LedgerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	pool := pgtest.Pool(t, ctx)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Idempotent.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema #2: %v", err)
	}

	d := decimal.RequireFromString
	addr := common.HexToAddress("0x0000000000000000000000000000000000000456")

	if _, err := s.BeginProvisioning(ctx, "A"); err != nil {
		t.Fatalf("BeginProvisioning: %v", err)
	}
	if _, err := s.BeginProvisioning(ctx, "A"); !errors.Is(err, ledger.ErrProvisioningInProgress) {
		t.Fatalf("expected ErrProvisioningInProgress, got %v", err)
	}
	if err := s.SetPendingAddress(ctx, "A", addr); err != nil {
		t.Fatalf("SetPendingAddress: %v", err)
	}
	a, err := s.MarkReady(ctx, "A", addr)
	if err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if a.State != ledger.StateReady || a.DepositAddress != addr {
		t.Fatalf("MarkReady: got %+v", a)
	}

	a, err = s.CreditDeposit(ctx, "A", d("12"), 0, 100)
	if err != nil {
		t.Fatalf("CreditDeposit: %v", err)
	}
	if !a.Balance.Equal(d("12")) || a.BlockCursor != 100 {
		t.Fatalf("CreditDeposit: got balance=%s cursor=%d", a.Balance, a.BlockCursor)
	}
	if _, err := s.CreditDeposit(ctx, "A", d("12"), 0, 100); !errors.Is(err, ledger.ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict, got %v", err)
	}
	a, err = s.AdvanceCursor(ctx, "A", 100, 150)
	if err != nil {
		t.Fatalf("AdvanceCursor: %v", err)
	}
	if a.BlockCursor != 150 || !a.Balance.Equal(d("12")) {
		t.Fatalf("AdvanceCursor: got balance=%s cursor=%d", a.Balance, a.BlockCursor)
	}
	if _, err := s.AdvanceCursor(ctx, "A", 100, 160); !errors.Is(err, ledger.ErrStoreConflict) {
		t.Fatalf("expected ErrStoreConflict, got %v", err)
	}

	a, err = s.Transfer(ctx, "A", []ledger.Credit{{UserID: "B", Amount: d("5")}, {UserID: "C", Amount: d("5")}})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !a.Balance.Equal(d("2")) {
		t.Fatalf("sender balance: got %s want 2", a.Balance)
	}
	if _, err := s.Transfer(ctx, "A", []ledger.Credit{{UserID: "B", Amount: d("3")}}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	b, err := s.MoveToPending(ctx, "B", d("4.25"))
	if err != nil {
		t.Fatalf("MoveToPending: %v", err)
	}
	if !b.Balance.Equal(d("0.75")) || !b.PendingWithdraw.Equal(d("4.25")) {
		t.Fatalf("MoveToPending: got balance=%s pending=%s", b.Balance, b.PendingWithdraw)
	}
	if _, err := s.ReleaseFromPending(ctx, "B", d("4.25"), "withdraw:1"); err != nil {
		t.Fatalf("ReleaseFromPending: %v", err)
	}
	b, err = s.ReleaseFromPending(ctx, "B", d("4.25"), "withdraw:1")
	if err != nil {
		t.Fatalf("ReleaseFromPending replay: %v", err)
	}
	if !b.PendingWithdraw.IsZero() {
		t.Fatalf("pending after release: got %s", b.PendingWithdraw)
	}

	got, err := s.UserByAddress(ctx, addr)
	if err != nil || got.UserID != "A" {
		t.Fatalf("UserByAddress: got %+v, %v", got, err)
	}
	ready, err := s.ListReady(ctx, "", 10)
	if err != nil || len(ready) != 1 {
		t.Fatalf("ListReady: got %d, %v", len(ready), err)
	}
}

func TestStore_ConcurrentTransfersSerialize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	pool := pgtest.Pool(t, ctx)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := s.Credit(ctx, "A", decimal.NewFromInt(10)); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Transfer(ctx, "A", []ledger.Credit{{UserID: fmt.Sprintf("R%d", i), Amount: decimal.NewFromInt(3)}})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if ok != 3 {
		t.Fatalf("successful transfers: got %d want 3", ok)
	}
	a, err := s.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !a.Balance.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("sender balance: got %s want 1", a.Balance)
	}
}
