//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/pgtest"
)

func TestStore_OperationLifecycle(t *testing.T) {
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
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema #2: %v", err)
	}

	want := settlement.Op{
		ID:     "w1",
		Kind:   settlement.KindWithdraw,
		UserID: "u1",
		From:   common.HexToAddress("0x0000000000000000000000000000000000000c05"),
		To:     common.HexToAddress("0x0000000000000000000000000000000000000e11"),
		Amount: decimal.RequireFromString("5.000000000000000001"),
		Fee:    decimal.RequireFromString("0.5"),
	}
	op, created, err := s.Create(ctx, want)
	if err != nil || !created {
		t.Fatalf("Create: created=%v err=%v", created, err)
	}
	if op.Status != settlement.StatusQueued || !op.Amount.Equal(want.Amount) || op.From != want.From {
		t.Fatalf("Create: got %+v", op)
	}

	again, created, err := s.Create(ctx, want)
	if err != nil || created || again.ID != "w1" {
		t.Fatalf("Create #2: created=%v err=%v op=%+v", created, err, again)
	}

	hash := common.HexToHash("0x01")
	nonce := uint64(7)
	raw := []byte{0x02, 0xf8, 0x6b}
	op, err = s.Transition(ctx, "w1", []settlement.Status{settlement.StatusQueued}, settlement.StatusSigned, settlement.Update{
		TxHash:      &hash,
		Nonce:       &nonce,
		RawTx:       raw,
		IncAttempts: true,
	})
	if err != nil {
		t.Fatalf("Transition signed: %v", err)
	}
	if op.Status != settlement.StatusSigned || string(op.RawTx) != string(raw) {
		t.Fatalf("after signed: %+v", op)
	}
	op, err = s.Transition(ctx, "w1", []settlement.Status{settlement.StatusSigned}, settlement.StatusBroadcast, settlement.Update{})
	if err != nil {
		t.Fatalf("Transition broadcast: %v", err)
	}
	if op.Status != settlement.StatusBroadcast || op.TxHash != hash || op.Nonce != 7 || op.Attempts != 1 || string(op.RawTx) != string(raw) {
		t.Fatalf("after broadcast: %+v", op)
	}

	if _, err := s.Transition(ctx, "w1", []settlement.Status{settlement.StatusQueued}, settlement.StatusBroadcast, settlement.Update{}); !errors.Is(err, settlement.ErrInvalidTransition) {
		t.Fatalf("stale transition: got %v want ErrInvalidTransition", err)
	}
	if _, err := s.Transition(ctx, "missing", []settlement.Status{settlement.StatusQueued}, settlement.StatusBroadcast, settlement.Update{}); !errors.Is(err, settlement.ErrNotFound) {
		t.Fatalf("missing: got %v want ErrNotFound", err)
	}

	msg := "reverted"
	op, err = s.Transition(ctx, "w1", []settlement.Status{settlement.StatusBroadcast}, settlement.StatusFailed, settlement.Update{LastError: &msg})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if op.LastError != "reverted" || op.TxHash != hash || op.Attempts != 1 {
		t.Fatalf("after failure: %+v", op)
	}

	failed, err := s.ListByStatus(ctx, settlement.StatusFailed, 10)
	if err != nil || len(failed) != 1 || failed[0].ID != "w1" {
		t.Fatalf("ListByStatus: %v %v", failed, err)
	}
}
