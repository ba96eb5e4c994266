package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/eth"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/tasks"
)

type fakeCompleter struct {
	err  error
	user string
	addr common.Address
}

func (f *fakeCompleter) Complete(_ context.Context, userID string, addr common.Address) error {
	f.user, f.addr = userID, addr
	return f.err
}

type fakeSettler struct {
	err        error
	withdraw   settlement.WithdrawRequest
	sweep      settlement.SweepRequest
	reconciled string
	outcome    settlement.Outcome
}

func (f *fakeSettler) Withdraw(_ context.Context, req settlement.WithdrawRequest) (settlement.Op, error) {
	f.withdraw = req
	return settlement.Op{ID: req.ID}, f.err
}

func (f *fakeSettler) Sweep(_ context.Context, req settlement.SweepRequest) (settlement.Op, error) {
	f.sweep = req
	return settlement.Op{ID: req.ID}, f.err
}

func (f *fakeSettler) ReconcileWithdrawal(_ context.Context, id string, outcome settlement.Outcome) (settlement.Op, error) {
	f.reconciled, f.outcome = id, outcome
	return settlement.Op{ID: id}, f.err
}

func task(t *testing.T, op string, payload any) tasks.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return tasks.Task{Version: tasks.EnvelopeVersion, Key: "k", Op: op, Payload: raw}
}

func handlers(t *testing.T, c Completer, s Settler) map[string]tasks.Handler {
	t.Helper()
	codec, err := amount.NewCodec(6)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return WorkerHandlers(c, s, codec)
}

func TestWorkerHandlers_Routes(t *testing.T) {
	t.Parallel()

	comp := &fakeCompleter{}
	settle := &fakeSettler{}
	hs := handlers(t, comp, settle)
	ctx := context.Background()

	for _, op := range []string{tasks.OpProvisionComplete, tasks.OpWithdraw, tasks.OpSweep, tasks.OpReconcile} {
		if hs[op] == nil {
			t.Fatalf("no handler for %s", op)
		}
	}

	if err := hs[tasks.OpProvisionComplete](ctx, task(t, tasks.OpProvisionComplete, tasks.ProvisionPayload{UserID: "u1", Address: depositAddr.Hex()})); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if comp.user != "u1" || comp.addr != depositAddr {
		t.Fatalf("provision routed as %s %s", comp.user, comp.addr)
	}

	err := hs[tasks.OpWithdraw](ctx, task(t, tasks.OpWithdraw, tasks.WithdrawPayload{ID: "w1", UserID: "u1", To: externalTo.Hex(), Amount: "1.25", Fee: "0.1"}))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if settle.withdraw.ID != "w1" || !settle.withdraw.Amount.Equal(dec("1.25")) || !settle.withdraw.Fee.Equal(dec("0.1")) || settle.withdraw.To != externalTo {
		t.Fatalf("withdraw request: %+v", settle.withdraw)
	}

	err = hs[tasks.OpSweep](ctx, task(t, tasks.OpSweep, tasks.SweepPayload{ID: "s1", UserID: "u1", Address: depositAddr.Hex(), Amount: "3"}))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if settle.sweep.From != depositAddr || !settle.sweep.Amount.Equal(dec("3")) {
		t.Fatalf("sweep request: %+v", settle.sweep)
	}

	if err := hs[tasks.OpReconcile](ctx, task(t, tasks.OpReconcile, tasks.ReconcilePayload{ID: "w1", Outcome: "refund"})); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if settle.reconciled != "w1" || settle.outcome != settlement.OutcomeRefund {
		t.Fatalf("reconcile: %s %s", settle.reconciled, settle.outcome)
	}
}

func TestWorkerHandlers_MalformedPayloadsAreInvalid(t *testing.T) {
	t.Parallel()

	hs := handlers(t, &fakeCompleter{}, &fakeSettler{})
	ctx := context.Background()
	cases := []tasks.Task{
		task(t, tasks.OpProvisionComplete, tasks.ProvisionPayload{UserID: "u1", Address: "nope"}),
		task(t, tasks.OpWithdraw, tasks.WithdrawPayload{ID: "w", UserID: "u1", To: "nope", Amount: "1", Fee: "0"}),
		task(t, tasks.OpWithdraw, tasks.WithdrawPayload{ID: "w", UserID: "u1", To: externalTo.Hex(), Amount: "1.0000001", Fee: "0"}),
		task(t, tasks.OpSweep, tasks.SweepPayload{ID: "s", UserID: "u1", Address: depositAddr.Hex(), Amount: "x"}),
		task(t, tasks.OpReconcile, tasks.ReconcilePayload{ID: "w", Outcome: "maybe"}),
		{Version: tasks.EnvelopeVersion, Key: "k", Op: tasks.OpSweep},
	}
	for i, tk := range cases {
		if err := hs[tk.Op](ctx, tk); !errors.Is(err, tasks.ErrInvalidTask) {
			t.Fatalf("case %d (%s): expected ErrInvalidTask, got %v", i, tk.Op, err)
		}
	}
}

func TestClassifyWithdraw(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err       error
		permanent bool
	}{
		{fmt.Errorf("%w: x", settlement.ErrChainTimeout), false},
		{fmt.Errorf("%w: x", settlement.ErrSuperseded), false},
		{fmt.Errorf("%w: x", eth.ErrBroadcast), false},
		{fmt.Errorf("%w: x", settlement.ErrChainRejected), true},
		{settlement.ErrInvalidAddress, true},
		{settlement.ErrOpMismatch, true},
		{errors.New("rpc: connection refused"), false},
	}
	for _, tc := range cases {
		got := classifyWithdraw(tc.err)
		if errors.Is(got, tasks.ErrPermanent) != tc.permanent {
			t.Fatalf("classifyWithdraw(%v): permanent=%t want %t", tc.err, !tc.permanent, tc.permanent)
		}
		if !errors.Is(got, tc.err) {
			t.Fatalf("classifyWithdraw(%v) lost the cause: %v", tc.err, got)
		}
	}
	if classifyWithdraw(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestClassifySweep(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err       error
		permanent bool
	}{
		{settlement.ErrChainTimeout, false},
		{settlement.ErrChainRejected, false},
		{settlement.ErrNeedsReconciliation, true},
		{settlement.ErrInvalidAddress, true},
		{ledger.ErrInvalidAmount, true},
	}
	for _, tc := range cases {
		if got := errors.Is(classifySweep(tc.err), tasks.ErrPermanent); got != tc.permanent {
			t.Fatalf("classifySweep(%v): permanent=%t want %t", tc.err, got, tc.permanent)
		}
	}
}

func TestWorkerHandlers_ProvisionFailureIsPermanentExceptConflict(t *testing.T) {
	t.Parallel()

	comp := &fakeCompleter{err: errors.New("approve reverted")}
	hs := handlers(t, comp, &fakeSettler{})
	tk := task(t, tasks.OpProvisionComplete, tasks.ProvisionPayload{UserID: "u1", Address: depositAddr.Hex()})

	if err := hs[tasks.OpProvisionComplete](context.Background(), tk); !errors.Is(err, tasks.ErrPermanent) {
		t.Fatalf("expected permanent, got %v", err)
	}
	comp.err = ledger.ErrStoreConflict
	if err := hs[tasks.OpProvisionComplete](context.Background(), tk); errors.Is(err, tasks.ErrPermanent) {
		t.Fatalf("conflict must be retried, got %v", err)
	}
}
