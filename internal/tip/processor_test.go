package tip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/retry"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newProcessor(t *testing.T, store ledger.Store) *Processor {
	t.Helper()
	codec, err := amount.NewCodec(18)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	p, err := New(Config{
		Ledger:  store,
		Codec:   codec,
		Minimum: dec("1"),
		Retry:   retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func fund(t *testing.T, s ledger.Store, user, amt string) {
	t.Helper()
	if _, err := s.Credit(context.Background(), user, dec(amt)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

func balance(t *testing.T, s ledger.Store, user string) decimal.Decimal {
	t.Helper()
	a, err := s.Get(context.Background(), user)
	if err != nil {
		t.Fatalf("Get %s: %v", user, err)
	}
	return a.Balance
}

func TestTransfer_TwoReceivers(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	fund(t, store, "sender", "12")
	p := newProcessor(t, store)

	sender, err := p.Transfer(context.Background(), "sender", []string{"r1", "r2"}, dec("5"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !sender.Balance.Equal(dec("2")) {
		t.Fatalf("sender balance: got %s want 2", sender.Balance)
	}
	for _, r := range []string{"r1", "r2"} {
		if got := balance(t, store, r); !got.Equal(dec("5")) {
			t.Fatalf("%s balance: got %s want 5", r, got)
		}
	}
}

func TestTransfer_InsufficientFundsChangesNothing(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	fund(t, store, "sender", "3")
	p := newProcessor(t, store)

	if _, err := p.Transfer(context.Background(), "sender", []string{"r1"}, dec("5")); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("Transfer: got %v want ErrInsufficientFunds", err)
	}
	if got := balance(t, store, "sender"); !got.Equal(dec("3")) {
		t.Fatalf("sender balance: got %s want 3", got)
	}
	if _, err := store.Get(context.Background(), "r1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("receiver must not be created, got %v", err)
	}
}

func TestTransfer_Rejections(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	fund(t, store, "sender", "100")
	p := newProcessor(t, store)
	ctx := context.Background()

	cases := []struct {
		name      string
		receivers []string
		amount    decimal.Decimal
		want      error
	}{
		{name: "below minimum", receivers: []string{"r1"}, amount: dec("0.5"), want: ErrBelowMinimum},
		{name: "negative", receivers: []string{"r1"}, amount: dec("-2"), want: amount.ErrInvalidAmount},
		{name: "too precise", receivers: []string{"r1"}, amount: dec("1.0000000000000000001"), want: amount.ErrTooPrecise},
		{name: "no receivers", receivers: nil, amount: dec("1"), want: ErrNoReceivers},
		{name: "only self", receivers: []string{"sender", "sender"}, amount: dec("1"), want: ErrSelfTransfer},
		{name: "empty receiver", receivers: []string{" "}, amount: dec("1"), want: ledger.ErrInvalidInput},
	}
	for _, tc := range cases {
		if _, err := p.Transfer(ctx, "sender", tc.receivers, tc.amount); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
	if got := balance(t, store, "sender"); !got.Equal(dec("100")) {
		t.Fatalf("sender balance: got %s want 100", got)
	}
}

func TestTransfer_SenderMentionIsSkipped(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	fund(t, store, "sender", "10")
	p := newProcessor(t, store)

	if _, err := p.Transfer(context.Background(), "sender", []string{"r1", "sender", "r2"}, dec("3")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := balance(t, store, "sender"); !got.Equal(dec("4")) {
		t.Fatalf("sender balance: got %s want 4", got)
	}
	for _, r := range []string{"r1", "r2"} {
		if got := balance(t, store, r); !got.Equal(dec("3")) {
			t.Fatalf("%s balance: got %s want 3", r, got)
		}
	}
}

func TestTransfer_DuplicateReceiversCreditedOnce(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	fund(t, store, "sender", "10")
	p := newProcessor(t, store)

	if _, err := p.Transfer(context.Background(), "sender", []string{"r1", "r1", "r2"}, dec("2")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := balance(t, store, "sender"); !got.Equal(dec("6")) {
		t.Fatalf("sender balance: got %s want 6", got)
	}
	if got := balance(t, store, "r1"); !got.Equal(dec("2")) {
		t.Fatalf("r1 balance: got %s want 2", got)
	}
}

func TestTransfer_ConcurrentOnlyAffordableSucceed(t *testing.T) {
	t.Parallel()

	store := ledger.NewMemoryStore()
	fund(t, store, "sender", "10")
	p := newProcessor(t, store)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Transfer(context.Background(), "sender", []string{"r1"}, dec("6"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientFunds):
			default:
				t.Errorf("Transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ok.Load(); got != 1 {
		t.Fatalf("successes: got %d want 1", got)
	}
	if got := balance(t, store, "sender"); !got.Equal(dec("4")) {
		t.Fatalf("sender balance: got %s want 4", got)
	}
}

type conflictOnce struct {
	ledger.Store
	calls atomic.Int32
}

func (c *conflictOnce) Transfer(ctx context.Context, sender string, credits []ledger.Credit) (ledger.Account, error) {
	if c.calls.Add(1) == 1 {
		return ledger.Account{}, ledger.ErrStoreConflict
	}
	return c.Store.Transfer(ctx, sender, credits)
}

func TestTransfer_RetriesStoreConflict(t *testing.T) {
	t.Parallel()

	mem := ledger.NewMemoryStore()
	fund(t, mem, "sender", "5")
	store := &conflictOnce{Store: mem}
	p := newProcessor(t, store)

	if _, err := p.Transfer(context.Background(), "sender", []string{"r1"}, dec("5")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("ledger calls: got %d want 2", got)
	}
	if got := balance(t, mem, "sender"); !got.IsZero() {
		t.Fatalf("sender balance: got %s want 0", got)
	}
}
