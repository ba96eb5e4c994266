package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger intended for unit tests and single-process usage.
// It is safe for concurrent use; all mutations serialize on one lock.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	refs     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]Account),
		refs:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) EnsureAccount(_ context.Context, userID, username string) (Account, bool, error) {
	if err := ValidateUser(userID); err != nil {
		return Account{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[userID]; ok {
		return a, false, nil
	}
	a := newAccount(userID)
	a.Username = username
	s.accounts[userID] = a
	return a, true, nil
}

func (s *MemoryStore) UserByAddress(_ context.Context, addr common.Address) (Account, error) {
	if addr == (common.Address{}) {
		return Account{}, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.DepositAddress == addr || a.PendingAddress == addr {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) ListReady(_ context.Context, afterUserID string, limit int) ([]Account, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.accounts))
	for id, a := range s.accounts {
		if a.State == StateReady && id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id])
	}
	return out, nil
}

func (s *MemoryStore) Credit(_ context.Context, userID string, amount decimal.Decimal) (Account, error) {
	if err := ValidateUser(userID); err != nil {
		return Account{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = newAccount(userID)
	}
	a.Balance = a.Balance.Add(amount)
	s.accounts[userID] = a
	return a, nil
}

func (s *MemoryStore) Debit(_ context.Context, userID string, amount decimal.Decimal) (Account, error) {
	return s.mutate(userID, amount, "", func(a *Account) error {
		if a.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(amount)
		return nil
	})
}

func (s *MemoryStore) MoveToPending(_ context.Context, userID string, amount decimal.Decimal) (Account, error) {
	return s.mutate(userID, amount, "", func(a *Account) error {
		if a.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		a.Balance = a.Balance.Sub(amount)
		a.PendingWithdraw = a.PendingWithdraw.Add(amount)
		return nil
	})
}

func (s *MemoryStore) ReleaseFromPending(_ context.Context, userID string, amount decimal.Decimal, ref string) (Account, error) {
	return s.mutate(userID, amount, ref, func(a *Account) error {
		if a.PendingWithdraw.LessThan(amount) {
			return fmt.Errorf("%w: pending %s < release %s", ErrInsufficientFunds, a.PendingWithdraw, amount)
		}
		a.PendingWithdraw = a.PendingWithdraw.Sub(amount)
		return nil
	})
}

func (s *MemoryStore) RestoreFromPending(_ context.Context, userID string, amount decimal.Decimal, ref string) (Account, error) {
	return s.mutate(userID, amount, ref, func(a *Account) error {
		if a.PendingWithdraw.LessThan(amount) {
			return fmt.Errorf("%w: pending %s < restore %s", ErrInsufficientFunds, a.PendingWithdraw, amount)
		}
		a.PendingWithdraw = a.PendingWithdraw.Sub(amount)
		a.Balance = a.Balance.Add(amount)
		return nil
	})
}

func (s *MemoryStore) Transfer(_ context.Context, senderID string, credits []Credit) (Account, error) {
	total, err := ValidateCredits(senderID, credits)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.accounts[senderID]
	if !ok {
		return Account{}, ErrInsufficientFunds
	}
	if sender.Balance.LessThan(total) {
		return Account{}, ErrInsufficientFunds
	}

	// Validation is complete; apply every leg under the same lock.
	sender.Balance = sender.Balance.Sub(total)
	s.accounts[senderID] = sender
	for _, c := range credits {
		r, ok := s.accounts[c.UserID]
		if !ok {
			r = newAccount(c.UserID)
		}
		r.Balance = r.Balance.Add(c.Amount)
		s.accounts[c.UserID] = r
	}
	return sender, nil
}

func (s *MemoryStore) CreditDeposit(_ context.Context, userID string, amount decimal.Decimal, expectedCursor, newCursor uint64) (Account, error) {
	if err := ValidateUser(userID); err != nil {
		return Account{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Account{}, err
	}
	if newCursor <= expectedCursor {
		return Account{}, fmt.Errorf("%w: cursor must advance (%d -> %d)", ErrInvalidTransition, expectedCursor, newCursor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if a.State != StateReady {
		return Account{}, fmt.Errorf("%w: account is %s", ErrInvalidTransition, a.State)
	}
	if a.BlockCursor != expectedCursor {
		return Account{}, fmt.Errorf("%w: cursor is %d, expected %d", ErrStoreConflict, a.BlockCursor, expectedCursor)
	}
	a.Balance = a.Balance.Add(amount)
	a.BlockCursor = newCursor
	s.accounts[userID] = a
	return a, nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, userID string, expectedCursor, newCursor uint64) (Account, error) {
	if err := ValidateUser(userID); err != nil {
		return Account{}, err
	}
	if newCursor <= expectedCursor {
		return Account{}, fmt.Errorf("%w: cursor must advance (%d -> %d)", ErrInvalidTransition, expectedCursor, newCursor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if a.State != StateReady {
		return Account{}, fmt.Errorf("%w: account is %s", ErrInvalidTransition, a.State)
	}
	if a.BlockCursor != expectedCursor {
		return Account{}, fmt.Errorf("%w: cursor is %d, expected %d", ErrStoreConflict, a.BlockCursor, expectedCursor)
	}
	a.BlockCursor = newCursor
	s.accounts[userID] = a
	return a, nil
}

func (s *MemoryStore) BeginProvisioning(_ context.Context, userID string) (Account, error) {
	if err := ValidateUser(userID); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = newAccount(userID)
	}
	if err := ProvisioningGate(a.State); err != nil {
		return a, err
	}
	a.State = StateGenerating
	s.accounts[userID] = a
	return a, nil
}

func (s *MemoryStore) SetPendingAddress(_ context.Context, userID string, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	if a.State != StateGenerating {
		return fmt.Errorf("%w: account is %s", ErrInvalidTransition, a.State)
	}
	if owner, taken := s.addressOwnerLocked(addr); taken && owner != userID {
		return ErrAddressInUse
	}
	a.PendingAddress = addr
	s.accounts[userID] = a
	return nil
}

func (s *MemoryStore) MarkReady(_ context.Context, userID string, addr common.Address) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if a.State == StateReady {
		if a.DepositAddress != addr {
			return a, fmt.Errorf("%w: deposit address is immutable", ErrInvalidTransition)
		}
		return a, nil
	}
	if a.State != StateGenerating || a.PendingAddress != addr {
		return a, fmt.Errorf("%w: account is %s with pending %s", ErrInvalidTransition, a.State, a.PendingAddress)
	}
	a.State = StateReady
	a.DepositAddress = addr
	a.PendingAddress = common.Address{}
	s.accounts[userID] = a
	return a, nil
}

func (s *MemoryStore) MarkError(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return ErrNotFound
	}
	if a.State == StateReady {
		return fmt.Errorf("%w: account is ready", ErrInvalidTransition)
	}
	a.State = StateError
	s.accounts[userID] = a
	return nil
}

func (s *MemoryStore) MarkNotified(_ context.Context, userID, username string) error {
	if err := ValidateUser(userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		a = newAccount(userID)
		a.Username = username
	}
	a.Notified = true
	s.accounts[userID] = a
	return nil
}

func (s *MemoryStore) mutate(userID string, amount decimal.Decimal, ref string, fn func(*Account) error) (Account, error) {
	if err := ValidateUser(userID); err != nil {
		return Account{}, err
	}
	if err := ValidateAmount(amount); err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrNotFound
	}
	if ref != "" {
		if _, applied := s.refs[ref]; applied {
			return a, nil
		}
	}
	if err := fn(&a); err != nil {
		return Account{}, err
	}
	s.accounts[userID] = a
	if ref != "" {
		s.refs[ref] = struct{}{}
	}
	return a, nil
}

func (s *MemoryStore) addressOwnerLocked(addr common.Address) (string, bool) {
	for id, a := range s.accounts {
		if a.DepositAddress == addr || a.PendingAddress == addr {
			return id, true
		}
	}
	return "", false
}

// ProvisioningGate maps the current state to the outcome of a provisioning request.
func ProvisioningGate(st State) error {
	switch st {
	case StateNone:
		return nil
	case StateGenerating:
		return ErrProvisioningInProgress
	case StateError:
		return ErrProvisioningFailed
	default:
		return fmt.Errorf("%w: account is %s", ErrInvalidTransition, st)
	}
}
