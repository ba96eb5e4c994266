// Package leases coordinates singleton jobs across worker replicas with expiring named leases.
package leases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("leases: invalid config")
	ErrInvalidInput  = errors.New("leases: invalid input")
)

// Lease is a named, expiring ownership record.
type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table.
//
// TryAcquire succeeds when the lease is absent, expired, or already held by owner; in the
// last case the expiry is extended. Otherwise it returns the current holder and false.
// Release is a no-op unless owner holds the lease.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
}

func validate(name, owner string, ttl time.Duration) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(owner) == "" || ttl <= 0 {
		return fmt.Errorf("%w: name and owner must be non-empty and ttl > 0", ErrInvalidInput)
	}
	return nil
}

// Exclusive runs a job under one named lease.
type Exclusive struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	log   *slog.Logger
}

func NewExclusive(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Exclusive, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validate(name, owner, ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Exclusive{store: store, name: name, owner: owner, ttl: ttl, log: log}, nil
}

// Run calls fn while holding the lease and reports whether it ran. fn's context ends no later
// than the lease expiry so another replica never overlaps it.
func (e *Exclusive) Run(ctx context.Context, fn func(context.Context) error) (bool, error) {
	l, ok, err := e.store.TryAcquire(ctx, e.name, e.owner, e.ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		e.log.Debug("lease held elsewhere", "lease", e.name, "owner", l.Owner, "expires_at", l.ExpiresAt)
		return false, nil
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.store.Release(relCtx, e.name, e.owner); err != nil {
			e.log.Warn("release lease", "lease", e.name, "err", err)
		}
	}()

	runCtx, cancel := context.WithDeadline(ctx, l.ExpiresAt)
	defer cancel()
	return true, fn(runCtx)
}
