// Package tasks defines the queued work envelope and its dispatch and execution.
//
// Delivery is at-least-once. Every task carries an idempotency key; handlers must treat a
// repeated key as the same unit of work.
package tasks

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

const EnvelopeVersion = "tipledger.task.v1"

const (
	OpProvisionComplete = "provision.complete"
	OpWithdraw          = "settlement.withdraw"
	OpSweep             = "settlement.sweep"
	OpReconcile         = "settlement.reconcile"
)

var (
	ErrInvalidConfig = errors.New("tasks: invalid config")
	ErrInvalidTask   = errors.New("tasks: invalid task")
	// ErrPermanent marks a handler failure that must not be retried.
	ErrPermanent = errors.New("tasks: permanent failure")
)

type Task struct {
	Version    string          `json:"version"`
	Key        string          `json:"key"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// ProvisionPayload completes provisioning of a generated deposit address.
type ProvisionPayload struct {
	UserID  string `json:"user_id"`
	Address string `json:"address"`
}

// WithdrawPayload is an external withdrawal whose Amount+Fee is already held pending.
type WithdrawPayload struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
}

// SweepPayload pulls Amount from a deposit address into the Custodian.
type SweepPayload struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// ReconcilePayload resolves a withdrawal hold by operator decision ("spent" or "refund").
type ReconcilePayload struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

// Key derives a deterministic idempotency key from its parts.
func Key(parts ...string) string {
	h := sha3.NewLegacyKeccak256()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func Decode(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := t.validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (t Task) validate() error {
	if t.Version != EnvelopeVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidTask, t.Version)
	}
	if strings.TrimSpace(t.Key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Op) == "" {
		return fmt.Errorf("%w: empty op", ErrInvalidTask)
	}
	return nil
}

// Unmarshal decodes the payload into v.
func (t Task) Unmarshal(v any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidTask, t.Op)
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidTask, t.Op, err)
	}
	return nil
}

// Permanent wraps err so the worker does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
