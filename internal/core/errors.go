package core

import (
	"errors"

	"github.com/tipledger/tipledger/internal/amount"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/tip"
)

// Caller-facing error classes. Every error returned by Service matches exactly one Code.
var (
	ErrInsufficientFunds      = ledger.ErrInsufficientFunds
	ErrBelowMinimum           = tip.ErrBelowMinimum
	ErrInvalidAddress         = settlement.ErrInvalidAddress
	ErrProvisioningInProgress = ledger.ErrProvisioningInProgress
	ErrProvisioningFailed     = ledger.ErrProvisioningFailed
	ErrChainTimeout           = settlement.ErrChainTimeout
	ErrChainRejected          = settlement.ErrChainRejected
	ErrStoreConflict          = ledger.ErrStoreConflict

	ErrInvalidAmount = errors.New("core: invalid amount")
	ErrInvalidInput  = errors.New("core: invalid input")
	ErrNotReady      = errors.New("core: account has no deposit address")
	ErrUnavailable   = errors.New("core: service temporarily unavailable")
)

const (
	CodeInsufficientFunds      = "insufficient_funds"
	CodeBelowMinimum           = "below_minimum"
	CodeInvalidAddress         = "invalid_address"
	CodeInvalidAmount          = "invalid_amount"
	CodeInvalidInput           = "invalid_input"
	CodeProvisioningInProgress = "provisioning_in_progress"
	CodeProvisioningFailed     = "provisioning_failed"
	CodeNotReady               = "account_not_ready"
	CodeChainTimeout           = "chain_timeout"
	CodeChainRejected          = "chain_rejected"
	CodeConflict               = "conflict"
	CodeUnavailable            = "unavailable"
	CodeInternal               = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInsufficientFunds, CodeInsufficientFunds},
	{ErrBelowMinimum, CodeBelowMinimum},
	{ErrInvalidAddress, CodeInvalidAddress},
	{ErrInvalidAmount, CodeInvalidAmount},
	{amount.ErrInvalidAmount, CodeInvalidAmount},
	{amount.ErrTooPrecise, CodeInvalidAmount},
	{ledger.ErrInvalidAmount, CodeInvalidAmount},
	{ErrProvisioningInProgress, CodeProvisioningInProgress},
	{ErrProvisioningFailed, CodeProvisioningFailed},
	{ErrNotReady, CodeNotReady},
	{ErrChainTimeout, CodeChainTimeout},
	{ErrChainRejected, CodeChainRejected},
	{ErrStoreConflict, CodeConflict},
	{ErrInvalidInput, CodeInvalidInput},
	{ledger.ErrInvalidInput, CodeInvalidInput},
	{tip.ErrNoReceivers, CodeInvalidInput},
	{tip.ErrSelfTransfer, CodeInvalidInput},
	{ErrUnavailable, CodeUnavailable},
}

// Code classifies err into a stable string safe to show a caller.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsUserError reports whether err was caused by the caller's input or account state.
func IsUserError(err error) bool {
	switch Code(err) {
	case CodeInternal, CodeUnavailable, CodeConflict, CodeChainTimeout, CodeChainRejected:
		return false
	default:
		return err != nil
	}
}
