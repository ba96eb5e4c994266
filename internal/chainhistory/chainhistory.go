// Package chainhistory lists inbound token transfers for an address.
package chainhistory

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tipledger/tipledger/internal/erc20"
)

var (
	ErrInvalidConfig    = errors.New("chainhistory: invalid config")
	ErrAPI              = errors.New("chainhistory: api error")
	ErrResponseTooLarge = errors.New("chainhistory: response too large")
)

// Source returns transfers of the configured token to address in blocks strictly greater than
// afterBlock, ordered by block number.
type Source interface {
	ListTransfers(ctx context.Context, address common.Address, afterBlock uint64) ([]erc20.Transfer, error)
}

// RangeSource is a Source that reports how far it scanned, so callers can move past empty
// ranges. through is afterBlock when nothing new was scanned.
type RangeSource interface {
	Source
	ListTransfersThrough(ctx context.Context, address common.Address, afterBlock uint64) (transfers []erc20.Transfer, through uint64, err error)
}
