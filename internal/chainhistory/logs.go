package chainhistory

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/tipledger/tipledger/internal/erc20"
)

// LogsBackend is the subset of ethclient.Client used by Logs.
type LogsBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type LogsConfig struct {
	Token common.Address
	// Confirmations excludes the newest blocks; 0 scans up to the head.
	Confirmations uint64
	// MaxBlockRange bounds a single eth_getLogs call. Defaults to 5000.
	MaxBlockRange uint64
}

// Logs reads Transfer events directly from a node with eth_getLogs.
type Logs struct {
	backend LogsBackend
	cfg     LogsConfig
}

var _ RangeSource = (*Logs)(nil)

func NewLogs(backend LogsBackend, cfg LogsConfig) (*Logs, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing token address", ErrInvalidConfig)
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 5000
	}
	return &Logs{backend: backend, cfg: cfg}, nil
}

func (s *Logs) ListTransfers(ctx context.Context, address common.Address, afterBlock uint64) ([]erc20.Transfer, error) {
	out, _, err := s.ListTransfersThrough(ctx, address, afterBlock)
	return out, err
}

// ListTransfersThrough also returns the last block it covered, which is afterBlock when no
// confirmed block lies beyond it.
func (s *Logs) ListTransfersThrough(ctx context.Context, address common.Address, afterBlock uint64) ([]erc20.Transfer, uint64, error) {
	head, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return nil, afterBlock, fmt.Errorf("chainhistory: block number: %w", err)
	}
	if head < s.cfg.Confirmations {
		return nil, afterBlock, nil
	}
	last := head - s.cfg.Confirmations
	if last <= afterBlock {
		return nil, afterBlock, nil
	}

	toTopic := common.BytesToHash(address.Bytes())
	var out []erc20.Transfer
	for from := afterBlock + 1; from <= last; {
		to := from + s.cfg.MaxBlockRange - 1
		if to > last || to < from {
			to = last
		}
		logs, err := s.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.cfg.Token},
			Topics:    [][]common.Hash{{erc20.TransferTopic()}, nil, {toTopic}},
		})
		if err != nil {
			return nil, afterBlock, fmt.Errorf("chainhistory: filter logs %d..%d: %w", from, to, err)
		}
		for _, l := range logs {
			if l.Removed || l.Address != s.cfg.Token {
				continue
			}
			t, err := erc20.ParseTransferLog(l)
			if err != nil {
				return nil, afterBlock, err
			}
			if t.To != address || t.BlockNumber <= afterBlock {
				continue
			}
			out = append(out, t)
		}
		if to == last {
			break
		}
		from = to + 1
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, last, nil
}
