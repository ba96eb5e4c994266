// Package erc20 packs token calls and decodes Transfer logs.
package erc20

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrInvalidInput = errors.New("erc20: invalid input")
	ErrInvalidLog   = errors.New("erc20: invalid transfer log")
)

const tokenABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

var (
	initOnce sync.Once
	initErr  error
	tokenABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		tokenABI, err = abi.JSON(strings.NewReader(tokenABIJSON))
		if err != nil {
			initErr = fmt.Errorf("erc20: parse ABI: %w", err)
		}
	})
	return initErr
}

// TransferTopic is topic[0] of the Transfer event.
func TransferTopic() common.Hash {
	if err := initABI(); err != nil {
		return common.Hash{}
	}
	return tokenABI.Events["Transfer"].ID
}

func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	if err := checkValue(value); err != nil {
		return nil, err
	}
	return pack("transfer", to, value)
}

func PackTransferFrom(from, to common.Address, value *big.Int) ([]byte, error) {
	if err := checkValue(value); err != nil {
		return nil, err
	}
	return pack("transferFrom", from, to, value)
}

func PackApprove(spender common.Address, value *big.Int) ([]byte, error) {
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: approve value must be >= 0", ErrInvalidInput)
	}
	return pack("approve", spender, value)
}

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return pack("allowance", owner, spender)
}

func PackBalanceOf(owner common.Address) ([]byte, error) {
	return pack("balanceOf", owner)
}

// UnpackUint256 decodes the single uint256 result of allowance or balanceOf.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	vals, err := tokenABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("erc20: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("erc20: unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("erc20: unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

// Transfer is one decoded Transfer event.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

func ParseTransferLog(l types.Log) (Transfer, error) {
	if err := initABI(); err != nil {
		return Transfer{}, err
	}
	if len(l.Topics) != 3 || l.Topics[0] != tokenABI.Events["Transfer"].ID {
		return Transfer{}, fmt.Errorf("%w: unexpected topics", ErrInvalidLog)
	}
	vals, err := tokenABI.Events["Transfer"].Inputs.NonIndexed().Unpack(l.Data)
	if err != nil || len(vals) != 1 {
		return Transfer{}, fmt.Errorf("%w: data", ErrInvalidLog)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return Transfer{}, fmt.Errorf("%w: value type %T", ErrInvalidLog, vals[0])
	}
	return Transfer{
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       v,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, nil
}

// Caller runs read-only calls; *eth.Submitter satisfies it.
type Caller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Token reads state of one token contract.
type Token struct {
	address common.Address
	caller  Caller
}

func NewToken(address common.Address, caller Caller) (*Token, error) {
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero token address", ErrInvalidInput)
	}
	if caller == nil {
		return nil, fmt.Errorf("%w: nil caller", ErrInvalidInput)
	}
	return &Token{address: address, caller: caller}, nil
}

func (t *Token) Address() common.Address { return t.address }

func (t *Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := t.caller.Call(ctx, t.address, data)
	if err != nil {
		return nil, err
	}
	return UnpackUint256("allowance", out)
}

func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := t.caller.Call(ctx, t.address, data)
	if err != nil {
		return nil, err
	}
	return UnpackUint256("balanceOf", out)
}

func pack(method string, args ...any) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("erc20: pack %s: %w", method, err)
	}
	return b, nil
}

func checkValue(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: value must be > 0", ErrInvalidInput)
	}
	return nil
}
