package eth

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrInvalidFeeArgs = errors.New("eth: invalid fee args")
	// ErrFeeCeiling means the current base fee plus tip exceeds MaxFeeCap. Nothing was signed.
	ErrFeeCeiling = errors.New("eth: network fee above ceiling")
)

// FeePolicy prices EIP-1559 transactions from the latest base fee and the node's tip suggestion.
type FeePolicy struct {
	MinTipCap *big.Int
	// MaxFeeCap bounds what the Custodian will pay per gas. Nil means unbounded.
	MaxFeeCap *big.Int
}

// Caps returns tipCap = max(suggestedTip, MinTipCap) and feeCap = 2*baseFee + tipCap, with
// feeCap lowered to MaxFeeCap when that still covers baseFee + tipCap.
func (p FeePolicy) Caps(baseFee, suggestedTip *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTip == nil || p.MinTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTip.Sign() < 0 || p.MinTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tipCap = new(big.Int).Set(suggestedTip)
	if tipCap.Cmp(p.MinTipCap) < 0 {
		tipCap.Set(p.MinTipCap)
	}
	feeCap = new(big.Int).Lsh(baseFee, 1)
	feeCap.Add(feeCap, tipCap)

	if p.MaxFeeCap == nil || feeCap.Cmp(p.MaxFeeCap) <= 0 {
		return tipCap, feeCap, nil
	}
	floor := new(big.Int).Add(baseFee, tipCap)
	if floor.Cmp(p.MaxFeeCap) > 0 {
		return nil, nil, fmt.Errorf("%w: base fee %s + tip %s > %s", ErrFeeCeiling, baseFee, tipCap, p.MaxFeeCap)
	}
	return tipCap, new(big.Int).Set(p.MaxFeeCap), nil
}
