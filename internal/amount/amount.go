// Package amount converts between human-scale token amounts and on-chain base units.
//
// Ledger amounts are fixed-precision decimals; the number of fractional digits is bounded by the
// token's on-chain decimals so that every ledger value maps to an exact integer of base units.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxDecimals bounds token precision to what fits a uint256 with at least one integer digit.
const MaxDecimals = 77

var (
	ErrInvalidConfig = errors.New("amount: invalid config")
	ErrInvalidAmount = errors.New("amount: invalid amount")
	ErrTooPrecise    = errors.New("amount: too many fractional digits")
)

// Codec parses and converts amounts for a single token.
type Codec struct {
	decimals int32
}

func NewCodec(decimals int32) (Codec, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return Codec{}, fmt.Errorf("%w: decimals must be in [0,%d], got %d", ErrInvalidConfig, MaxDecimals, decimals)
	}
	return Codec{decimals: decimals}, nil
}

func (c Codec) Decimals() int32 { return c.decimals }

// Parse reads a non-negative decimal string and validates its precision.
func (c Codec) Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := c.Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Validate rejects negative amounts and amounts finer than one base unit.
func (c Codec) Validate(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	shifted := d.Shift(c.decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrTooPrecise, d.String(), c.decimals)
	}
	return nil
}

// ToBaseUnits converts a ledger amount into the integer amount used on-chain.
func (c Codec) ToBaseUnits(d decimal.Decimal) (*big.Int, error) {
	if err := c.Validate(d); err != nil {
		return nil, err
	}
	return d.Shift(c.decimals).BigInt(), nil
}

// FromBaseUnits converts an on-chain integer amount into a ledger amount.
func (c Codec) FromBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -c.decimals)
}

// Positive reports whether d is strictly greater than zero.
func Positive(d decimal.Decimal) bool { return d.Sign() > 0 }
