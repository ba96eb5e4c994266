package amount

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCodec_ParseAndConvert(t *testing.T) {
	t.Parallel()

	c, err := NewCodec(18)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	d, err := c.Parse("1.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	units, err := c.ToBaseUnits(d)
	if err != nil {
		t.Fatalf("ToBaseUnits: %v", err)
	}
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if units.Cmp(want) != 0 {
		t.Fatalf("units: got %s want %s", units, want)
	}

	back := c.FromBaseUnits(units)
	if !back.Equal(d) {
		t.Fatalf("round trip: got %s want %s", back, d)
	}
}

func TestCodec_RejectsNegativeAndTooPrecise(t *testing.T) {
	t.Parallel()

	c, err := NewCodec(2)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	if _, err := c.Parse("-1"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative: got %v want ErrInvalidAmount", err)
	}
	if _, err := c.Parse("0.001"); !errors.Is(err, ErrTooPrecise) {
		t.Fatalf("precision: got %v want ErrTooPrecise", err)
	}
	if _, err := c.Parse("abc"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("garbage: got %v want ErrInvalidAmount", err)
	}
	// Trailing zeros beyond the precision are still exact.
	if _, err := c.Parse("1.2300"); err != nil {
		t.Fatalf("trailing zeros: %v", err)
	}
}

func TestCodec_DecimalArithmeticIsExact(t *testing.T) {
	t.Parallel()

	c, _ := NewCodec(18)
	a := decimal.RequireFromString("0.1")
	b := decimal.RequireFromString("0.2")
	sum := a.Add(b)
	if !sum.Equal(decimal.RequireFromString("0.3")) {
		t.Fatalf("sum: got %s want 0.3", sum)
	}
	if _, err := c.ToBaseUnits(sum); err != nil {
		t.Fatalf("ToBaseUnits: %v", err)
	}
}

func TestNewCodec_Bounds(t *testing.T) {
	t.Parallel()

	if _, err := NewCodec(-1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewCodec(MaxDecimals + 1); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
