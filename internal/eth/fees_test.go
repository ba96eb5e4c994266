package eth

import (
	"errors"
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestFeePolicy_Caps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		policy  FeePolicy
		baseFee *big.Int
		tip     *big.Int
		wantTip int64
		wantFee int64
		wantErr error
	}{
		{name: "min tip floor", policy: FeePolicy{MinTipCap: bi(5)}, baseFee: bi(100), tip: bi(2), wantTip: 5, wantFee: 205},
		{name: "suggested tip above floor", policy: FeePolicy{MinTipCap: bi(1)}, baseFee: bi(100), tip: bi(7), wantTip: 7, wantFee: 207},
		{name: "under ceiling", policy: FeePolicy{MinTipCap: bi(1), MaxFeeCap: bi(500)}, baseFee: bi(100), tip: bi(2), wantTip: 2, wantFee: 202},
		{name: "clamped to ceiling", policy: FeePolicy{MinTipCap: bi(1), MaxFeeCap: bi(150)}, baseFee: bi(100), tip: bi(2), wantTip: 2, wantFee: 150},
		{name: "ceiling below base fee", policy: FeePolicy{MinTipCap: bi(1), MaxFeeCap: bi(101)}, baseFee: bi(100), tip: bi(2), wantErr: ErrFeeCeiling},
		{name: "nil base fee", policy: FeePolicy{MinTipCap: bi(1)}, tip: bi(2), wantErr: ErrInvalidFeeArgs},
		{name: "negative tip", policy: FeePolicy{MinTipCap: bi(1)}, baseFee: bi(1), tip: bi(-1), wantErr: ErrInvalidFeeArgs},
		{name: "missing floor", policy: FeePolicy{}, baseFee: bi(1), tip: bi(1), wantErr: ErrInvalidFeeArgs},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tip, fee, err := tc.policy.Caps(tc.baseFee, tc.tip)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err: got %v want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Caps: %v", err)
			}
			if tip.Cmp(bi(tc.wantTip)) != 0 || fee.Cmp(bi(tc.wantFee)) != 0 {
				t.Fatalf("caps: got tip=%s fee=%s want tip=%d fee=%d", tip, fee, tc.wantTip, tc.wantFee)
			}
		})
	}
}
