package calculator

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigPow2(exp uint) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), exp)
}

func TestCheckAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  *big.Int
		wantErr error
	}{
		{name: "nil", amount: nil, wantErr: ErrNilAmount},
		{name: "negative", amount: big.NewInt(-1), wantErr: ErrInvalidAmount},
		{name: "zero", amount: big.NewInt(0)},
		{name: "max uint256", amount: new(big.Int).Sub(bigPow2(256), big.NewInt(1))},
		{name: "one past max", amount: bigPow2(256), wantErr: ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAmount(tt.amount)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetAmountOut(t *testing.T) {
	tests := []struct {
		name       string
		amountIn   *big.Int
		reserveIn  *big.Int
		reserveOut *big.Int
		feeBps     uint16
		want       *big.Int
		wantErr    error
	}{
		{
			name:       "100 in against 1000/2000 at 30bps",
			amountIn:   big.NewInt(100),
			reserveIn:  big.NewInt(1000),
			reserveOut: big.NewInt(2000),
			feeBps:     30,
			want:       big.NewInt(181),
		},
		{
			name:       "zero fee",
			amountIn:   big.NewInt(100),
			reserveIn:  big.NewInt(1000),
			reserveOut: big.NewInt(2000),
			feeBps:     0,
			want:       big.NewInt(181), // floor(2000*100/1100)
		},
		{
			name:       "tiny input rounds to zero",
			amountIn:   big.NewInt(1),
			reserveIn:  big.NewInt(1_000_000),
			reserveOut: big.NewInt(1_000_000),
			feeBps:     30,
			want:       big.NewInt(0),
		},
		{
			name:       "empty reserve in",
			amountIn:   big.NewInt(100),
			reserveIn:  big.NewInt(0),
			reserveOut: big.NewInt(2000),
			feeBps:     30,
			wantErr:    ErrInsufficientLiquidity,
		},
		{
			name:       "nil reserve out",
			amountIn:   big.NewInt(100),
			reserveIn:  big.NewInt(1000),
			reserveOut: nil,
			feeBps:     30,
			wantErr:    ErrInsufficientLiquidity,
		},
		{
			name:       "oversized input",
			amountIn:   bigPow2(256),
			reserveIn:  big.NewInt(1000),
			reserveOut: big.NewInt(2000),
			feeBps:     30,
			wantErr:    ErrOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GetAmountOut(tt.amountIn, tt.reserveIn, tt.reserveOut, tt.feeBps)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tt.want.Cmp(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestGetAmountOutNeverReachesSpotPrice(t *testing.T) {
	// Output must stay strictly below amountIn * reserveOut / reserveIn: the
	// trade moves the price against the taker.
	reserveIn := big.NewInt(1000)
	reserveOut := big.NewInt(2000)

	for _, in := range []int64{1, 10, 100, 999, 5000, 1_000_000} {
		amountIn := big.NewInt(in)
		out, err := GetAmountOut(amountIn, reserveIn, reserveOut, 30)
		require.NoError(t, err)

		spot := new(big.Int).Mul(amountIn, reserveOut)
		spot.Div(spot, reserveIn)
		assert.True(t, out.Cmp(spot) < 0, "in=%d: out %s must be below spot %s", in, out, spot)
		assert.True(t, out.Cmp(reserveOut) < 0, "in=%d: out %s must not drain reserve", in, out)
	}
}

func TestGetAmountOutMonotonic(t *testing.T) {
	reserveIn := big.NewInt(10_000)
	reserveOut := big.NewInt(50_000)

	prev := big.NewInt(-1)
	for in := int64(1); in <= 20_000; in += 97 {
		out, err := GetAmountOut(big.NewInt(in), reserveIn, reserveOut, 30)
		require.NoError(t, err)
		assert.True(t, out.Cmp(prev) >= 0, "output decreased at in=%d: %s < %s", in, out, prev)
		prev = out
	}
}

func TestGetAmountIn(t *testing.T) {
	reserveIn := big.NewInt(1000)
	reserveOut := big.NewInt(2000)

	t.Run("inverse of GetAmountOut", func(t *testing.T) {
		// The computed input must buy at least the requested output.
		for _, want := range []int64{1, 50, 181, 500, 1999} {
			in, err := GetAmountIn(big.NewInt(want), reserveIn, reserveOut, 30)
			require.NoError(t, err)

			out, err := GetAmountOut(in, reserveIn, reserveOut, 30)
			require.NoError(t, err)
			assert.True(t, out.Cmp(big.NewInt(want)) >= 0,
				"paying %s buys %s, wanted at least %d", in, out, want)
		}
	})

	t.Run("output exceeding reserve", func(t *testing.T) {
		_, err := GetAmountIn(big.NewInt(2000), reserveIn, reserveOut, 30)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})

	t.Run("empty reserves", func(t *testing.T) {
		_, err := GetAmountIn(big.NewInt(10), nil, reserveOut, 30)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestInitialShares(t *testing.T) {
	tests := []struct {
		name    string
		amountA *big.Int
		amountB *big.Int
		minimum *big.Int
		want    *big.Int
		wantErr error
	}{
		{
			name:    "geometric mean minus locked minimum",
			amountA: big.NewInt(100),
			amountB: big.NewInt(400),
			minimum: big.NewInt(100),
			want:    big.NewInt(100), // sqrt(40000) = 200
		},
		{
			name:    "non-square product floors",
			amountA: big.NewInt(1000),
			amountB: big.NewInt(2000),
			minimum: big.NewInt(100),
			want:    big.NewInt(1314), // floor(sqrt(2e6)) = 1414
		},
		{
			name:    "deposit exactly at minimum",
			amountA: big.NewInt(100),
			amountB: big.NewInt(100),
			minimum: big.NewInt(100),
			wantErr: ErrInsufficientLiquidity,
		},
		{
			name:    "deposit below minimum",
			amountA: big.NewInt(3),
			amountB: big.NewInt(3),
			minimum: big.NewInt(1000),
			wantErr: ErrInsufficientLiquidity,
		},
		{
			name:    "zero side",
			amountA: big.NewInt(0),
			amountB: big.NewInt(400),
			minimum: big.NewInt(100),
			wantErr: ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InitialShares(tt.amountA, tt.amountB, tt.minimum)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 0, tt.want.Cmp(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestQuoteLiquidity(t *testing.T) {
	reserveA := big.NewInt(1000)
	reserveB := big.NewInt(4000)

	t.Run("b side limits", func(t *testing.T) {
		// 100 A wants 400 B; caller offers 500 B, so A is used in full.
		aUsed, bUsed, err := QuoteLiquidity(big.NewInt(100), big.NewInt(500), reserveA, reserveB)
		require.NoError(t, err)
		assert.EqualValues(t, 100, aUsed.Int64())
		assert.EqualValues(t, 400, bUsed.Int64())
	})

	t.Run("a side limits", func(t *testing.T) {
		// 100 A wants 400 B but only 200 B offered; scale A down to 50.
		aUsed, bUsed, err := QuoteLiquidity(big.NewInt(100), big.NewInt(200), reserveA, reserveB)
		require.NoError(t, err)
		assert.EqualValues(t, 50, aUsed.Int64())
		assert.EqualValues(t, 200, bUsed.Int64())
	})

	t.Run("empty reserves", func(t *testing.T) {
		_, _, err := QuoteLiquidity(big.NewInt(100), big.NewInt(200), big.NewInt(0), reserveB)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestSharesForDeposit(t *testing.T) {
	t.Run("proportional deposit", func(t *testing.T) {
		// Doubling both reserves doubles the supply.
		got, err := SharesForDeposit(big.NewInt(1000), big.NewInt(4000),
			big.NewInt(1000), big.NewInt(4000), big.NewInt(2000))
		require.NoError(t, err)
		assert.EqualValues(t, 2000, got.Int64())
	})

	t.Run("minimum of both sides", func(t *testing.T) {
		// The lesser relative contribution wins.
		got, err := SharesForDeposit(big.NewInt(100), big.NewInt(4000),
			big.NewInt(1000), big.NewInt(4000), big.NewInt(2000))
		require.NoError(t, err)
		assert.EqualValues(t, 200, got.Int64())
	})

	t.Run("empty pool", func(t *testing.T) {
		_, err := SharesForDeposit(big.NewInt(100), big.NewInt(400),
			big.NewInt(0), big.NewInt(0), big.NewInt(0))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestWithdrawAmounts(t *testing.T) {
	t.Run("pro rata", func(t *testing.T) {
		aOut, bOut, err := WithdrawAmounts(big.NewInt(100),
			big.NewInt(100), big.NewInt(400), big.NewInt(200))
		require.NoError(t, err)
		assert.EqualValues(t, 50, aOut.Int64())
		assert.EqualValues(t, 200, bOut.Int64())
	})

	t.Run("rounds down", func(t *testing.T) {
		aOut, bOut, err := WithdrawAmounts(big.NewInt(1),
			big.NewInt(100), big.NewInt(101), big.NewInt(3))
		require.NoError(t, err)
		assert.EqualValues(t, 33, aOut.Int64())
		assert.EqualValues(t, 33, bOut.Int64())
	})

	t.Run("no supply", func(t *testing.T) {
		_, _, err := WithdrawAmounts(big.NewInt(1), big.NewInt(100), big.NewInt(100), big.NewInt(0))
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}

func TestSwapInvariantHolds(t *testing.T) {
	t.Run("holds for priced swap", func(t *testing.T) {
		oldIn, oldOut := big.NewInt(1000), big.NewInt(2000)
		amountIn := big.NewInt(100)
		out, err := GetAmountOut(amountIn, oldIn, oldOut, 30)
		require.NoError(t, err)

		newIn := new(big.Int).Add(oldIn, amountIn)
		newOut := new(big.Int).Sub(oldOut, out)
		_, _, ok := SwapInvariantHolds(oldIn, oldOut, newIn, newOut, amountIn, 30)
		assert.True(t, ok)
	})

	t.Run("fails when output overpays", func(t *testing.T) {
		oldIn, oldOut := big.NewInt(1000), big.NewInt(2000)
		amountIn := big.NewInt(100)

		newIn := new(big.Int).Add(oldIn, amountIn)
		newOut := new(big.Int).Sub(oldOut, big.NewInt(200)) // spot price, too generous
		adjusted, floor, ok := SwapInvariantHolds(oldIn, oldOut, newIn, newOut, amountIn, 30)
		assert.False(t, ok)
		assert.True(t, adjusted.Cmp(floor) < 0)
	})
}

func TestProtocolFeeShares(t *testing.T) {
	t.Run("no growth mints nothing", func(t *testing.T) {
		k := big.NewInt(1_000_000)
		got := ProtocolFeeShares(k, k, big.NewInt(1000))
		assert.Zero(t, got.Sign())
	})

	t.Run("unset checkpoint mints nothing", func(t *testing.T) {
		got := ProtocolFeeShares(big.NewInt(1_000_000), big.NewInt(0), big.NewInt(1000))
		assert.Zero(t, got.Sign())
	})

	t.Run("sixth of fee growth", func(t *testing.T) {
		// sqrt(kLast)=1000, sqrt(k)=1100: shares = 1000*100/(5*1100+1000) = 15.
		got := ProtocolFeeShares(big.NewInt(1_210_000), big.NewInt(1_000_000), big.NewInt(1000))
		assert.EqualValues(t, 15, got.Int64())
	})
}
