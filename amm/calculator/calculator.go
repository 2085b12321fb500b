// Package calculator implements the pure constant-product pricing and share
// accounting math used by the engine. Everything here is stateless integer
// arithmetic on *big.Int; amounts are bounded to 256 bits and checked
// explicitly rather than allowed to grow without limit.
package calculator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// basisPointDivisor is a constant representing 100% in basis points (10000).
var basisPointDivisor = big.NewInt(10000)

var (
	// ErrNilAmount is returned when a nil pointer is passed for an amount.
	ErrNilAmount = errors.New("nil pointer passed as amount")
	// ErrInvalidAmount is returned when an amount is negative or zero where a positive value is required.
	ErrInvalidAmount = errors.New("amount must be non-nil and non-negative")
	// ErrOverflow is returned when an amount or intermediate result exceeds 256 bits.
	ErrOverflow = errors.New("amount exceeds 256-bit bound")
	// ErrInsufficientLiquidity is returned when reserves are empty or an output would drain a reserve.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrInvalidState is returned for internal calculation errors, like division by zero.
	ErrInvalidState = errors.New("invalid internal state")
)

// Calculator holds reusable big.Int objects to avoid memory allocations
// during calculations. Instances are NOT safe for concurrent use by
// themselves; they are managed by the pool below.
type Calculator struct {
	feeMultiplier   *big.Int
	amountInWithFee *big.Int
	numerator       *big.Int
	denominator     *big.Int
}

var calculatorPool = sync.Pool{
	New: func() any {
		return &Calculator{
			feeMultiplier:   new(big.Int),
			amountInWithFee: new(big.Int),
			numerator:       new(big.Int),
			denominator:     new(big.Int),
		}
	},
}

// CheckAmount validates that x is a usable 256-bit amount. The uint256
// conversion is the overflow guard: anything wider than the bounded
// unsigned arithmetic of the original system is rejected up front.
func CheckAmount(x *big.Int) error {
	if x == nil {
		return ErrNilAmount
	}
	if x.Sign() < 0 {
		return ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(x); overflow {
		return ErrOverflow
	}
	return nil
}

// GetAmountOut prices an exact-input swap against one pool:
//
//	out = reserveOut * in*(10000-feeBps) / (reserveIn*10000 + in*(10000-feeBps))
//
// The fee is charged on the input side in basis points. Integer division
// rounds the output down, always in the pool's favor.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	if err := CheckAmount(amountIn); err != nil {
		return nil, err
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty reserves", ErrInsufficientLiquidity)
	}

	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)

	calc.feeMultiplier.Sub(basisPointDivisor, big.NewInt(int64(feeBps)))
	calc.amountInWithFee.Mul(amountIn, calc.feeMultiplier)
	calc.numerator.Mul(reserveOut, calc.amountInWithFee)
	calc.denominator.Mul(reserveIn, basisPointDivisor)
	calc.denominator.Add(calc.denominator, calc.amountInWithFee)

	if calc.denominator.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero denominator", ErrInvalidState)
	}

	return new(big.Int).Div(calc.numerator, calc.denominator), nil
}

// GetAmountIn computes the input required for a desired exact output, the
// inverse of GetAmountOut. The +1 compensates for truncation so the returned
// input always buys at least amountOut.
func GetAmountIn(amountOut, reserveIn, reserveOut *big.Int, feeBps uint16) (*big.Int, error) {
	if err := CheckAmount(amountOut); err != nil {
		return nil, err
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty reserves", ErrInsufficientLiquidity)
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: requested amountOut (%s) >= reserveOut (%s)",
			ErrInsufficientLiquidity, amountOut, reserveOut)
	}

	calc := calculatorPool.Get().(*Calculator)
	defer calculatorPool.Put(calc)

	calc.numerator.Mul(reserveIn, amountOut)
	calc.numerator.Mul(calc.numerator, basisPointDivisor)

	calc.feeMultiplier.Sub(basisPointDivisor, big.NewInt(int64(feeBps)))
	calc.denominator.Sub(reserveOut, amountOut)
	calc.denominator.Mul(calc.denominator, calc.feeMultiplier)

	if calc.denominator.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero denominator", ErrInvalidState)
	}

	amountIn := new(big.Int).Div(calc.numerator, calc.denominator)
	return amountIn.Add(amountIn, big.NewInt(1)), nil
}

// InitialShares computes the shares minted by a pool's first deposit:
// floor(sqrt(amountA*amountB)) minus the permanently locked minimum. The
// geometric mean makes the initial share price independent of the deposit
// ratio, and the locked minimum blocks share-price manipulation via a
// near-zero first deposit.
func InitialShares(amountA, amountB, minimumLiquidity *big.Int) (*big.Int, error) {
	if err := CheckAmount(amountA); err != nil {
		return nil, err
	}
	if err := CheckAmount(amountB); err != nil {
		return nil, err
	}
	if amountA.Sign() == 0 || amountB.Sign() == 0 {
		return nil, ErrInvalidAmount
	}

	shares := new(big.Int).Mul(amountA, amountB)
	shares.Sqrt(shares)
	if shares.Cmp(minimumLiquidity) <= 0 {
		return nil, fmt.Errorf("%w: first deposit too small: sqrt(a*b)=%s must exceed locked minimum %s",
			ErrInsufficientLiquidity, shares, minimumLiquidity)
	}
	return shares.Sub(shares, minimumLiquidity), nil
}

// QuoteLiquidity resolves the amounts actually used by a subsequent deposit.
// It preserves the current reserve ratio and never exceeds either desired
// amount: bOptimal = aDesired*reserveB/reserveA is used when it fits under
// bDesired, otherwise the symmetric aOptimal is taken.
func QuoteLiquidity(aDesired, bDesired, reserveA, reserveB *big.Int) (aUsed, bUsed *big.Int, err error) {
	if err := CheckAmount(aDesired); err != nil {
		return nil, nil, err
	}
	if err := CheckAmount(bDesired); err != nil {
		return nil, nil, err
	}
	if reserveA == nil || reserveB == nil || reserveA.Sign() <= 0 || reserveB.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: empty reserves", ErrInsufficientLiquidity)
	}

	bOptimal := new(big.Int).Mul(aDesired, reserveB)
	bOptimal.Div(bOptimal, reserveA)
	if bOptimal.Cmp(bDesired) <= 0 {
		return new(big.Int).Set(aDesired), bOptimal, nil
	}

	aOptimal := new(big.Int).Mul(bDesired, reserveA)
	aOptimal.Div(aOptimal, reserveB)
	if aOptimal.Cmp(aDesired) > 0 {
		return nil, nil, fmt.Errorf("%w: optimal amount exceeds desired", ErrInvalidState)
	}
	return aOptimal, new(big.Int).Set(bDesired), nil
}

// SharesForDeposit computes the shares minted for a ratio-preserving deposit:
// the minimum of the two relative contributions, which prevents donation-based
// share dilution.
func SharesForDeposit(aUsed, bUsed, reserveA, reserveB, totalShares *big.Int) (*big.Int, error) {
	if reserveA.Sign() <= 0 || reserveB.Sign() <= 0 || totalShares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty pool", ErrInsufficientLiquidity)
	}

	byA := new(big.Int).Mul(aUsed, totalShares)
	byA.Div(byA, reserveA)
	byB := new(big.Int).Mul(bUsed, totalShares)
	byB.Div(byB, reserveB)

	if byA.Cmp(byB) < 0 {
		return byA, nil
	}
	return byB, nil
}

// WithdrawAmounts computes the strictly pro-rata outputs for burning shares.
func WithdrawAmounts(shares, reserveA, reserveB, totalShares *big.Int) (aOut, bOut *big.Int, err error) {
	if err := CheckAmount(shares); err != nil {
		return nil, nil, err
	}
	if totalShares.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: no shares outstanding", ErrInsufficientLiquidity)
	}

	aOut = new(big.Int).Mul(shares, reserveA)
	aOut.Div(aOut, totalShares)
	bOut = new(big.Int).Mul(shares, reserveB)
	bOut.Div(bOut, totalShares)
	return aOut, bOut, nil
}

// SwapInvariantHolds checks the mandatory post-swap condition: the
// fee-adjusted product of the new reserves must not fall below the product of
// the old ones. Both sides are scaled by 10000 per reserve so the comparison
// stays in integers:
//
//	(newIn*10000 - in*feeBps) * newOut*10000  >=  oldIn*oldOut*10000^2
//
// It returns the two scaled products so callers can report a violation.
func SwapInvariantHolds(oldIn, oldOut, newIn, newOut, amountIn *big.Int, feeBps uint16) (adjusted, floor *big.Int, ok bool) {
	adjustedIn := new(big.Int).Mul(newIn, basisPointDivisor)
	fee := new(big.Int).Mul(amountIn, big.NewInt(int64(feeBps)))
	adjustedIn.Sub(adjustedIn, fee)

	adjusted = new(big.Int).Mul(newOut, basisPointDivisor)
	adjusted.Mul(adjusted, adjustedIn)

	floor = new(big.Int).Mul(oldIn, oldOut)
	floor.Mul(floor, basisPointDivisor)
	floor.Mul(floor, basisPointDivisor)

	return adjusted, floor, adjusted.Cmp(floor) >= 0
}

// ProtocolFeeShares computes the shares minted to the protocol treasury for
// the growth of sqrt(k) since the last liquidity change, at a 1/6 cut of
// the fee growth:
//
//	shares = totalShares * (sqrt(k) - sqrt(kLast)) / (5*sqrt(k) + sqrt(kLast))
//
// Returns zero when sqrt(k) has not grown.
func ProtocolFeeShares(k, kLast, totalShares *big.Int) *big.Int {
	if k == nil || kLast == nil || kLast.Sign() == 0 {
		return new(big.Int)
	}

	rootK := new(big.Int).Sqrt(k)
	rootKLast := new(big.Int).Sqrt(kLast)
	if rootK.Cmp(rootKLast) <= 0 {
		return new(big.Int)
	}

	num := new(big.Int).Sub(rootK, rootKLast)
	num.Mul(num, totalShares)
	den := new(big.Int).Mul(rootK, big.NewInt(5))
	den.Add(den, rootKLast)
	return num.Div(num, den)
}
