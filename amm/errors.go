package amm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/defistate/amm-engine-go/amm/calculator"
)

// Validation errors: the caller supplied unusable input.
var (
	// ErrIdenticalTokens is returned when both sides of a pair name the same token.
	ErrIdenticalTokens = errors.New("amm: identical tokens")
	// ErrZeroAmount is returned when an amount is nil, zero or negative where a positive value is required.
	ErrZeroAmount = errors.New("amm: amount must be positive")
	// ErrExpired is returned when a deadline-gated operation is executed past its deadline.
	ErrExpired = errors.New("amm: deadline expired")
	// ErrOverflow is returned when an amount or a resulting reserve exceeds the 256-bit bound.
	ErrOverflow = errors.New("amm: arithmetic overflow")
	// ErrInvalidPath is returned for malformed swap paths, including paths that revisit a pool.
	ErrInvalidPath = errors.New("amm: invalid swap path")
)

// Slippage errors: prices moved between quoting and execution.
var (
	// ErrInsufficientOutput is returned when a swap would produce nothing or drain a reserve.
	ErrInsufficientOutput = errors.New("amm: insufficient output amount")
	// ErrSlippageExceeded is returned when an executed amount falls outside the caller's bounds.
	ErrSlippageExceeded = errors.New("amm: slippage exceeded")
)

// State errors: the request referenced state that cannot satisfy it.
var (
	// ErrPoolNotFound is returned when no pool exists for a pair or id.
	ErrPoolNotFound = errors.New("amm: pool not found")
	// ErrInsufficientShares is returned when a caller burns more shares than they hold.
	ErrInsufficientShares = errors.New("amm: insufficient shares")
	// ErrInsufficientLiquidity is returned when a pool's reserves cannot support the operation.
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
)

// ErrNoRouteFound is the typed no-path result of read-only routing. It marks
// the absence of a route, not a fault.
var ErrNoRouteFound = errors.New("amm: no route found")

// ErrInvariantViolation marks a fatal internal-consistency fault: the
// fee-adjusted constant product decreased. It is never caused by user input
// and always implies an arithmetic or logic defect.
var ErrInvariantViolation = errors.New("amm: constant-product invariant violated")

// InvariantError carries the evidence of an invariant violation. It unwraps
// to ErrInvariantViolation so callers classify it with errors.Is.
type InvariantError struct {
	PoolID uint64
	// Adjusted and Floor are the fee-adjusted products that were compared,
	// both scaled by 10000 per reserve.
	Adjusted *big.Int
	Floor    *big.Int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("amm: constant-product invariant violated on pool %d: adjusted product %s < floor %s",
		e.PoolID, e.Adjusted, e.Floor)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// mapCalcErr lifts calculator errors into the engine taxonomy while keeping
// the original message in the chain.
func mapCalcErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, calculator.ErrOverflow):
		return fmt.Errorf("%w: %v", ErrOverflow, err)
	case errors.Is(err, calculator.ErrNilAmount), errors.Is(err, calculator.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrZeroAmount, err)
	case errors.Is(err, calculator.ErrInsufficientLiquidity):
		return fmt.Errorf("%w: %v", ErrInsufficientLiquidity, err)
	default:
		return err
	}
}
