package ledger

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidAmount is returned when an amount is nil or not positive.
	ErrInvalidAmount = errors.New("ledger: amount must be non-nil and positive")
	// ErrInsufficientBalance is returned when a transfer exceeds the sender's balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInsufficientAllowance is returned when a delegated transfer exceeds the approved amount.
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
)

// Ledger is the fungible-token collaborator the engine moves assets through.
// Implementations must be safe for concurrent use. A transfer either fully
// applies or returns an error with no effect.
type Ledger interface {
	// Transfer moves amount of token from one owner to another.
	Transfer(token, from, to common.Address, amount *big.Int) error

	// TransferFrom moves amount of token from 'from' to 'to' on behalf of
	// spender, consuming allowance.
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error

	// BalanceOf returns the owner's balance of token. The returned value is
	// owned by the caller.
	BalanceOf(token, owner common.Address) *big.Int

	// Approve sets spender's allowance over the owner's tokens.
	Approve(token, owner, spender common.Address, amount *big.Int) error

	// Allowance returns the remaining approved amount.
	Allowance(token, owner, spender common.Address) *big.Int
}

// AllowanceRestorer is an optional extension used by the journal to restore
// allowance consumed by a rolled-back TransferFrom.
type AllowanceRestorer interface {
	RestoreAllowance(token, owner, spender common.Address, amount *big.Int)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
