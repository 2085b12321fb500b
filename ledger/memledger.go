package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	token common.Address
	owner common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// MemLedger is an in-memory Ledger used by tests, examples and the demo
// binary. All methods are safe for concurrent use.
type MemLedger struct {
	mu         sync.RWMutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// Mint credits amount of token to the owner. Used for seeding state; a real
// deployment replaces MemLedger with an adapter over the production ledger.
func (l *MemLedger) Mint(token, owner common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.credit(token, owner, amount)
	return nil
}

func (l *MemLedger) Transfer(token, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.move(token, from, to, amount)
}

func (l *MemLedger) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{token: token, owner: from, spender: spender}
	allowed, ok := l.allowances[key]
	if !ok || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: spender %s has %s, needs %s",
			ErrInsufficientAllowance, spender, allowanceString(allowed), amount)
	}

	if err := l.move(token, from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

func (l *MemLedger) BalanceOf(token, owner common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.balances[balanceKey{token: token, owner: owner}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *MemLedger) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.allowances[allowanceKey{token: token, owner: owner, spender: spender}] = new(big.Int).Set(amount)
	return nil
}

func (l *MemLedger) Allowance(token, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if a, ok := l.allowances[allowanceKey{token: token, owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

// RestoreAllowance re-credits allowance consumed by a rolled-back
// TransferFrom. Implements AllowanceRestorer for the journal.
func (l *MemLedger) RestoreAllowance(token, owner, spender common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := allowanceKey{token: token, owner: owner, spender: spender}
	if a, ok := l.allowances[key]; ok {
		a.Add(a, amount)
	} else {
		l.allowances[key] = new(big.Int).Set(amount)
	}
}

// move transfers balance between owners. Callers must hold l.mu.
func (l *MemLedger) move(token, from, to common.Address, amount *big.Int) error {
	fromKey := balanceKey{token: token, owner: from}
	balance, ok := l.balances[fromKey]
	if !ok || balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s",
			ErrInsufficientBalance, from, allowanceString(balance), token, amount)
	}

	balance.Sub(balance, amount)
	l.credit(token, to, amount)
	return nil
}

// credit adds amount to the owner's balance. Callers must hold l.mu.
func (l *MemLedger) credit(token, owner common.Address, amount *big.Int) {
	key := balanceKey{token: token, owner: owner}
	if b, ok := l.balances[key]; ok {
		b.Add(b, amount)
	} else {
		l.balances[key] = new(big.Int).Set(amount)
	}
}

func allowanceString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
