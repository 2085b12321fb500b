package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// journalEntry records one successful transfer so it can be reversed.
type journalEntry struct {
	token   common.Address
	from    common.Address
	to      common.Address
	amount  *big.Int
	spender *common.Address // set when the entry came from TransferFrom
}

// Journal decorates a Ledger with all-or-nothing semantics for one logical
// call: every successful transfer is recorded, and Rollback reverses them in
// LIFO order. A Journal is used by a single goroutine for the duration of one
// operation and must not be shared.
type Journal struct {
	inner   Ledger
	entries []journalEntry
}

// NewJournal wraps a ledger for one transactional operation.
func NewJournal(inner Ledger) *Journal {
	return &Journal{inner: inner}
}

func (j *Journal) Transfer(token, from, to common.Address, amount *big.Int) error {
	if err := j.inner.Transfer(token, from, to, amount); err != nil {
		return err
	}
	j.entries = append(j.entries, journalEntry{
		token:  token,
		from:   from,
		to:     to,
		amount: new(big.Int).Set(amount),
	})
	return nil
}

func (j *Journal) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	if err := j.inner.TransferFrom(token, spender, from, to, amount); err != nil {
		return err
	}
	sp := spender
	j.entries = append(j.entries, journalEntry{
		token:   token,
		from:    from,
		to:      to,
		amount:  new(big.Int).Set(amount),
		spender: &sp,
	})
	return nil
}

func (j *Journal) BalanceOf(token, owner common.Address) *big.Int {
	return j.inner.BalanceOf(token, owner)
}

func (j *Journal) Approve(token, owner, spender common.Address, amount *big.Int) error {
	return j.inner.Approve(token, owner, spender, amount)
}

func (j *Journal) Allowance(token, owner, spender common.Address) *big.Int {
	return j.inner.Allowance(token, owner, spender)
}

// Rollback reverses every recorded transfer, newest first. It returns the
// first reversal failure; a failed reversal indicates the underlying ledger
// broke its own contract, so callers should treat it as fatal.
func (j *Journal) Rollback() error {
	var firstErr error
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if err := j.inner.Transfer(e.token, e.to, e.from, e.amount); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("journal rollback: reversing %s -> %s (%s): %w", e.from, e.to, e.amount, err)
			}
			continue
		}
		if e.spender != nil {
			if r, ok := j.inner.(AllowanceRestorer); ok {
				r.RestoreAllowance(e.token, e.from, *e.spender, e.amount)
			}
		}
	}
	j.entries = j.entries[:0]
	return firstErr
}

// Commit discards the journal; the recorded transfers become permanent.
func (j *Journal) Commit() {
	j.entries = j.entries[:0]
}

// Len reports the number of uncommitted transfers.
func (j *Journal) Len() int {
	return len(j.entries)
}
