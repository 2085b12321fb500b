package amm

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/amm-engine-go/amm/calculator"
	"github.com/defistate/amm-engine-go/events"
	"github.com/defistate/amm-engine-go/ledger"
)

// lockedShareOwner holds the permanently locked minimum-liquidity shares, so
// the sum of share balances always equals totalShares exactly.
var lockedShareOwner = common.Address{}

// PoolView is a consistent snapshot of one pool's state. All values are
// owned by the caller.
type PoolView struct {
	ID          uint64         `json:"id"`
	TokenA      common.Address `json:"tokenA"`
	TokenB      common.Address `json:"tokenB"`
	ReserveA    *big.Int       `json:"reserveA"`
	ReserveB    *big.Int       `json:"reserveB"`
	TotalShares *big.Int       `json:"totalShares"`
	FeeBps      uint16         `json:"feeBps"`
	LastUpdate  int64          `json:"lastUpdate"`
}

// Pool is a two-asset constant-product liquidity pool. It owns its reserves
// (held in a dedicated ledger account), the LP share ledger, and the
// add/remove/swap state transitions. Every mutation is serialized behind the
// pool's mutex and is all-or-nothing: token movement is journaled and any
// failure unwinds the whole operation before state commits.
type Pool struct {
	id      uint64
	tokenA  common.Address
	tokenB  common.Address
	account common.Address
	reg     *Registry

	mu          sync.Mutex
	reserveA    *big.Int
	reserveB    *big.Int
	totalShares *big.Int
	shares      map[common.Address]*big.Int
	kLast       *big.Int // sqrt(k) checkpoint base; tracked only with the protocol fee enabled
	lastUpdate  int64
}

func newPool(id uint64, tokenA, tokenB common.Address, reg *Registry) *Pool {
	return &Pool{
		id:          id,
		tokenA:      tokenA,
		tokenB:      tokenB,
		account:     poolAccount(id),
		reg:         reg,
		reserveA:    new(big.Int),
		reserveB:    new(big.Int),
		totalShares: new(big.Int),
		shares:      make(map[common.Address]*big.Int),
		kLast:       new(big.Int),
	}
}

// ID returns the pool's registry id.
func (p *Pool) ID() uint64 { return p.id }

// TokenA returns the canonically smaller token of the pair.
func (p *Pool) TokenA() common.Address { return p.tokenA }

// TokenB returns the canonically larger token of the pair.
func (p *Pool) TokenB() common.Address { return p.tokenB }

// FeeBps returns the trading fee in basis points.
func (p *Pool) FeeBps() uint16 { return p.reg.params.FeeBps }

// Account returns the ledger account holding the pool's reserves.
func (p *Pool) Account() common.Address { return p.account }

// Reserves returns a snapshot of both reserves and the last update time.
func (p *Pool) Reserves() (reserveA, reserveB *big.Int, lastUpdate int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.reserveA), new(big.Int).Set(p.reserveB), p.lastUpdate
}

// SharesOf returns the owner's share balance.
func (p *Pool) SharesOf(owner common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.shares[owner]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// TotalShares returns the outstanding share supply, locked minimum included.
func (p *Pool) TotalShares() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalShares)
}

// View returns a consistent snapshot of the pool.
func (p *Pool) View() PoolView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolView{
		ID:          p.id,
		TokenA:      p.tokenA,
		TokenB:      p.tokenB,
		ReserveA:    new(big.Int).Set(p.reserveA),
		ReserveB:    new(big.Int).Set(p.reserveB),
		TotalShares: new(big.Int).Set(p.totalShares),
		FeeBps:      p.reg.params.FeeBps,
		LastUpdate:  p.lastUpdate,
	}
}

// AddLiquidity deposits up to the desired amounts from the provider,
// preserving the current reserve ratio, and mints shares to the recipient.
// Amounts follow canonical token order. On the first deposit the share price
// is set by the geometric mean and the minimum liquidity is locked forever.
func (p *Pool) AddLiquidity(provider, recipient common.Address, aDesired, bDesired, aMin, bMin *big.Int) (aUsed, bUsed, minted *big.Int, err error) {
	defer func() {
		p.reg.metrics.liquidityOpsTotal.WithLabelValues("add", resultLabel(err)).Inc()
	}()

	if err := requirePositive(aDesired); err != nil {
		return nil, nil, nil, err
	}
	if err := requirePositive(bDesired); err != nil {
		return nil, nil, nil, err
	}
	aMin, bMin = orZero(aMin), orZero(bMin)

	p.mu.Lock()
	defer p.mu.Unlock()

	locked := new(big.Int)
	if p.totalShares.Sign() == 0 {
		// First deposit: both desired amounts are used in full.
		minted, err = calculator.InitialShares(aDesired, bDesired, p.reg.params.MinimumLiquidity)
		if err != nil {
			return nil, nil, nil, mapCalcErr(err)
		}
		aUsed = new(big.Int).Set(aDesired)
		bUsed = new(big.Int).Set(bDesired)
		locked.Set(p.reg.params.MinimumLiquidity)
	} else {
		p.mintProtocolFeeLocked()

		aUsed, bUsed, err = calculator.QuoteLiquidity(aDesired, bDesired, p.reserveA, p.reserveB)
		if err != nil {
			return nil, nil, nil, mapCalcErr(err)
		}
		minted, err = calculator.SharesForDeposit(aUsed, bUsed, p.reserveA, p.reserveB, p.totalShares)
		if err != nil {
			return nil, nil, nil, mapCalcErr(err)
		}
		if minted.Sign() == 0 {
			return nil, nil, nil, fmt.Errorf("%w: deposit too small to mint shares", ErrInsufficientLiquidity)
		}
	}

	if aUsed.Cmp(aMin) < 0 || bUsed.Cmp(bMin) < 0 {
		return nil, nil, nil, fmt.Errorf("%w: used amounts (%s, %s) below minimums (%s, %s)",
			ErrSlippageExceeded, aUsed, bUsed, aMin, bMin)
	}

	newReserveA := new(big.Int).Add(p.reserveA, aUsed)
	newReserveB := new(big.Int).Add(p.reserveB, bUsed)
	if err := checkReserves(newReserveA, newReserveB); err != nil {
		return nil, nil, nil, err
	}

	// Move tokens before touching state; a failed second leg refunds the first.
	journal := ledger.NewJournal(p.reg.ledger)
	if err := journal.Transfer(p.tokenA, provider, p.account, aUsed); err != nil {
		return nil, nil, nil, fmt.Errorf("add liquidity: token A transfer: %w", err)
	}
	if err := journal.Transfer(p.tokenB, provider, p.account, bUsed); err != nil {
		p.rollback(journal)
		return nil, nil, nil, fmt.Errorf("add liquidity: token B transfer: %w", err)
	}
	journal.Commit()

	p.reserveA = newReserveA
	p.reserveB = newReserveB
	if locked.Sign() > 0 {
		p.creditShares(lockedShareOwner, locked)
		p.totalShares.Add(p.totalShares, locked)
	}
	p.creditShares(recipient, minted)
	p.totalShares.Add(p.totalShares, minted)
	p.updateKLastLocked()
	p.lastUpdate = p.reg.now().Unix()

	p.reg.sink.Publish(events.Record{
		PoolID:    p.id,
		Kind:      events.KindAddLiquidity,
		Actor:     provider,
		Recipient: recipient,
		TokenA:    p.tokenA,
		TokenB:    p.tokenB,
		AmountA:   new(big.Int).Set(aUsed),
		AmountB:   new(big.Int).Set(bUsed),
		Shares:    new(big.Int).Set(minted),
		ReserveA:  new(big.Int).Set(p.reserveA),
		ReserveB:  new(big.Int).Set(p.reserveB),
		Timestamp: p.lastUpdate,
	})

	return aUsed, bUsed, minted, nil
}

// RemoveLiquidity burns the provider's shares and pays out the strictly
// pro-rata portion of both reserves to the recipient.
func (p *Pool) RemoveLiquidity(provider, recipient common.Address, shares, aMin, bMin *big.Int) (aOut, bOut *big.Int, err error) {
	defer func() {
		p.reg.metrics.liquidityOpsTotal.WithLabelValues("remove", resultLabel(err)).Inc()
	}()

	if err := requirePositive(shares); err != nil {
		return nil, nil, err
	}
	aMin, bMin = orZero(aMin), orZero(bMin)

	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.shares[provider]
	if !ok || held.Cmp(shares) < 0 {
		return nil, nil, fmt.Errorf("%w: holding %s, burning %s", ErrInsufficientShares, sharesString(held), shares)
	}

	p.mintProtocolFeeLocked()

	aOut, bOut, err = calculator.WithdrawAmounts(shares, p.reserveA, p.reserveB, p.totalShares)
	if err != nil {
		return nil, nil, mapCalcErr(err)
	}
	if aOut.Sign() == 0 || bOut.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: shares too few to withdraw both assets", ErrInsufficientOutput)
	}
	if aOut.Cmp(aMin) < 0 || bOut.Cmp(bMin) < 0 {
		return nil, nil, fmt.Errorf("%w: outputs (%s, %s) below minimums (%s, %s)",
			ErrSlippageExceeded, aOut, bOut, aMin, bMin)
	}

	journal := ledger.NewJournal(p.reg.ledger)
	if err := journal.Transfer(p.tokenA, p.account, recipient, aOut); err != nil {
		return nil, nil, fmt.Errorf("remove liquidity: token A transfer: %w", err)
	}
	if err := journal.Transfer(p.tokenB, p.account, recipient, bOut); err != nil {
		p.rollback(journal)
		return nil, nil, fmt.Errorf("remove liquidity: token B transfer: %w", err)
	}
	journal.Commit()

	held.Sub(held, shares)
	if held.Sign() == 0 {
		delete(p.shares, provider)
	}
	p.totalShares.Sub(p.totalShares, shares)
	p.reserveA.Sub(p.reserveA, aOut)
	p.reserveB.Sub(p.reserveB, bOut)
	p.updateKLastLocked()
	p.lastUpdate = p.reg.now().Unix()

	p.reg.sink.Publish(events.Record{
		PoolID:    p.id,
		Kind:      events.KindRemoveLiquidity,
		Actor:     provider,
		Recipient: recipient,
		TokenA:    p.tokenA,
		TokenB:    p.tokenB,
		AmountA:   new(big.Int).Set(aOut),
		AmountB:   new(big.Int).Set(bOut),
		Shares:    new(big.Int).Set(shares),
		ReserveA:  new(big.Int).Set(p.reserveA),
		ReserveB:  new(big.Int).Set(p.reserveB),
		Timestamp: p.lastUpdate,
	})

	return aOut, bOut, nil
}

// swapPlan is a fully validated swap waiting to commit: the output amount and
// the post-swap reserves, with the invariant already checked.
type swapPlan struct {
	tokenIn       common.Address
	tokenOut      common.Address
	amountIn      *big.Int
	amountOut     *big.Int
	newReserveA   *big.Int
	newReserveB   *big.Int
	inputIsTokenA bool
}

// Swap trades an exact input of one pool token for the other, charging the
// fee on the input side. The output is priced by the constant-product
// formula; the fee-adjusted product is verified not to decrease before any
// effect is applied.
func (p *Pool) Swap(trader, recipient common.Address, amountIn *big.Int, inputIsTokenA bool) (out *big.Int, err error) {
	defer func() {
		p.reg.metrics.swapsTotal.WithLabelValues(resultLabel(err)).Inc()
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	plan, err := p.prepareSwapLocked(amountIn, inputIsTokenA)
	if err != nil {
		return nil, err
	}

	journal := ledger.NewJournal(p.reg.ledger)
	if err := journal.Transfer(plan.tokenIn, trader, p.account, plan.amountIn); err != nil {
		return nil, fmt.Errorf("swap: input transfer: %w", err)
	}
	if err := journal.Transfer(plan.tokenOut, p.account, recipient, plan.amountOut); err != nil {
		p.rollback(journal)
		return nil, fmt.Errorf("swap: output transfer: %w", err)
	}
	journal.Commit()

	p.commitSwapLocked(plan, trader, recipient)
	return new(big.Int).Set(plan.amountOut), nil
}

// prepareSwapLocked validates and prices a swap without side effects.
// Callers must hold p.mu.
func (p *Pool) prepareSwapLocked(amountIn *big.Int, inputIsTokenA bool) (*swapPlan, error) {
	if err := requirePositive(amountIn); err != nil {
		return nil, err
	}
	if p.reserveA.Sign() == 0 || p.reserveB.Sign() == 0 {
		return nil, fmt.Errorf("%w: pool %d has empty reserves", ErrInsufficientLiquidity, p.id)
	}

	reserveIn, reserveOut := p.reserveA, p.reserveB
	tokenIn, tokenOut := p.tokenA, p.tokenB
	if !inputIsTokenA {
		reserveIn, reserveOut = p.reserveB, p.reserveA
		tokenIn, tokenOut = p.tokenB, p.tokenA
	}

	feeBps := p.reg.params.FeeBps
	amountOut, err := calculator.GetAmountOut(amountIn, reserveIn, reserveOut, feeBps)
	if err != nil {
		return nil, mapCalcErr(err)
	}
	if amountOut.Sign() == 0 || amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: amountOut %s against reserve %s", ErrInsufficientOutput, amountOut, reserveOut)
	}

	newIn := new(big.Int).Add(reserveIn, amountIn)
	newOut := new(big.Int).Sub(reserveOut, amountOut)
	if err := checkReserves(newIn, newOut); err != nil {
		return nil, err
	}

	adjusted, floor, ok := calculator.SwapInvariantHolds(reserveIn, reserveOut, newIn, newOut, amountIn, feeBps)
	if !ok {
		verr := &InvariantError{PoolID: p.id, Adjusted: adjusted, Floor: floor}
		p.reg.metrics.invariantViolations.Inc()
		p.reg.logger.Error("CRITICAL: constant-product invariant violated, swap aborted",
			"pool_id", p.id, "amount_in", amountIn, "adjusted", adjusted, "floor", floor)
		return nil, verr
	}

	plan := &swapPlan{
		tokenIn:       tokenIn,
		tokenOut:      tokenOut,
		amountIn:      new(big.Int).Set(amountIn),
		amountOut:     amountOut,
		inputIsTokenA: inputIsTokenA,
	}
	if inputIsTokenA {
		plan.newReserveA, plan.newReserveB = newIn, newOut
	} else {
		plan.newReserveA, plan.newReserveB = newOut, newIn
	}
	return plan, nil
}

// commitSwapLocked applies a prepared swap's reserve changes and publishes
// the record. It cannot fail. Callers must hold p.mu and have completed the
// token movement.
func (p *Pool) commitSwapLocked(plan *swapPlan, trader, recipient common.Address) {
	p.reserveA = plan.newReserveA
	p.reserveB = plan.newReserveB
	p.lastUpdate = p.reg.now().Unix()

	in, _ := new(big.Float).SetInt(plan.amountIn).Float64()
	p.reg.metrics.swapInputVolume.WithLabelValues(plan.tokenIn.Hex()).Add(in)

	p.reg.sink.Publish(events.Record{
		PoolID:    p.id,
		Kind:      events.KindSwap,
		Actor:     trader,
		Recipient: recipient,
		TokenA:    p.tokenA,
		TokenB:    p.tokenB,
		TokenIn:   plan.tokenIn,
		AmountIn:  new(big.Int).Set(plan.amountIn),
		AmountOut: new(big.Int).Set(plan.amountOut),
		ReserveA:  new(big.Int).Set(p.reserveA),
		ReserveB:  new(big.Int).Set(p.reserveB),
		Timestamp: p.lastUpdate,
	})
}

// mintProtocolFeeLocked mints treasury shares for sqrt(k) growth since the
// last liquidity change. No-op unless the protocol fee is enabled. Callers
// must hold p.mu.
func (p *Pool) mintProtocolFeeLocked() {
	if !p.reg.params.ProtocolFeeEnabled || p.kLast.Sign() == 0 {
		return
	}

	k := new(big.Int).Mul(p.reserveA, p.reserveB)
	minted := calculator.ProtocolFeeShares(k, p.kLast, p.totalShares)
	if minted.Sign() == 0 {
		return
	}

	p.creditShares(p.reg.params.ProtocolFeeRecipient, minted)
	p.totalShares.Add(p.totalShares, minted)
	p.reg.logger.Debug("protocol fee minted", "pool_id", p.id, "shares", minted)
}

// updateKLastLocked refreshes the protocol-fee checkpoint after a liquidity
// change. Callers must hold p.mu.
func (p *Pool) updateKLastLocked() {
	if !p.reg.params.ProtocolFeeEnabled {
		return
	}
	p.kLast.Mul(p.reserveA, p.reserveB)
}

func (p *Pool) creditShares(owner common.Address, amount *big.Int) {
	if s, ok := p.shares[owner]; ok {
		s.Add(s, amount)
		return
	}
	p.shares[owner] = new(big.Int).Set(amount)
}

// rollback unwinds a journal and escalates if the underlying ledger cannot
// reverse its own transfers.
func (p *Pool) rollback(journal *ledger.Journal) {
	if err := journal.Rollback(); err != nil {
		p.reg.logger.Error("CRITICAL: ledger rollback failed, balances may be inconsistent",
			"pool_id", p.id, "error", err)
	}
}

func requirePositive(x *big.Int) error {
	if x == nil || x.Sign() <= 0 {
		return fmt.Errorf("%w: got %s", ErrZeroAmount, sharesString(x))
	}
	return calcAmountErr(x)
}

// calcAmountErr surfaces the 256-bit bound check as the engine's overflow error.
func calcAmountErr(x *big.Int) error {
	if err := calculator.CheckAmount(x); err != nil {
		return mapCalcErr(err)
	}
	return nil
}

func checkReserves(a, b *big.Int) error {
	if err := calculator.CheckAmount(a); err != nil {
		return mapCalcErr(err)
	}
	if err := calculator.CheckAmount(b); err != nil {
		return mapCalcErr(err)
	}
	return nil
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

func sharesString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
