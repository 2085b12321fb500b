package amm

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/amm-engine-go/amm/calculator"
	"github.com/defistate/amm-engine-go/ledger"
)

// MaxRouteHops bounds the depth of any route. The candidate graph is
// deliberately small: direct pairs plus configured base intermediates.
const MaxRouteHops = 3

// Route is an ephemeral trade path: the ordered token sequence and the pool
// serving each hop, with the output quoted at search time.
type Route struct {
	Tokens    []common.Address
	Pools     []uint64
	QuotedOut *big.Int
}

// Hops returns the number of pools the route crosses.
func (r Route) Hops() int { return len(r.Pools) }

// RouterConfig holds the router's dependencies.
type RouterConfig struct {
	Registry *Registry

	// BaseTokens are the intermediate assets considered during route search,
	// typically the stables and the wrapped native asset. Duplicates are
	// dropped; order is the tie-break preference among equal-length routes.
	BaseTokens []common.Address

	// MaxHops caps route depth, clamped to MaxRouteHops. Defaults to
	// MaxRouteHops when zero.
	MaxHops int

	// Logger overrides the registry logger. Optional.
	Logger Logger
}

// Router is the stateless orchestration layer: quoting, bounded best-route
// search, and deadline/slippage-gated execution across one or more pools.
type Router struct {
	reg     *Registry
	base    []common.Address
	maxHops int
	logger  Logger
}

// NewRouter builds a router over a registry.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errors.New("config: Registry is required")
	}

	maxHops := cfg.MaxHops
	if maxHops <= 0 || maxHops > MaxRouteHops {
		maxHops = MaxRouteHops
	}

	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Registry.logger
	}

	seen := mapset.NewThreadUnsafeSet[common.Address]()
	base := make([]common.Address, 0, len(cfg.BaseTokens))
	for _, t := range cfg.BaseTokens {
		if seen.Add(t) {
			base = append(base, t)
		}
	}

	return &Router{
		reg:     cfg.Registry,
		base:    base,
		maxHops: maxHops,
		logger:  logger,
	}, nil
}

// QuoteExactInput prices an exact-input trade along a path without touching
// state. The output of each hop feeds the next. Returns ErrNoRouteFound when
// any hop lacks a pool or has empty reserves.
func (r *Router) QuoteExactInput(amountIn *big.Int, path []common.Address) (*big.Int, error) {
	amounts, _, err := r.quotePath(amountIn, path)
	if err != nil {
		return nil, err
	}
	return amounts[len(amounts)-1], nil
}

// quotePath resolves and prices every hop of a path read-only.
func (r *Router) quotePath(amountIn *big.Int, path []common.Address) ([]*big.Int, []*Pool, error) {
	if len(path) < 2 {
		return nil, nil, fmt.Errorf("%w: need at least two tokens, got %d", ErrInvalidPath, len(path))
	}
	if err := requirePositive(amountIn); err != nil {
		return nil, nil, err
	}

	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	pools := make([]*Pool, len(path)-1)

	for i := 0; i < len(path)-1; i++ {
		tokenIn, tokenOut := path[i], path[i+1]
		id, ok := r.reg.Get(tokenIn, tokenOut)
		if !ok {
			return nil, nil, fmt.Errorf("%w: no pool for %s/%s", ErrNoRouteFound, tokenIn, tokenOut)
		}
		pool, err := r.reg.Pool(id)
		if err != nil {
			return nil, nil, err
		}

		reserveA, reserveB, _ := pool.Reserves()
		reserveIn, reserveOut := reserveA, reserveB
		if tokenIn != pool.TokenA() {
			reserveIn, reserveOut = reserveB, reserveA
		}
		if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
			return nil, nil, fmt.Errorf("%w: pool %d has empty reserves", ErrNoRouteFound, id)
		}

		out, err := calculator.GetAmountOut(amounts[i], reserveIn, reserveOut, pool.FeeBps())
		if err != nil {
			return nil, nil, mapCalcErr(err)
		}

		amounts[i+1] = out
		pools[i] = pool
	}

	return amounts, pools, nil
}

// FindBestRoute searches the direct pair and routes through the configured
// base intermediates, up to maxHops, and returns the path with the highest
// quoted output. Ties are broken in favor of fewer hops: candidates are
// generated shortest first and only a strictly better quote displaces the
// incumbent.
func (r *Router) FindBestRoute(tokenIn, tokenOut common.Address, amountIn *big.Int, maxHops int) (Route, error) {
	timer := prometheus.NewTimer(r.reg.metrics.routeSearchDuration)
	defer timer.ObserveDuration()

	if tokenIn == tokenOut {
		return Route{}, fmt.Errorf("%w: %s", ErrIdenticalTokens, tokenIn)
	}
	if err := requirePositive(amountIn); err != nil {
		return Route{}, err
	}
	if maxHops <= 0 || maxHops > r.maxHops {
		maxHops = r.maxHops
	}

	var best Route
	consider := func(path []common.Address) error {
		amounts, pools, err := r.quotePath(amountIn, path)
		if err != nil {
			if errors.Is(err, ErrNoRouteFound) {
				return nil
			}
			return err
		}
		out := amounts[len(amounts)-1]
		if out.Sign() == 0 {
			return nil
		}
		if best.QuotedOut == nil || out.Cmp(best.QuotedOut) > 0 {
			ids := make([]uint64, len(pools))
			for i, p := range pools {
				ids[i] = p.ID()
			}
			best = Route{Tokens: append([]common.Address(nil), path...), Pools: ids, QuotedOut: out}
		}
		return nil
	}

	if err := consider([]common.Address{tokenIn, tokenOut}); err != nil {
		return Route{}, err
	}

	if maxHops >= 2 {
		for _, mid := range r.base {
			if mid == tokenIn || mid == tokenOut {
				continue
			}
			if err := consider([]common.Address{tokenIn, mid, tokenOut}); err != nil {
				return Route{}, err
			}
		}
	}

	if maxHops >= 3 {
		for _, first := range r.base {
			if first == tokenIn || first == tokenOut {
				continue
			}
			for _, second := range r.base {
				if second == first || second == tokenIn || second == tokenOut {
					continue
				}
				if err := consider([]common.Address{tokenIn, first, second, tokenOut}); err != nil {
					return Route{}, err
				}
			}
		}
	}

	if best.QuotedOut == nil {
		return Route{}, fmt.Errorf("%w: %s -> %s within %d hops", ErrNoRouteFound, tokenIn, tokenOut, maxHops)
	}
	return best, nil
}

// ExecuteSwapExactIn trades amountIn along path, enforcing the deadline and
// re-quoting at execution time against current reserves. The whole call is
// all-or-nothing: every hop's token movement runs through one journal and
// pool state commits only after the full chain of transfers succeeds.
// Intermediate outputs pass through the trader's account; the final output
// goes to the recipient. Returns the per-hop amounts, input first.
func (r *Router) ExecuteSwapExactIn(trader common.Address, amountIn, amountOutMin *big.Int, path []common.Address, recipient common.Address, deadline time.Time) (out []*big.Int, err error) {
	defer func() {
		if err != nil {
			r.reg.metrics.swapsTotal.WithLabelValues(resultError).Inc()
		}
	}()

	if err := r.checkDeadline(deadline); err != nil {
		return nil, err
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("%w: need at least two tokens, got %d", ErrInvalidPath, len(path))
	}
	if err := requirePositive(amountIn); err != nil {
		return nil, err
	}
	amountOutMin = orZero(amountOutMin)

	// Resolve every hop's pool and reject paths that revisit one: a pool
	// must not be re-entered within a single logical call.
	pools := make([]*Pool, len(path)-1)
	seen := mapset.NewThreadUnsafeSet[uint64]()
	for i := 0; i < len(path)-1; i++ {
		id, ok := r.reg.Get(path[i], path[i+1])
		if !ok {
			return nil, fmt.Errorf("%w: no pool for %s/%s", ErrNoRouteFound, path[i], path[i+1])
		}
		if !seen.Add(id) {
			return nil, fmt.Errorf("%w: pool %d visited twice", ErrInvalidPath, id)
		}
		pool, err := r.reg.Pool(id)
		if err != nil {
			return nil, err
		}
		pools[i] = pool
	}

	// Lock all pools in ascending id order so concurrent multi-pool calls
	// cannot deadlock, then hold the locks across quote and commit.
	locked := append([]*Pool(nil), pools...)
	sort.Slice(locked, func(i, j int) bool { return locked[i].id < locked[j].id })
	for _, p := range locked {
		p.mu.Lock()
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}()

	// Re-quote against current reserves; a quote taken before this call may
	// be stale.
	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)
	plans := make([]*swapPlan, len(pools))
	for i, pool := range pools {
		plan, err := pool.prepareSwapLocked(amounts[i], path[i] == pool.tokenA)
		if err != nil {
			return nil, fmt.Errorf("hop %d (pool %d): %w", i, pool.id, err)
		}
		plans[i] = plan
		amounts[i+1] = plan.amountOut
	}

	final := amounts[len(amounts)-1]
	if final.Cmp(amountOutMin) < 0 {
		return nil, fmt.Errorf("%w: final output %s below minimum %s", ErrSlippageExceeded, final, amountOutMin)
	}

	journal := ledger.NewJournal(r.reg.ledger)
	for i, pool := range pools {
		if err := journal.Transfer(plans[i].tokenIn, trader, pool.account, amounts[i]); err != nil {
			r.rollback(journal)
			return nil, fmt.Errorf("hop %d (pool %d): input transfer: %w", i, pool.id, err)
		}
		dest := trader
		if i == len(pools)-1 {
			dest = recipient
		}
		if err := journal.Transfer(plans[i].tokenOut, pool.account, dest, amounts[i+1]); err != nil {
			r.rollback(journal)
			return nil, fmt.Errorf("hop %d (pool %d): output transfer: %w", i, pool.id, err)
		}
	}
	journal.Commit()

	// Transfers are final; reserve commits cannot fail.
	for i, pool := range pools {
		dest := trader
		if i == len(pools)-1 {
			dest = recipient
		}
		pool.commitSwapLocked(plans[i], trader, dest)
	}
	// One trade, however many hops it crosses.
	r.reg.metrics.swapsTotal.WithLabelValues(resultOK).Inc()

	result := make([]*big.Int, len(amounts))
	for i, a := range amounts {
		result[i] = new(big.Int).Set(a)
	}
	return result, nil
}

// AddLiquidity resolves (or creates) the pool for a pair and deposits into
// it, minting shares to the recipient. Amounts are given in the caller's
// token order and results are returned in the same order.
func (r *Router) AddLiquidity(provider common.Address, tokenA, tokenB common.Address, aDesired, bDesired, aMin, bMin *big.Int, recipient common.Address, deadline time.Time) (amountA, amountB, shares *big.Int, err error) {
	if err := r.checkDeadline(deadline); err != nil {
		return nil, nil, nil, err
	}

	id, err := r.reg.CreateOrGet(tokenA, tokenB)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := r.reg.Pool(id)
	if err != nil {
		return nil, nil, nil, err
	}

	if tokenA == pool.TokenA() {
		return pool.AddLiquidity(provider, recipient, aDesired, bDesired, aMin, bMin)
	}
	usedB, usedA, shares, err := pool.AddLiquidity(provider, recipient, bDesired, aDesired, bMin, aMin)
	if err != nil {
		return nil, nil, nil, err
	}
	return usedA, usedB, shares, nil
}

// RemoveLiquidity burns the provider's shares in the pair's pool and sends
// the pro-rata outputs to the recipient, returned in the caller's token
// order.
func (r *Router) RemoveLiquidity(provider common.Address, tokenA, tokenB common.Address, shares, aMin, bMin *big.Int, recipient common.Address, deadline time.Time) (amountA, amountB *big.Int, err error) {
	if err := r.checkDeadline(deadline); err != nil {
		return nil, nil, err
	}

	id, ok := r.reg.Get(tokenA, tokenB)
	if !ok {
		return nil, nil, fmt.Errorf("%w: no pool for %s/%s", ErrPoolNotFound, tokenA, tokenB)
	}
	pool, err := r.reg.Pool(id)
	if err != nil {
		return nil, nil, err
	}

	if tokenA == pool.TokenA() {
		return pool.RemoveLiquidity(provider, recipient, shares, aMin, bMin)
	}
	outB, outA, err := pool.RemoveLiquidity(provider, recipient, shares, bMin, aMin)
	if err != nil {
		return nil, nil, err
	}
	return outA, outB, nil
}

// checkDeadline validates the caller-supplied deadline. This is ordinary
// business validation, not a scheduling primitive.
func (r *Router) checkDeadline(deadline time.Time) error {
	if r.reg.now().After(deadline) {
		return fmt.Errorf("%w: deadline %s", ErrExpired, deadline.UTC().Format(time.RFC3339))
	}
	return nil
}

func (r *Router) rollback(journal *ledger.Journal) {
	if err := journal.Rollback(); err != nil {
		r.logger.Error("CRITICAL: ledger rollback failed, balances may be inconsistent", "error", err)
	}
}
