package amm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/amm-engine-go/events"
	"github.com/defistate/amm-engine-go/ledger"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Params configure pool economics. They are fixed at registry construction
// and shared by every pool it creates.
type Params struct {
	// FeeBps is the trading fee charged on swap input, in basis points
	// (30 = 0.3%).
	FeeBps uint16

	// MinimumLiquidity is the share amount permanently locked on a pool's
	// first deposit, held by the zero address.
	MinimumLiquidity *big.Int

	// ProtocolFeeEnabled gates the treasury fee minted from sqrt(k) growth
	// on liquidity changes. Off unless explicitly configured.
	ProtocolFeeEnabled bool

	// ProtocolFeeRecipient receives treasury shares when the protocol fee
	// is enabled.
	ProtocolFeeRecipient common.Address
}

// DefaultParams returns the production defaults: 0.3% fee, 1000 locked
// shares, protocol fee off.
func DefaultParams() Params {
	return Params{
		FeeBps:           30,
		MinimumLiquidity: big.NewInt(1000),
	}
}

func (p Params) validate() error {
	if p.FeeBps >= 10000 {
		return fmt.Errorf("params: FeeBps %d must be below 10000", p.FeeBps)
	}
	if p.MinimumLiquidity == nil || p.MinimumLiquidity.Sign() <= 0 {
		return errors.New("params: MinimumLiquidity must be positive")
	}
	if p.ProtocolFeeEnabled && p.ProtocolFeeRecipient == (common.Address{}) {
		return errors.New("params: ProtocolFeeRecipient required when protocol fee is enabled")
	}
	return nil
}

// Config holds the registry's dependencies.
type Config struct {
	Ledger   ledger.Ledger
	Params   Params
	Logger   Logger
	Registry prometheus.Registerer

	// Events receives a record for every committed mutating operation.
	// Optional; defaults to a discard sink.
	Events events.Sink

	// Now overrides the clock. Optional; defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errors.New("config: Ledger is required")
	}
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	return c.Params.validate()
}

// pairKey is the canonical pair identity: both token addresses in ascending
// byte order.
type pairKey struct {
	a common.Address
	b common.Address
}

// canonicalPair orders two tokens ascending. The boolean reports whether the
// input order was already canonical.
func canonicalPair(tokenA, tokenB common.Address) (pairKey, bool, error) {
	switch bytes.Compare(tokenA[:], tokenB[:]) {
	case 0:
		return pairKey{}, false, fmt.Errorf("%w: %s", ErrIdenticalTokens, tokenA)
	case -1:
		return pairKey{a: tokenA, b: tokenB}, true, nil
	default:
		return pairKey{a: tokenB, b: tokenA}, false, nil
	}
}

// Registry owns every pool: a dense, insertion-ordered arena addressed by
// pool id, plus a lookup from canonical pair key to id. Pools are created
// exactly once per pair and never deleted. The registry is safe for
// concurrent use; each pool serializes its own mutations independently.
type Registry struct {
	params  Params
	ledger  ledger.Ledger
	sink    events.Sink
	logger  Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.RWMutex
	pools  []*Pool // arena; id = index + 1
	byPair map[pairKey]uint64
}

// NewRegistry constructs an empty pool registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sink := cfg.Events
	if sink == nil {
		sink = events.Discard{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Registry{
		params:  cfg.Params,
		ledger:  cfg.Ledger,
		sink:    sink,
		logger:  cfg.Logger,
		metrics: NewMetrics(cfg.Registry),
		now:     now,
		byPair:  make(map[pairKey]uint64),
	}, nil
}

// CreateOrGet resolves the pool for a pair, allocating a zero-state pool on
// first use. It is idempotent: (A,B) and (B,A) resolve to the same id.
func (r *Registry) CreateOrGet(tokenA, tokenB common.Address) (uint64, error) {
	key, _, err := canonicalPair(tokenA, tokenB)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byPair[key]; ok {
		return id, nil
	}

	id := uint64(len(r.pools)) + 1
	pool := newPool(id, key.a, key.b, r)
	r.pools = append(r.pools, pool)
	r.byPair[key] = id

	r.metrics.poolsCreated.Inc()
	r.logger.Info("pool created", "pool_id", id, "token_a", key.a, "token_b", key.b, "fee_bps", r.params.FeeBps)
	r.sink.Publish(events.Record{
		PoolID:    id,
		Kind:      events.KindPoolCreated,
		TokenA:    key.a,
		TokenB:    key.b,
		ReserveA:  new(big.Int),
		ReserveB:  new(big.Int),
		Timestamp: r.now().Unix(),
	})

	return id, nil
}

// Get looks up the pool id for a pair without creating it.
func (r *Registry) Get(tokenA, tokenB common.Address) (uint64, bool) {
	key, _, err := canonicalPair(tokenA, tokenB)
	if err != nil {
		return 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPair[key]
	return id, ok
}

// Pool returns the pool for an id.
func (r *Registry) Pool(id uint64) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == 0 || id > uint64(len(r.pools)) {
		return nil, fmt.Errorf("%w: id %d", ErrPoolNotFound, id)
	}
	return r.pools[id-1], nil
}

// Count reports the number of pools ever created.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// GetByIndex returns the i-th pool in insertion order.
func (r *Registry) GetByIndex(i int) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i < 0 || i >= len(r.pools) {
		return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrPoolNotFound, i, len(r.pools))
	}
	return r.pools[i], nil
}

// All returns every pool id in insertion order. The slice is owned by the
// caller.
func (r *Registry) All() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, len(r.pools))
	for i := range r.pools {
		ids[i] = uint64(i) + 1
	}
	return ids
}

// Views returns a snapshot of every pool in insertion order.
func (r *Registry) Views() []PoolView {
	r.mu.RLock()
	pools := make([]*Pool, len(r.pools))
	copy(pools, r.pools)
	r.mu.RUnlock()

	views := make([]PoolView, len(pools))
	for i, p := range pools {
		views[i] = p.View()
	}
	return views
}

// poolAccount derives the deterministic ledger account a pool holds its
// reserves in.
func poolAccount(id uint64) common.Address {
	var a common.Address
	copy(a[:], "amm/pool/...")
	binary.BigEndian.PutUint64(a[12:], id)
	return a
}
