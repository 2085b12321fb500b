package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Kind identifies the mutating operation a Record describes.
type Kind string

const (
	KindPoolCreated     Kind = "pool_created"
	KindAddLiquidity    Kind = "add_liquidity"
	KindRemoveLiquidity Kind = "remove_liquidity"
	KindSwap            Kind = "swap"
)

// Record is the structured account of one committed mutating operation,
// emitted for external indexing and analytics. Records are output-only: the
// engine never reads them back.
type Record struct {
	PoolID    uint64         `json:"poolId"`
	Kind      Kind           `json:"kind"`
	Actor     common.Address `json:"actor"`
	Recipient common.Address `json:"recipient,omitempty"`

	TokenA common.Address `json:"tokenA"`
	TokenB common.Address `json:"tokenB"`

	// AmountA/AmountB are the amounts moved for liquidity operations.
	AmountA *big.Int `json:"amountA,omitempty"`
	AmountB *big.Int `json:"amountB,omitempty"`
	Shares  *big.Int `json:"shares,omitempty"`

	// AmountIn/AmountOut are populated for swaps; TokenIn names the input side.
	TokenIn   common.Address `json:"tokenIn,omitempty"`
	AmountIn  *big.Int       `json:"amountIn,omitempty"`
	AmountOut *big.Int       `json:"amountOut,omitempty"`

	// Post-operation reserves.
	ReserveA *big.Int `json:"reserveA"`
	ReserveB *big.Int `json:"reserveB"`

	Timestamp int64 `json:"timestamp"`
}

// Sink receives records for committed operations. Publish must not block for
// long and must never call back into the engine.
type Sink interface {
	Publish(Record)
}

// Feed is a Sink that fans records out to any number of subscribers. The
// zero value is ready to use.
type Feed struct {
	feed event.Feed
}

// NewFeed creates an empty broadcast feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Publish sends the record to all current subscribers.
func (f *Feed) Publish(r Record) {
	f.feed.Send(r)
}

// Subscribe registers a channel to receive every published record. The
// subscription must be unsubscribed when the consumer is done.
func (f *Feed) Subscribe(ch chan<- Record) event.Subscription {
	return f.feed.Subscribe(ch)
}

// Discard is a Sink that drops every record. Useful in tests and benchmarks.
type Discard struct{}

func (Discard) Publish(Record) {}
