package orderbook

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrMarketOrderInBook = errors.New("market order cannot rest in the book")
	ErrDuplicateOrder    = errors.New("order already rests in the book")
	ErrInvalidState      = errors.New("invalid order book state")
)

// OrderBook is single-writer and deterministic. It never matches; the
// matching engine drives it through BestBid/BestAsk and the queues.
type OrderBook struct {
	Pair string

	Bids *RBTree
	Asks *RBTree

	index map[string]*Order
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		Pair:  pair,
		Bids:  NewBidTree(),
		Asks:  NewAskTree(),
		index: make(map[string]*Order),
	}
}

func (b *OrderBook) tree(side Side) *RBTree {
	if side == Buy {
		return b.Bids
	}
	return b.Asks
}

// AddOrder rests o at the tail of its price level. Resting a MARKET order
// or an id that is already in the book is a programming error.
func (b *OrderBook) AddOrder(o *Order) {
	if o.Type == Market || !o.Price.IsPositive() {
		panic(errors.Wrapf(ErrMarketOrderInBook, "order %s", o.ID))
	}
	if _, exists := b.index[o.ID]; exists {
		panic(errors.Wrapf(ErrDuplicateOrder, "order %s", o.ID))
	}
	b.tree(o.Side).UpsertLevel(o.Price).Enqueue(o)
	b.index[o.ID] = o
}

func (b *OrderBook) BestBid() *PriceLevel {
	return b.best(b.Bids)
}

func (b *OrderBook) BestAsk() *PriceLevel {
	return b.best(b.Asks)
}

// Best returns the best level on side.
func (b *OrderBook) Best(side Side) *PriceLevel {
	return b.best(b.tree(side))
}

// best prunes levels left empty by out-of-band unlinks so a price with
// nothing behind it is never reported.
func (b *OrderBook) best(t *RBTree) *PriceLevel {
	for {
		lvl := t.Best()
		if lvl == nil {
			return nil
		}
		if !lvl.Empty() {
			return lvl
		}
		t.DeleteLevel(lvl.Price)
	}
}

// RemoveOrder unlinks the order and drops its level when it empties.
func (b *OrderBook) RemoveOrder(id string) (*Order, bool) {
	o, ok := b.index[id]
	if !ok {
		return nil, false
	}
	delete(b.index, id)

	t := b.tree(o.Side)
	lvl := t.FindLevel(o.Price)
	if lvl == nil {
		return o, true
	}
	lvl.Remove(o)
	if lvl.Empty() {
		t.DeleteLevel(lvl.Price)
	}
	return o, true
}

// PopFilled dequeues the head of lvl after it was completely filled.
func (b *OrderBook) PopFilled(side Side, lvl *PriceLevel) *Order {
	o := lvl.PopHead()
	if o != nil {
		delete(b.index, o.ID)
	}
	if lvl.Empty() {
		b.tree(side).DeleteLevel(lvl.Price)
	}
	return o
}

func (b *OrderBook) GetOrder(id string) (*Order, bool) {
	o, ok := b.index[id]
	return o, ok
}

// Len is the number of resting orders.
func (b *OrderBook) Len() int {
	return len(b.index)
}

// DepthLevel is an aggregated view of one price level.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth returns up to limit aggregated levels from the best price outward.
// A non-positive limit returns every level.
func (b *OrderBook) Depth(side Side, limit int) []DepthLevel {
	var out []DepthLevel
	b.tree(side).ForEach(func(lvl *PriceLevel) bool {
		if lvl.Empty() {
			return true
		}
		out = append(out, DepthLevel{Price: lvl.Price, Quantity: lvl.TotalQty, Orders: lvl.OrderCount})
		return limit <= 0 || len(out) < limit
	})
	return out
}
