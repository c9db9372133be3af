// Package matching runs price-time priority matching over one pair's
// order book and reports every state change as an explicit event list.
package matching

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"matchcore/domain/orderbook"
)

// DefaultQuantityScale bounds the base-asset precision of fills derived
// from a quote budget.
const DefaultQuantityScale int32 = 8

var tradeNamespace = uuid.MustParse("6f1c9a52-2d0e-4a8e-9f5b-8c3f1e7d4b21")

type Option func(*Engine)

func WithQuantityScale(scale int32) Option {
	return func(e *Engine) { e.scale = scale }
}

// Engine is single-writer: callers serialize access per pair.
type Engine struct {
	book  *orderbook.OrderBook
	scale int32
}

func New(pair string, opts ...Option) *Engine {
	e := &Engine{
		book:  orderbook.NewOrderBook(pair),
		scale: DefaultQuantityScale,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Pair() string                   { return e.book.Pair }
func (e *Engine) Book() *orderbook.OrderBook     { return e.book }
func (e *Engine) Serialize() orderbook.BookState { return e.book.Serialize() }

func (e *Engine) Restore(st orderbook.BookState) error {
	return e.book.Restore(st)
}

// AddOrder matches taker against the opposite side. A LIMIT remainder
// rests in the book; a MARKET remainder is voided and never waits for
// liquidity.
func (e *Engine) AddOrder(taker *orderbook.Order) []Event {
	if taker.Status == orderbook.Pending {
		taker.Status = orderbook.Open
	}

	var (
		events    []Event
		fills     int
		exhausted bool
	)
	opp := taker.Side.Opposite()
	// a spend-only buy has no quantity until settled, so its own updates
	// wait for settleMarket
	provisional := taker.BySpend() && taker.Quantity.IsZero()

	for e.wantsMore(taker) {
		lvl := e.book.Best(opp)
		if lvl == nil {
			break
		}
		if taker.Type == orderbook.Limit && !marketable(taker, lvl.Price) {
			break
		}
		maker := lvl.Head()

		qty := decimal.Min(maker.Remaining(), e.capacity(taker, lvl.Price))
		if !qty.IsPositive() {
			exhausted = true
			break
		}

		lvl.Reduce(qty)
		maker.Fill(qty)
		e.fillTaker(taker, qty, lvl.Price)
		fills++

		events = append(events,
			e.trade(taker, maker, lvl.Price, qty, fills),
			OrderUpdated{Order: maker.Clone()},
		)
		if !provisional {
			events = append(events, OrderUpdated{Order: taker.Clone()})
		}

		if maker.Remaining().IsZero() {
			e.book.PopFilled(opp, lvl)
		}
	}

	if taker.Type == orderbook.Market {
		return e.settleMarket(taker, events, fills, exhausted, provisional)
	}

	if taker.Remaining().IsPositive() {
		e.book.AddOrder(taker)
		if fills == 0 {
			events = append(events, OrderOpened{Order: taker.Clone()})
		}
	}
	return events
}

func (e *Engine) wantsMore(o *orderbook.Order) bool {
	if o.BySpend() {
		if !o.QuoteRemaining().IsPositive() {
			return false
		}
		return o.Quantity.IsZero() || o.Remaining().IsPositive()
	}
	return o.Remaining().IsPositive()
}

// capacity is how much base quantity the taker can still take at price.
func (e *Engine) capacity(o *orderbook.Order, price decimal.Decimal) decimal.Decimal {
	if !o.BySpend() {
		return o.Remaining()
	}
	affordable := o.QuoteRemaining().Div(price).Truncate(e.scale)
	if o.Quantity.IsZero() {
		return affordable
	}
	return decimal.Min(affordable, o.Remaining())
}

func (e *Engine) fillTaker(o *orderbook.Order, qty, price decimal.Decimal) {
	if o.BySpend() {
		o.QuoteSpent = o.QuoteSpent.Add(qty.Mul(price))
		if o.Quantity.IsZero() {
			// unbounded by base quantity until settled
			o.Filled = o.Filled.Add(qty)
			return
		}
	}
	o.Fill(qty)
}

func (e *Engine) settleMarket(o *orderbook.Order, events []Event, fills int, exhausted, provisional bool) []Event {
	bounded := !o.BySpend() || o.Quantity.IsPositive()
	if o.BySpend() && o.Quantity.IsZero() {
		o.Quantity = o.Filled
	}

	done := (bounded && o.Remaining().IsZero()) ||
		(o.BySpend() && (exhausted || !o.QuoteRemaining().IsPositive()) && fills > 0)

	final := orderbook.Cancelled
	if done {
		final = orderbook.Filled
	}
	if fills > 0 && o.Status == final && !provisional {
		return events
	}
	o.Status = final
	return append(events, OrderUpdated{Order: o.Clone()})
}

func marketable(taker *orderbook.Order, price decimal.Decimal) bool {
	if taker.Side == orderbook.Buy {
		return price.LessThanOrEqual(taker.Price)
	}
	return price.GreaterThanOrEqual(taker.Price)
}

func (e *Engine) trade(taker, maker *orderbook.Order, price, qty decimal.Decimal, n int) Trade {
	t := Trade{
		ID:        tradeID(taker.ID, maker.ID, n),
		Price:     price,
		Quantity:  qty,
		MarketID:  taker.MarketID,
		Pair:      e.book.Pair,
		TakerSide: taker.Side,
		Timestamp: taker.CreatedAt,
	}
	if t.MarketID == "" {
		t.MarketID = maker.MarketID
	}
	if taker.Side == orderbook.Buy {
		t.BuyOrderID, t.SellOrderID = taker.ID, maker.ID
	} else {
		t.BuyOrderID, t.SellOrderID = maker.ID, taker.ID
	}
	return t
}

// tradeID is stable across replays of the same taker.
func tradeID(takerID, makerID string, n int) string {
	return uuid.NewSHA1(tradeNamespace, []byte(takerID+"/"+makerID+"/"+strconv.Itoa(n))).String()
}

// CancelOrder removes a resting order on behalf of userID. Unknown,
// terminal, or foreign orders are a no-op. An empty userID skips the
// ownership check.
func (e *Engine) CancelOrder(orderID, userID string) ([]Event, bool) {
	o, ok := e.book.GetOrder(orderID)
	if !ok || o.Status.Terminal() {
		return nil, false
	}
	if userID != "" && o.UserID != "" && userID != o.UserID {
		return nil, false
	}
	return e.remove(o, ReasonCancelled), true
}

// RemoveExpiredOrder removes an order whose time in force elapsed.
func (e *Engine) RemoveExpiredOrder(orderID string) ([]Event, bool) {
	o, ok := e.book.GetOrder(orderID)
	if !ok || o.Status == orderbook.Pending || o.Status.Terminal() {
		return nil, false
	}
	return e.remove(o, ReasonExpired), true
}

func (e *Engine) remove(o *orderbook.Order, reason RemoveReason) []Event {
	e.book.RemoveOrder(o.ID)
	o.Status = orderbook.Cancelled
	return []Event{OrderRemoved{Order: o.Clone(), Reason: reason}}
}

// HasOrder reports whether orderID rests in this engine's book.
func (e *Engine) HasOrder(orderID string) bool {
	_, ok := e.book.GetOrder(orderID)
	return ok
}
