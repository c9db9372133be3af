package matching

import (
	"github.com/shopspring/decimal"

	"matchcore/domain/orderbook"
)

type Kind string

const (
	KindTrade        Kind = "trade"
	KindOrderOpened  Kind = "order_opened"
	KindOrderUpdated Kind = "order_updated"
	KindOrderRemoved Kind = "order_removed"
)

// Event is one outbound domain event. The set is closed: every
// implementation lives in this file and consumers switch on the
// concrete type.
type Event interface {
	Kind() Kind
	event()
}

// Trade always executes at the maker's price.
type Trade struct {
	ID          string          `json:"id"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketID    string          `json:"marketId,omitempty"`
	Pair        string          `json:"pair"`
	TakerSide   orderbook.Side  `json:"takerSide"`
	Timestamp   int64           `json:"timestamp"`
}

type OrderOpened struct {
	Order orderbook.Order `json:"order"`
}

type OrderUpdated struct {
	Order orderbook.Order `json:"order"`
}

type RemoveReason string

const (
	ReasonCancelled RemoveReason = "cancelled"
	ReasonExpired   RemoveReason = "expired"
)

type OrderRemoved struct {
	Order  orderbook.Order `json:"order"`
	Reason RemoveReason    `json:"reason"`
}

func (Trade) Kind() Kind        { return KindTrade }
func (OrderOpened) Kind() Kind  { return KindOrderOpened }
func (OrderUpdated) Kind() Kind { return KindOrderUpdated }
func (OrderRemoved) Kind() Kind { return KindOrderRemoved }

func (Trade) event()        {}
func (OrderOpened) event()  {}
func (OrderUpdated) event() {}
func (OrderRemoved) event() {}
