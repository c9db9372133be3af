package orderbook

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

type Side int
type OrderType int
type Status int

const (
	Buy Side = iota
	Sell
)

const (
	Limit OrderType = iota
	Market
)

const (
	Pending Status = iota
	Open
	PartiallyFilled
	Filled
	Cancelled
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (t OrderType) String() string {
	if t == Market {
		return "MARKET"
	}
	return "LIMIT"
}

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Open:
		return "OPEN"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further fills or removals can apply.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY", "buy":
		return Buy, nil
	case "SELL", "sell":
		return Sell, nil
	}
	return 0, errors.Errorf("unknown side %q", s)
}

func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "LIMIT", "limit":
		return Limit, nil
	case "MARKET", "market":
		return Market, nil
	}
	return 0, errors.Errorf("unknown order type %q", s)
}

func ParseStatus(s string) (Status, error) {
	for st := Pending; st <= Cancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.Errorf("unknown status %q", s)
}

func (s Side) MarshalText() ([]byte, error)      { return []byte(s.String()), nil }
func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (s Status) MarshalText() ([]byte, error)    { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DeriveStatus maps fill progress to a status. CANCELLED is never derived,
// it is imposed by cancellation or expiry.
func DeriveStatus(filled, quantity decimal.Decimal) Status {
	switch {
	case filled.IsZero():
		return Open
	case filled.LessThan(quantity):
		return PartiallyFilled
	default:
		return Filled
	}
}

// Order is owned by exactly one OrderBook once resting, and by the
// matching call stack while it is the taker.
type Order struct {
	ID       string
	UserID   string
	Pair     string
	MarketID string

	Side Side
	Type OrderType

	// Price is zero for MARKET orders.
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   decimal.Decimal

	// Market-buy-by-spend budget. QuoteAmount is zero for ordinary orders.
	QuoteAmount decimal.Decimal
	QuoteSpent  decimal.Decimal

	Status    Status
	CreatedAt int64

	level *PriceLevel
	next  *Order
	prev  *Order
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

func (o *Order) QuoteRemaining() decimal.Decimal {
	return o.QuoteAmount.Sub(o.QuoteSpent)
}

// BySpend reports whether the order is a market buy bounded by quote budget.
func (o *Order) BySpend() bool {
	return o.Type == Market && o.Side == Buy && o.QuoteAmount.IsPositive()
}

// Fill applies qty to the order and re-derives its status.
func (o *Order) Fill(qty decimal.Decimal) {
	o.Filled = o.Filled.Add(qty)
	o.Status = DeriveStatus(o.Filled, o.Quantity)
}

// Next walks the queue the order rests in.
func (o *Order) Next() *Order {
	return o.next
}

// Clone returns a detached copy safe to hand to event consumers.
func (o *Order) Clone() Order {
	c := *o
	c.level, c.next, c.prev = nil, nil, nil
	return c
}

type orderJSON struct {
	ID                string           `json:"id"`
	UserID            string           `json:"userId"`
	Pair              string           `json:"pair"`
	MarketID          string           `json:"marketId,omitempty"`
	Side              Side             `json:"side"`
	Type              OrderType        `json:"type"`
	Price             *decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Filled            decimal.Decimal  `json:"filled"`
	RemainingQuantity *decimal.Decimal `json:"remainingQuantity,omitempty"`
	QuoteAmount       *decimal.Decimal `json:"quoteAmount,omitempty"`
	QuoteSpent        *decimal.Decimal `json:"quoteSpent,omitempty"`
	Status            *Status          `json:"status,omitempty"`
	CreatedAt         int64            `json:"createdAt"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	remaining := o.Remaining()
	status := o.Status
	j := orderJSON{
		ID:                o.ID,
		UserID:            o.UserID,
		Pair:              o.Pair,
		MarketID:          o.MarketID,
		Side:              o.Side,
		Type:              o.Type,
		Quantity:          o.Quantity,
		Filled:            o.Filled,
		RemainingQuantity: &remaining,
		Status:            &status,
		CreatedAt:         o.CreatedAt,
	}
	if o.Type == Limit {
		price := o.Price
		j.Price = &price
	}
	if o.QuoteAmount.IsPositive() {
		qa, qs := o.QuoteAmount, o.QuoteSpent
		j.QuoteAmount, j.QuoteSpent = &qa, &qs
	}
	return json.Marshal(j)
}

// UnmarshalJSON accepts orders written by older snapshots that omit
// derived fields: status is re-derived from filled/quantity when absent,
// and remainingQuantity is only used to recover filled when filled is zero.
func (o *Order) UnmarshalJSON(b []byte) error {
	var j orderJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*o = Order{
		ID:        j.ID,
		UserID:    j.UserID,
		Pair:      j.Pair,
		MarketID:  j.MarketID,
		Side:      j.Side,
		Type:      j.Type,
		Quantity:  j.Quantity,
		Filled:    j.Filled,
		CreatedAt: j.CreatedAt,
	}
	if j.Price != nil {
		o.Price = *j.Price
	}
	if j.QuoteAmount != nil {
		o.QuoteAmount = *j.QuoteAmount
	}
	if j.QuoteSpent != nil {
		o.QuoteSpent = *j.QuoteSpent
	}
	if o.Filled.IsZero() && j.RemainingQuantity != nil {
		o.Filled = o.Quantity.Sub(*j.RemainingQuantity)
	}
	if j.Status != nil {
		o.Status = *j.Status
	} else {
		o.Status = DeriveStatus(o.Filled, o.Quantity)
	}
	return nil
}
