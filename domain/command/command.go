// Package command decodes the order lifecycle events consumed from the
// log into a closed set of typed commands.
package command

import (
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"matchcore/domain/orderbook"
)

type Kind string

const (
	KindCreateOrder  Kind = "CREATE_ORDER"
	KindCancelOrder  Kind = "CANCEL_ORDER"
	KindOrderExpired Kind = "ORDER_EXPIRED"
)

// ErrMalformed marks a record that can never be applied. It is skipped,
// never retried.
var ErrMalformed = errors.New("malformed event")

var orderNamespace = uuid.MustParse("0b7a3d7e-5f0c-4a33-b7a9-2f6f2e0c9c14")

type Command interface {
	Kind() Kind
	EventID() string
	command()
}

type CreateOrder struct {
	ID          string
	OrderID     string
	Pair        string
	MarketID    string
	UserID      string
	Side        orderbook.Side
	Type        orderbook.OrderType
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	QuoteAmount decimal.Decimal
	Timestamp   int64
}

type CancelOrder struct {
	ID        string
	Pair      string
	OrderID   string
	UserID    string
	Timestamp int64
}

// OrderExpired may omit the pair; the consumer resolves it from the
// order id.
type OrderExpired struct {
	ID        string
	Pair      string
	OrderID   string
	Timestamp int64
}

func (CreateOrder) Kind() Kind  { return KindCreateOrder }
func (CancelOrder) Kind() Kind  { return KindCancelOrder }
func (OrderExpired) Kind() Kind { return KindOrderExpired }

func (c CreateOrder) EventID() string  { return c.ID }
func (c CancelOrder) EventID() string  { return c.ID }
func (c OrderExpired) EventID() string { return c.ID }

func (CreateOrder) command()  {}
func (CancelOrder) command()  {}
func (OrderExpired) command() {}

// NewOrder builds the taker for the matching engine.
func (c CreateOrder) NewOrder() *orderbook.Order {
	o := &orderbook.Order{
		ID:          c.OrderID,
		UserID:      c.UserID,
		Pair:        c.Pair,
		MarketID:    c.MarketID,
		Side:        c.Side,
		Type:        c.Type,
		Quantity:    c.Quantity,
		QuoteAmount: c.QuoteAmount,
		Status:      orderbook.Pending,
		CreatedAt:   c.Timestamp,
	}
	if c.Type == orderbook.Limit {
		o.Price = c.Price
	}
	return o
}

type envelope struct {
	Event       Kind             `json:"event"`
	EventID     string           `json:"eventId"`
	Pair        string           `json:"pair"`
	OrderID     string           `json:"orderId"`
	MarketID    string           `json:"marketId"`
	UserID      string           `json:"userId"`
	Side        string           `json:"side"`
	Type        string           `json:"type"`
	Price       *decimal.Decimal `json:"price"`
	Quantity    *decimal.Decimal `json:"quantity"`
	QuoteAmount *decimal.Decimal `json:"quoteAmount"`
	Timestamp   int64            `json:"timestamp"`
}

// Decode parses one log record. Every failure wraps ErrMalformed.
func Decode(raw []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if env.EventID == "" {
		return nil, errors.Wrap(ErrMalformed, "missing eventId")
	}

	switch env.Event {
	case KindCreateOrder:
		return decodeCreate(env)
	case KindCancelOrder:
		if env.Pair == "" || env.OrderID == "" {
			return nil, errors.Wrapf(ErrMalformed, "%s %s: pair and orderId are required", env.Event, env.EventID)
		}
		return CancelOrder{
			ID:        env.EventID,
			Pair:      env.Pair,
			OrderID:   env.OrderID,
			UserID:    env.UserID,
			Timestamp: env.Timestamp,
		}, nil
	case KindOrderExpired:
		if env.OrderID == "" {
			return nil, errors.Wrapf(ErrMalformed, "%s %s: orderId is required", env.Event, env.EventID)
		}
		return OrderExpired{
			ID:        env.EventID,
			Pair:      env.Pair,
			OrderID:   env.OrderID,
			Timestamp: env.Timestamp,
		}, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown event %q", env.Event)
	}
}

func decodeCreate(env envelope) (Command, error) {
	fail := func(reason string) (Command, error) {
		return nil, errors.Wrapf(ErrMalformed, "%s %s: %s", env.Event, env.EventID, reason)
	}

	if env.Pair == "" {
		return fail("pair is required")
	}
	side, err := orderbook.ParseSide(env.Side)
	if err != nil {
		return fail(err.Error())
	}
	typ, err := orderbook.ParseOrderType(env.Type)
	if err != nil {
		return fail(err.Error())
	}

	c := CreateOrder{
		ID:        env.EventID,
		OrderID:   env.OrderID,
		Pair:      env.Pair,
		MarketID:  env.MarketID,
		UserID:    env.UserID,
		Side:      side,
		Type:      typ,
		Timestamp: env.Timestamp,
	}
	if c.OrderID == "" {
		c.OrderID = uuid.NewSHA1(orderNamespace, []byte(env.EventID)).String()
	}
	if env.Quantity != nil {
		c.Quantity = *env.Quantity
	}
	if env.QuoteAmount != nil {
		c.QuoteAmount = *env.QuoteAmount
	}

	switch {
	case c.Quantity.IsNegative() || c.QuoteAmount.IsNegative():
		return fail("negative size")
	case typ == orderbook.Limit && (env.Price == nil || !env.Price.IsPositive()):
		return fail("limit order requires a positive price")
	case typ == orderbook.Limit && !c.Quantity.IsPositive():
		return fail("limit order requires a positive quantity")
	case c.QuoteAmount.IsPositive() && (typ != orderbook.Market || side != orderbook.Buy):
		return fail("quoteAmount is only valid on market buys")
	case typ == orderbook.Market && !c.Quantity.IsPositive() && !c.QuoteAmount.IsPositive():
		return fail("market order requires quantity or quoteAmount")
	}
	if typ == orderbook.Limit {
		c.Price = *env.Price
	}
	return c, nil
}
