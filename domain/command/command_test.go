package command

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/orderbook"
)

func TestDecodeCreateLimit(t *testing.T) {
	raw := `{"event":"CREATE_ORDER","eventId":"e1","pair":"BTC/USDT","orderId":"o1",
		"userId":"u1","side":"BUY","type":"LIMIT","price":"100.5","quantity":2,"timestamp":1700000000}`

	cmd, err := Decode([]byte(raw))
	require.NoError(t, err)

	c, ok := cmd.(CreateOrder)
	require.True(t, ok)
	assert.Equal(t, KindCreateOrder, c.Kind())
	assert.Equal(t, "e1", c.EventID())
	assert.Equal(t, "o1", c.OrderID)
	assert.Equal(t, orderbook.Buy, c.Side)
	assert.Equal(t, orderbook.Limit, c.Type)
	assert.True(t, c.Price.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, c.Quantity.Equal(decimal.NewFromInt(2)))

	o := c.NewOrder()
	assert.Equal(t, orderbook.Pending, o.Status)
	assert.Equal(t, int64(1700000000), o.CreatedAt)
	assert.Equal(t, "BTC/USDT", o.Pair)
}

func TestDecodeCreateDerivesOrderID(t *testing.T) {
	eventID := gofakeit.UUID()
	raw := `{"event":"CREATE_ORDER","eventId":"` + eventID + `","pair":"ETH/USDT",
		"side":"sell","type":"MARKET","quantity":"1"}`

	first, err := Decode([]byte(raw))
	require.NoError(t, err)
	second, err := Decode([]byte(raw))
	require.NoError(t, err)

	id := first.(CreateOrder).OrderID
	assert.NotEmpty(t, id)
	assert.Equal(t, id, second.(CreateOrder).OrderID)
	assert.Equal(t, orderbook.Sell, first.(CreateOrder).Side)
}

func TestDecodeMarketBuyBySpend(t *testing.T) {
	raw := `{"event":"CREATE_ORDER","eventId":"e2","pair":"BTC/USDT","orderId":"o2",
		"side":"BUY","type":"MARKET","quoteAmount":"250"}`

	cmd, err := Decode([]byte(raw))
	require.NoError(t, err)

	o := cmd.(CreateOrder).NewOrder()
	assert.True(t, o.BySpend())
	assert.True(t, o.Price.IsZero())
}

func TestDecodeCancelAndExpire(t *testing.T) {
	cmd, err := Decode([]byte(`{"event":"CANCEL_ORDER","eventId":"e3","pair":"BTC/USDT","orderId":"o1","userId":"u1"}`))
	require.NoError(t, err)
	cancel, ok := cmd.(CancelOrder)
	require.True(t, ok)
	assert.Equal(t, "o1", cancel.OrderID)
	assert.Equal(t, "u1", cancel.UserID)

	cmd, err = Decode([]byte(`{"event":"ORDER_EXPIRED","eventId":"e4","orderId":"o1"}`))
	require.NoError(t, err)
	exp, ok := cmd.(OrderExpired)
	require.True(t, ok)
	assert.Empty(t, exp.Pair)
	assert.Equal(t, KindOrderExpired, exp.Kind())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"event":`},
		{"missing event id", `{"event":"CANCEL_ORDER","pair":"BTC/USDT","orderId":"o1"}`},
		{"unknown event", `{"event":"AMEND_ORDER","eventId":"e"}`},
		{"cancel without order", `{"event":"CANCEL_ORDER","eventId":"e","pair":"BTC/USDT"}`},
		{"cancel without pair", `{"event":"CANCEL_ORDER","eventId":"e","orderId":"o"}`},
		{"expire without order", `{"event":"ORDER_EXPIRED","eventId":"e","pair":"BTC/USDT"}`},
		{"create without pair", `{"event":"CREATE_ORDER","eventId":"e","side":"BUY","type":"LIMIT","price":"1","quantity":"1"}`},
		{"bad side", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"HOLD","type":"LIMIT","price":"1","quantity":"1"}`},
		{"bad type", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"BUY","type":"STOP","price":"1","quantity":"1"}`},
		{"limit without price", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"BUY","type":"LIMIT","quantity":"1"}`},
		{"limit zero price", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"BUY","type":"LIMIT","price":"0","quantity":"1"}`},
		{"limit zero quantity", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"BUY","type":"LIMIT","price":"1","quantity":"0"}`},
		{"negative quantity", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"SELL","type":"MARKET","quantity":"-1"}`},
		{"market without size", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"BUY","type":"MARKET"}`},
		{"spend on sell", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"SELL","type":"MARKET","quoteAmount":"10"}`},
		{"non numeric price", `{"event":"CREATE_ORDER","eventId":"e","pair":"P","side":"BUY","type":"LIMIT","price":"abc","quantity":"1"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := Decode([]byte(tc.raw))
			require.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, cmd)
		})
	}
}
