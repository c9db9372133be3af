package matching

import (
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchcore/domain/orderbook"
)

const pair = "BTC/USDT"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limitOrder(id string, side orderbook.Side, price, qty string) *orderbook.Order {
	return &orderbook.Order{
		ID:       id,
		UserID:   "user-" + id,
		Pair:     pair,
		Side:     side,
		Type:     orderbook.Limit,
		Price:    d(price),
		Quantity: d(qty),
	}
}

func marketOrder(id string, side orderbook.Side, qty string) *orderbook.Order {
	return &orderbook.Order{
		ID:       id,
		UserID:   "user-" + id,
		Pair:     pair,
		Side:     side,
		Type:     orderbook.Market,
		Quantity: d(qty),
	}
}

func trades(events []Event) []Trade {
	var out []Trade
	for _, ev := range events {
		if t, ok := ev.(Trade); ok {
			out = append(out, t)
		}
	}
	return out
}

func lastUpdate(t *testing.T, events []Event, id string) orderbook.Order {
	t.Helper()
	for i := len(events) - 1; i >= 0; i-- {
		if u, ok := events[i].(OrderUpdated); ok && u.Order.ID == id {
			return u.Order
		}
	}
	t.Fatalf("no update for order %s", id)
	return orderbook.Order{}
}

func TestLimitOrderRestsOnEmptyBook(t *testing.T) {
	e := New(pair)

	events := e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1.0"))

	require.Len(t, events, 1)
	opened, ok := events[0].(OrderOpened)
	require.True(t, ok)
	assert.Equal(t, orderbook.Open, opened.Order.Status)
	assert.True(t, e.Book().BestBid().Price.Equal(d("100")))
	assert.True(t, e.HasOrder("b1"))
}

func TestLimitCrossesAtMakerPrice(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "0.5"))

	events := e.AddOrder(limitOrder("b1", orderbook.Buy, "101", "1.0"))

	ts := trades(events)
	require.Len(t, ts, 1)
	assert.True(t, ts[0].Price.Equal(d("100")))
	assert.True(t, ts[0].Quantity.Equal(d("0.5")))
	assert.Equal(t, "b1", ts[0].BuyOrderID)
	assert.Equal(t, "s1", ts[0].SellOrderID)
	assert.Equal(t, orderbook.Buy, ts[0].TakerSide)

	assert.Equal(t, orderbook.Filled, lastUpdate(t, events, "s1").Status)
	assert.Equal(t, orderbook.PartiallyFilled, lastUpdate(t, events, "b1").Status)

	assert.False(t, e.HasOrder("s1"))
	assert.Nil(t, e.Book().BestAsk())
	best := e.Book().BestBid()
	require.NotNil(t, best)
	assert.True(t, best.Price.Equal(d("101")))
	assert.True(t, best.TotalQty.Equal(d("0.5")))

	for _, ev := range events {
		_, opened := ev.(OrderOpened)
		assert.False(t, opened, "partially filled taker is reported by updates only")
	}
}

func TestMarketOrderOnEmptyBookIsCancelled(t *testing.T) {
	e := New(pair)

	events := e.AddOrder(marketOrder("m1", orderbook.Buy, "1.0"))

	assert.Empty(t, trades(events))
	final := lastUpdate(t, events, "m1")
	assert.Equal(t, orderbook.Cancelled, final.Status)
	assert.True(t, final.Filled.IsZero())
	assert.Equal(t, 0, e.Book().Len())
}

func TestCancelFilledOrderIsNoop(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "1"))
	e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1"))
	before := e.Serialize()

	events, ok := e.CancelOrder("s1", "user-s1")

	assert.False(t, ok)
	assert.Empty(t, events)
	assert.Equal(t, before, e.Serialize())
}

func TestMarketRemainderIsVoided(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "0.4"))

	events := e.AddOrder(marketOrder("m1", orderbook.Buy, "1"))

	require.Len(t, trades(events), 1)
	final, ok := events[len(events)-1].(OrderUpdated)
	require.True(t, ok)
	assert.Equal(t, "m1", final.Order.ID)
	assert.Equal(t, orderbook.Cancelled, final.Order.Status)
	assert.True(t, final.Order.Filled.Equal(d("0.4")))
	assert.Equal(t, 0, e.Book().Len())
}

func TestMarketSellFullyFilledWalksLevels(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1"))
	e.AddOrder(limitOrder("b2", orderbook.Buy, "99", "1"))
	e.AddOrder(limitOrder("b3", orderbook.Buy, "101", "0.5"))

	events := e.AddOrder(marketOrder("m1", orderbook.Sell, "2"))

	ts := trades(events)
	require.Len(t, ts, 3)
	assert.True(t, ts[0].Price.Equal(d("101")))
	assert.True(t, ts[1].Price.Equal(d("100")))
	assert.True(t, ts[2].Price.Equal(d("99")))
	assert.True(t, ts[2].Quantity.Equal(d("0.5")))

	assert.Equal(t, orderbook.Filled, lastUpdate(t, events, "m1").Status)
	o, ok := e.Book().GetOrder("b2")
	require.True(t, ok)
	assert.True(t, o.Remaining().Equal(d("0.5")))
}

func TestTimePriorityWithinLevel(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "1"))
	e.AddOrder(limitOrder("s2", orderbook.Sell, "100", "1"))

	events := e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1.5"))

	ts := trades(events)
	require.Len(t, ts, 2)
	assert.Equal(t, "s1", ts[0].SellOrderID)
	assert.Equal(t, "s2", ts[1].SellOrderID)
	assert.True(t, ts[1].Quantity.Equal(d("0.5")))
}

func TestLimitDoesNotCrossBeyondPrice(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "102", "1"))

	events := e.AddOrder(limitOrder("b1", orderbook.Buy, "101", "1"))

	assert.Empty(t, trades(events))
	assert.True(t, e.Book().BestBid().Price.Equal(d("101")))
	assert.True(t, e.Book().BestAsk().Price.Equal(d("102")))
}

func TestMarketBuyBySpend(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "0.5"))
	e.AddOrder(limitOrder("s2", orderbook.Sell, "200", "1"))

	taker := &orderbook.Order{
		ID:          "m1",
		UserID:      "user-m1",
		Side:        orderbook.Buy,
		Type:        orderbook.Market,
		QuoteAmount: d("150"),
	}
	events := e.AddOrder(taker)

	ts := trades(events)
	require.Len(t, ts, 2)
	assert.True(t, ts[0].Quantity.Equal(d("0.5")))
	assert.True(t, ts[1].Quantity.Equal(d("0.5")))

	final := lastUpdate(t, events, "m1")
	assert.Equal(t, orderbook.Filled, final.Status)
	assert.True(t, final.Quantity.Equal(d("1")))
	assert.True(t, final.QuoteSpent.Equal(d("150")))

	s2, ok := e.Book().GetOrder("s2")
	require.True(t, ok)
	assert.True(t, s2.Remaining().Equal(d("0.5")))

	assertConsistentUpdates(t, events)
	var takerUpdates int
	for _, ev := range events {
		if u, ok := ev.(OrderUpdated); ok && u.Order.ID == "m1" {
			takerUpdates++
		}
	}
	assert.Equal(t, 1, takerUpdates, "spend-only taker is reported once settled")
}

// assertConsistentUpdates checks every emitted order state on its own:
// filled stays within quantity and the status of a live order follows
// from the two.
func assertConsistentUpdates(t *testing.T, events []Event) {
	t.Helper()
	for i, ev := range events {
		u, ok := ev.(OrderUpdated)
		if !ok {
			continue
		}
		o := u.Order
		require.False(t, o.Filled.IsNegative(), "event %d: %s", i, o.ID)
		require.True(t, o.Filled.LessThanOrEqual(o.Quantity), "event %d: %s filled %s of %s", i, o.ID, o.Filled, o.Quantity)
		if o.Status == orderbook.Open || o.Status == orderbook.PartiallyFilled || o.Status == orderbook.Filled {
			assert.Equal(t, orderbook.DeriveStatus(o.Filled, o.Quantity), o.Status, "event %d: %s", i, o.ID)
		}
	}
}

func TestSpendFillTruncatesToScale(t *testing.T) {
	e := New(pair, WithQuantityScale(2))
	e.AddOrder(limitOrder("s1", orderbook.Sell, "3", "10"))

	events := e.AddOrder(&orderbook.Order{
		ID:          "m1",
		Side:        orderbook.Buy,
		Type:        orderbook.Market,
		QuoteAmount: d("10"),
	})

	ts := trades(events)
	require.Len(t, ts, 1)
	assert.True(t, ts[0].Quantity.Equal(d("3.33")), ts[0].Quantity.String())
	final := lastUpdate(t, events, "m1")
	assert.True(t, final.QuoteSpent.Equal(d("9.99")))
	assert.Equal(t, orderbook.Filled, final.Status)
	assertConsistentUpdates(t, events)
}

func TestCancelOrder(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1"))

	_, ok := e.CancelOrder("b1", "someone-else")
	assert.False(t, ok)
	assert.True(t, e.HasOrder("b1"))

	events, ok := e.CancelOrder("b1", "user-b1")
	require.True(t, ok)
	require.Len(t, events, 1)
	removed, isRemoved := events[0].(OrderRemoved)
	require.True(t, isRemoved)
	assert.Equal(t, ReasonCancelled, removed.Reason)
	assert.Equal(t, orderbook.Cancelled, removed.Order.Status)
	assert.False(t, e.HasOrder("b1"))
	assert.Nil(t, e.Book().BestBid())

	_, ok = e.CancelOrder("b1", "user-b1")
	assert.False(t, ok)

	_, ok = e.CancelOrder("never-seen", "")
	assert.False(t, ok)
}

func TestCancelWithoutUserSkipsOwnership(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1"))

	_, ok := e.CancelOrder("b1", "")
	assert.True(t, ok)
}

func TestRemoveExpiredOrder(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "2"))
	e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "0.5"))

	events, ok := e.RemoveExpiredOrder("s1")
	require.True(t, ok)
	removed := events[0].(OrderRemoved)
	assert.Equal(t, ReasonExpired, removed.Reason)
	assert.True(t, removed.Order.Filled.Equal(d("0.5")))
	assert.Equal(t, 0, e.Book().Len())

	_, ok = e.RemoveExpiredOrder("s1")
	assert.False(t, ok)
}

func TestTradeIDsAreReplayStable(t *testing.T) {
	run := func() []string {
		e := New(pair)
		e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "1"))
		e.AddOrder(limitOrder("s2", orderbook.Sell, "101", "1"))
		var ids []string
		for _, tr := range trades(e.AddOrder(limitOrder("b1", orderbook.Buy, "101", "2"))) {
			ids = append(ids, tr.ID)
		}
		return ids
	}

	first := run()
	require.Len(t, first, 2)
	assert.NotEqual(t, first[0], first[1])
	assert.Equal(t, first, run())
}

func TestSerializeRestoreContinuesMatching(t *testing.T) {
	e := New(pair)
	e.AddOrder(limitOrder("s1", orderbook.Sell, "100", "1"))
	e.AddOrder(limitOrder("s2", orderbook.Sell, "100", "1"))

	restored := New(pair)
	require.NoError(t, restored.Restore(e.Serialize()))

	a := e.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1.5"))
	b := restored.AddOrder(limitOrder("b1", orderbook.Buy, "100", "1.5"))
	assert.Equal(t, a, b)
}

// Random flow: every unit traded is accounted on both sides and the
// book never stays crossed.
func TestRandomFlowConservesQuantity(t *testing.T) {
	faker := gofakeit.New(7)
	e := New(pair)

	submitted := make(map[string]decimal.Decimal)
	traded := make(map[string]decimal.Decimal)

	for i := 0; i < 400; i++ {
		id := fmt.Sprintf("o%d", i)
		side := orderbook.Buy
		if faker.Bool() {
			side = orderbook.Sell
		}
		price := decimal.NewFromInt(int64(faker.IntRange(95, 105)))
		qty := decimal.NewFromInt(int64(faker.IntRange(1, 50))).Div(decimal.NewFromInt(10))

		o := &orderbook.Order{ID: id, Side: side, Type: orderbook.Limit, Price: price, Quantity: qty}
		if faker.IntRange(0, 9) == 0 {
			o.Type = orderbook.Market
			o.Price = decimal.Zero
		}
		submitted[id] = qty

		for _, tr := range trades(e.AddOrder(o)) {
			traded[tr.BuyOrderID] = traded[tr.BuyOrderID].Add(tr.Quantity)
			traded[tr.SellOrderID] = traded[tr.SellOrderID].Add(tr.Quantity)
		}

		if faker.IntRange(0, 4) == 0 {
			e.CancelOrder(fmt.Sprintf("o%d", faker.IntRange(0, i)), "")
		}

		bid, ask := e.Book().BestBid(), e.Book().BestAsk()
		if bid != nil && ask != nil {
			require.True(t, bid.Price.LessThan(ask.Price), "crossed book at step %d", i)
		}
	}

	for id, qty := range submitted {
		assert.True(t, traded[id].LessThanOrEqual(qty), "order %s overfilled", id)
		if o, ok := e.Book().GetOrder(id); ok {
			assert.True(t, o.Filled.Equal(traded[id]), "order %s filled %s traded %s", id, o.Filled, traded[id])
		}
	}
}
