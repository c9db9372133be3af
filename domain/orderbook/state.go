package orderbook

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// LevelState is one serialized price level, orders in queue order.
type LevelState struct {
	Price  decimal.Decimal `json:"price"`
	Orders []Order         `json:"orders"`
}

// BookState is the full serialized content of an OrderBook.
// Levels are listed best price first on both sides.
type BookState struct {
	Bids []LevelState `json:"bids"`
	Asks []LevelState `json:"asks"`
}

func (b *OrderBook) Serialize() BookState {
	return BookState{
		Bids: serializeSide(b.Bids),
		Asks: serializeSide(b.Asks),
	}
}

func serializeSide(t *RBTree) []LevelState {
	levels := make([]LevelState, 0, t.Size())
	t.ForEach(func(lvl *PriceLevel) bool {
		if lvl.Empty() {
			return true
		}
		ls := LevelState{Price: lvl.Price, Orders: make([]Order, 0, lvl.OrderCount)}
		for o := lvl.Head(); o != nil; o = o.Next() {
			ls.Orders = append(ls.Orders, o.Clone())
		}
		levels = append(levels, ls)
		return true
	})
	return levels
}

// Restore replaces the book content with st. The book is left empty if st
// is inconsistent.
func (b *OrderBook) Restore(st BookState) error {
	b.Bids.Clear()
	b.Asks.Clear()
	b.index = make(map[string]*Order)

	if err := b.restoreSide(Buy, st.Bids); err != nil {
		b.Bids.Clear()
		b.index = make(map[string]*Order)
		return err
	}
	if err := b.restoreSide(Sell, st.Asks); err != nil {
		b.Bids.Clear()
		b.Asks.Clear()
		b.index = make(map[string]*Order)
		return err
	}
	return nil
}

func (b *OrderBook) restoreSide(side Side, levels []LevelState) error {
	for _, ls := range levels {
		for i := range ls.Orders {
			o := ls.Orders[i]
			if err := validateRestored(&o, side, ls.Price); err != nil {
				return err
			}
			if _, dup := b.index[o.ID]; dup {
				return errors.Wrapf(ErrInvalidState, "order %s appears twice", o.ID)
			}
			if o.Pair == "" {
				o.Pair = b.Pair
			}
			if o.Status == Pending {
				o.Status = DeriveStatus(o.Filled, o.Quantity)
			}
			ptr := &o
			b.tree(side).UpsertLevel(ls.Price).Enqueue(ptr)
			b.index[o.ID] = ptr
		}
	}
	return nil
}

func validateRestored(o *Order, side Side, price decimal.Decimal) error {
	switch {
	case o.ID == "":
		return errors.Wrap(ErrInvalidState, "order without id")
	case o.Side != side:
		return errors.Wrapf(ErrInvalidState, "order %s listed on the wrong side", o.ID)
	case o.Type != Limit:
		return errors.Wrapf(ErrInvalidState, "order %s is not a limit order", o.ID)
	case !o.Price.Equal(price):
		return errors.Wrapf(ErrInvalidState, "order %s price %s differs from level %s", o.ID, o.Price, price)
	case !o.Quantity.IsPositive():
		return errors.Wrapf(ErrInvalidState, "order %s has non-positive quantity", o.ID)
	case o.Filled.IsNegative() || o.Filled.GreaterThanOrEqual(o.Quantity):
		return errors.Wrapf(ErrInvalidState, "order %s filled %s out of range", o.ID, o.Filled)
	case o.Status.Terminal():
		return errors.Wrapf(ErrInvalidState, "order %s is %s but rests in the book", o.ID, o.Status)
	}
	return nil
}
