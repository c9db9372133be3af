package orderbook

import "github.com/shopspring/decimal"

// PriceLevel is a FIFO queue of resting orders at a single price.
type PriceLevel struct {
	Price decimal.Decimal

	head *Order
	tail *Order

	TotalQty   decimal.Decimal
	OrderCount int
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price}
}

// Enqueue appends o to the tail. Arrival order is the time priority.
func (p *PriceLevel) Enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	o.level = p
	p.TotalQty = p.TotalQty.Add(o.Remaining())
	p.OrderCount++
}

// Head returns the oldest order without removing it.
func (p *PriceLevel) Head() *Order {
	return p.head
}

func (p *PriceLevel) PopHead() *Order {
	o := p.head
	if o == nil {
		return nil
	}
	p.unlink(o)
	return o
}

// Remove unlinks o from anywhere in the queue.
func (p *PriceLevel) Remove(o *Order) bool {
	if o.level != p {
		return false
	}
	p.unlink(o)
	return true
}

// Reduce keeps TotalQty in step with a fill on a resting order.
func (p *PriceLevel) Reduce(qty decimal.Decimal) {
	p.TotalQty = p.TotalQty.Sub(qty)
	if p.TotalQty.IsNegative() {
		p.TotalQty = decimal.Zero
	}
}

func (p *PriceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next, o.prev, o.level = nil, nil, nil

	p.Reduce(o.Remaining())
	p.OrderCount--
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Orders returns the queue contents in FIFO order.
func (p *PriceLevel) Orders() []*Order {
	out := make([]*Order, 0, p.OrderCount)
	for o := p.head; o != nil; o = o.next {
		out = append(out, o)
	}
	return out
}
