// Package orderbook holds the in-memory limit order book of a single
// trading pair: two red-black trees of price levels (bids highest first,
// asks lowest first), a FIFO queue per level, and an id index for
// O(log n) cancellation.
//
// The book is a single-writer structure. It performs no locking and no
// matching of its own; the matching engine drives it.
package orderbook
