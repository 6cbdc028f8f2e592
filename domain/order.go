// Package domain holds the core value types shared by the order book,
// gateway, and market-data distributor: orders, trades, and sides.
package domain

// Side is the direction of an order.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Order is a resting or incoming limit order. Every field is immutable
// after creation except Quantity, which is decremented in place on each
// partial fill (§3: "Immutable except for remaining_quantity").
//
// Price is an integer number of ticks rather than a float: the book's
// crossed-book and price-time-priority invariants depend on exact
// equality at level lookup, which floating point cannot guarantee.
// Callers own the tick-size/scaling policy; the book only compares ticks.
type Order struct {
	ID       string
	TraderID string
	Side     Side
	Price    int64 // limit price, in ticks
	Quantity int64 // remaining quantity; decremented on each partial fill

	// ArrivalTime is the ingestion timestamp, fractional Unix seconds,
	// kept for the book's snapshot view. Price-time priority itself is
	// structural (insertion order into the price level's list), not
	// re-derived by sorting on this field.
	ArrivalTime float64

	// elem is the order's handle into its price level's FIFO list, set
	// by the ladder on insert and cleared on removal, so Cancel runs in
	// O(1) instead of scanning the level.
	elem any
}

// NewOrder constructs an order with the given starting (= remaining)
// quantity. Validation (side, price, quantity, duplicate id) is the
// order book's responsibility at submit time, not the constructor's.
func NewOrder(id, traderID string, side Side, price, quantity int64, arrivalTime float64) *Order {
	return &Order{
		ID:          id,
		TraderID:    traderID,
		Side:        side,
		Price:       price,
		Quantity:    quantity,
		ArrivalTime: arrivalTime,
	}
}

// SetElem and Elem let the orderbook package attach/retrieve the order's
// list handle without domain depending on container/list.
func (o *Order) SetElem(e any) { o.elem = e }
func (o *Order) Elem() any     { return o.elem }
