package domain

// Trade is an immutable record of a single match between a resting
// (maker) order and an incoming (taker) order. Price is always the
// maker's limit price (§4.B "Tie-breaks & edge cases").
type Trade struct {
	Timestamp float64 // fractional Unix seconds
	BuyerID   string  // trader_id of the buy side
	SellerID  string  // trader_id of the sell side
	Price     int64   // maker's limit price, in ticks
	Quantity  int64
}

// NewTrade builds a trade from the maker/taker pair that just crossed.
func NewTrade(price, quantity int64, buyerID, sellerID string, timestamp float64) Trade {
	return Trade{
		Timestamp: timestamp,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Price:     price,
		Quantity:  quantity,
	}
}
