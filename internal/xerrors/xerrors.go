// Package xerrors enumerates the error taxonomy of §7: the kinds a
// caller of the order book, gateway, or trade store needs to branch on,
// as wrapped sentinel errors rather than ad-hoc strings.
package xerrors

import "errors"

var (
	// ErrInvalidOrder covers bad side, non-positive price/quantity.
	// Reported to the originating session; no state change.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrDuplicateOrderID is returned when an order_id already exists
	// in the registry. Also reported to the originating session.
	ErrDuplicateOrderID = errors.New("duplicate order id")

	// ErrUnknownOrder names the cancel-of-unknown-id kind. The order
	// book's Cancel does not return it: it reports an id not on the book
	// as a false return.
	ErrUnknownOrder = errors.New("unknown order id")

	// ErrInvalidInterval is returned by OHLC queries when interval <= 0.
	ErrInvalidInterval = errors.New("candle interval must be positive")

	// ErrStoreUnavailable wraps a persistence failure. Retried from the
	// pending-trade buffer; never surfaced to clients.
	ErrStoreUnavailable = errors.New("trade store unavailable")
)
