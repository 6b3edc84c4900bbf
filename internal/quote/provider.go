package quote

import "context"

// Kind distinguishes the two push-subscription feeds a contract can have.
type Kind int

const (
	KindTick Kind = iota
	KindBidAsk
)

func (k Kind) String() string {
	if k == KindBidAsk {
		return "bidask"
	}
	return "tick"
}

// Directory resolves an opaque contract code to a handle. Real brokerage
// libraries expose their contract directory either as named attributes on
// a struct or as a keyed collection (a reflection idiom from the upstream
// ecosystem); Resolve is where that duality is absorbed, so callers never
// need to know which shape the underlying provider uses. Resolve returns
// ok=false on any lookup failure — missing strike, malformed key, or an
// internal provider error — never an error value, matching the "safe
// lookup" semantics the subscription manager requires.
type Directory interface {
	Resolve(code string) (Contract, bool)
}

// Provider is the opaque upstream quote feed the core consumes. Login,
// certificate activation, and contract-directory refresh are the
// adapter's concern; the core only ever sees this interface.
type Provider interface {
	Directory

	// Subscribe requests a push feed for kind on contract c. Per-contract
	// failures are the caller's to log; they must not be treated as fatal.
	Subscribe(ctx context.Context, c Contract, kind Kind) error

	// Unsubscribe tears down both feeds for contract c.
	Unsubscribe(ctx context.Context, c Contract) error

	// Snapshot fetches a polled summary for c. The upstream ecosystem this
	// adapts returns either a single snapshot object or a list of them
	// depending on library version, so the raw result is returned
	// untouched — the market-data handler performs normalisation and
	// the single-vs-list reconciliation.
	Snapshot(ctx context.Context, c Contract) (any, error)

	// OnTick registers the push-tick callback. The provider may invoke it
	// concurrently from its own delivery goroutine(s); at most one
	// callback is retained (the most recent registration wins).
	OnTick(fn func(exchange string, raw any))

	// OnBidAsk registers the push-bidask callback, with the same
	// concurrency contract as OnTick.
	OnBidAsk(fn func(exchange string, raw any))
}

// IndexPricer is an optional capability a Provider may implement to
// expose the underlying index price driving its option chain directly.
// The supervisor type-asserts for it so the ATM refresh loop has a
// price to work from without requiring a separate underlying-contract
// subscription and tick-based tracking; adapters that instead deliver
// the underlying index through ordinary ticks need not implement it.
type IndexPricer interface {
	IndexPrice() float64
}
