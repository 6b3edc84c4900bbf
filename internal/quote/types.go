// Package quote holds the normalised wire records exchanged between the
// quote provider, the contract subscription manager, and the downstream
// event sink.
package quote

import "time"

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Contract identifies one option instrument in the provider's directory.
// Code is the opaque exchange-assigned identifier; Handle is whatever the
// provider adapter needs to issue subscribe/unsubscribe/snapshot calls
// (kept opaque here so the contract subscription manager never has to
// know the provider's concrete representation).
type Contract struct {
	Code       string
	Strike     int
	OptionType OptionType
	Handle     any
}

// Tick is a normalised trade print.
type Tick struct {
	Exchange     string
	Code         string
	EventTime    time.Time
	Open         *float64
	High         *float64
	Low          *float64
	Close        *float64
	Volume       *int64
	TotalVolume  *int64
	DispatchTime time.Time
}

// BidAsk is a normalised top-of-book (or depth-N) quote.
type BidAsk struct {
	Exchange     string
	Code         string
	EventTime    time.Time
	BidPrice     []float64
	BidVolume    []int64
	AskPrice     []float64
	AskVolume    []int64
	DispatchTime time.Time
}

// Snapshot is a normalised polled summary record.
type Snapshot struct {
	Code         string
	Name         string
	Open         *float64
	High         *float64
	Low          *float64
	Close        *float64
	Volume       *int64
	Amount       *float64
	TotalVolume  *int64
	DispatchTime time.Time
}
