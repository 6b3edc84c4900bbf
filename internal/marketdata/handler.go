// Package marketdata implements the market-data handler (component D): it
// normalises the raw push/poll payloads a quote provider delivers and fans
// them out to the downstream event sink, isolating sink failures and
// malformed payloads so one bad tick never takes down the feed.
package marketdata

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tjkoyama/atmrelay/internal/quote"
)

// Sink is the downstream publisher the handler fans normalised events out
// to. Implementations must not block indefinitely; Emit is called
// synchronously from the handler's callback path.
type Sink interface {
	Connected() bool
	Emit(event string, payload map[string]any) error
}

// Handler turns raw provider payloads into normalised quote.Tick,
// quote.BidAsk, and quote.Snapshot records and forwards them to a Sink.
// A Handler is safe for concurrent use; the provider may deliver ticks
// and bidasks from separate goroutines.
type Handler struct {
	sink   Sink
	logger *zap.Logger

	mu         sync.Mutex
	lastTick   map[string]time.Time
	lastBidAsk map[string]time.Time
	ticks      int64
	bidasks    int64
	snapshots  int64
	dropped    int64
	sinkErrors int64
}

// New creates a Handler that publishes through sink.
func New(sink Sink, logger *zap.Logger) *Handler {
	return &Handler{
		sink:       sink,
		logger:     logger,
		lastTick:   make(map[string]time.Time),
		lastBidAsk: make(map[string]time.Time),
	}
}

// Stats is a point-in-time counter snapshot. TickContractsTracked/BidAskContractsTracked and
// LastTickUpdate/LastBidAskUpdate are the handler's stats() operation
// (spec §4.D), derived from the last-seen maps rather than kept as
// separate counters.
type Stats struct {
	Ticks                  int64
	BidAsks                int64
	Snapshots              int64
	Dropped                int64
	SinkErrors             int64
	TickContractsTracked   int
	BidAskContractsTracked int
	LastTickUpdate         time.Time
	LastBidAskUpdate       time.Time
}

func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Ticks:                  h.ticks,
		BidAsks:                h.bidasks,
		Snapshots:              h.snapshots,
		Dropped:                h.dropped,
		SinkErrors:             h.sinkErrors,
		TickContractsTracked:   len(h.lastTick),
		BidAskContractsTracked: len(h.lastBidAsk),
		LastTickUpdate:         maxTime(h.lastTick),
		LastBidAskUpdate:       maxTime(h.lastBidAsk),
	}
}

// maxTime returns the latest timestamp in m, or the zero Time when m is
// empty (the zero value stands in for spec §4.D's "null when empty").
func maxTime(m map[string]time.Time) time.Time {
	var max time.Time
	for _, t := range m {
		if t.After(max) {
			max = t
		}
	}
	return max
}

// HandleTick is the callback registered with quote.Provider.OnTick. It
// never panics and never returns an error: a malformed raw payload or a
// sink failure is logged and counted, not propagated, so one bad event
// cannot take the delivery goroutine down with it.
func (h *Handler) HandleTick(exchange string, raw any) {
	defer h.recoverFrom("tick")

	code := rawString(raw, "Code")
	if code == "" {
		h.incDropped()
		h.logger.Debug("tick dropped: missing code", zap.String("exchange", exchange))
		return
	}

	tick := quote.Tick{
		Exchange:     exchange,
		Code:         code,
		EventTime:    rawTime(raw, "EventTime"),
		Open:         rawFloatPtr(raw, "Open"),
		High:         rawFloatPtr(raw, "High"),
		Low:          rawFloatPtr(raw, "Low"),
		Close:        rawFloatPtr(raw, "Close"),
		Volume:       rawInt64Ptr(raw, "Volume"),
		TotalVolume:  rawInt64Ptr(raw, "TotalVolume"),
		DispatchTime: rawTime(raw, "DispatchTime"),
	}

	h.mu.Lock()
	h.lastTick[code] = tick.EventTime
	h.ticks++
	h.mu.Unlock()

	h.emit("market_tick", tickPayload(tick))
}

// HandleBidAsk is the callback registered with quote.Provider.OnBidAsk.
func (h *Handler) HandleBidAsk(exchange string, raw any) {
	defer h.recoverFrom("bidask")

	code := rawString(raw, "Code")
	if code == "" {
		h.incDropped()
		h.logger.Debug("bidask dropped: missing code", zap.String("exchange", exchange))
		return
	}

	bidask := quote.BidAsk{
		Exchange:     exchange,
		Code:         code,
		EventTime:    rawTime(raw, "EventTime"),
		BidPrice:     rawFloat64Slice(raw, "BidPrice"),
		BidVolume:    rawInt64Slice(raw, "BidVolume"),
		AskPrice:     rawFloat64Slice(raw, "AskPrice"),
		AskVolume:    rawInt64Slice(raw, "AskVolume"),
		DispatchTime: rawTime(raw, "DispatchTime"),
	}

	h.mu.Lock()
	h.lastBidAsk[code] = bidask.EventTime
	h.bidasks++
	h.mu.Unlock()

	h.emit("market_bidask", bidAskPayload(bidask))
}

// HandleSnapshot normalises the result of a quote.Provider.Snapshot call.
// raw may be a single snapshot-shaped value or a slice of them — the
// upstream library this adapts returns either depending on version and
// on whether the contract has more than one listed series, so both
// shapes are accepted here rather than pushed onto the provider adapter.
func (h *Handler) HandleSnapshot(raw any) {
	defer h.recoverFrom("snapshot")

	if raw == nil {
		return
	}

	v := reflect.ValueOf(raw)
	var items []any
	if v.Kind() == reflect.Slice {
		for i := 0; i < v.Len(); i++ {
			items = append(items, v.Index(i).Interface())
		}
	} else {
		items = []any{raw}
	}

	for _, item := range items {
		code := rawString(item, "Code")
		if code == "" {
			h.incDropped()
			continue
		}
		snap := quote.Snapshot{
			Code:         code,
			Name:         rawString(item, "Name"),
			Open:         rawFloatPtr(item, "Open"),
			High:         rawFloatPtr(item, "High"),
			Low:          rawFloatPtr(item, "Low"),
			Close:        rawFloatPtr(item, "Close"),
			Volume:       rawInt64Ptr(item, "Volume"),
			Amount:       rawFloatPtr(item, "Amount"),
			TotalVolume:  rawInt64Ptr(item, "TotalVolume"),
			DispatchTime: rawTime(item, "DispatchTime"),
		}
		h.mu.Lock()
		h.snapshots++
		h.mu.Unlock()
		h.emit("market_snapshot", snapshotPayload(snap))
	}
}

func (h *Handler) emit(event string, payload map[string]any) {
	if h.sink == nil || !h.sink.Connected() {
		return
	}
	if err := h.sink.Emit(event, payload); err != nil {
		h.mu.Lock()
		h.sinkErrors++
		h.mu.Unlock()
		h.logger.Warn("sink emit failed", zap.String("event", event), zap.Error(err))
	}
}

func (h *Handler) incDropped() {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}

// recoverFrom isolates a panic inside a callback so it never escapes
// into the provider's delivery goroutine.
func (h *Handler) recoverFrom(what string) {
	if r := recover(); r != nil {
		h.incDropped()
		h.logger.Error("recovered from panic in market data callback", zap.String("kind", what), zap.Any("panic", r))
	}
}

// nonNilFloats normalises an absent bid/ask list to an empty slice: §3
// says these lists "may be empty but are never null".
func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func tickPayload(t quote.Tick) map[string]any {
	return map[string]any{
		"exchange":      t.Exchange,
		"code":          t.Code,
		"event_time":    t.EventTime,
		"open":          t.Open,
		"high":          t.High,
		"low":           t.Low,
		"close":         t.Close,
		"volume":        t.Volume,
		"total_volume":  t.TotalVolume,
		"dispatch_time": t.DispatchTime,
	}
}

func bidAskPayload(b quote.BidAsk) map[string]any {
	return map[string]any{
		"exchange":      b.Exchange,
		"code":          b.Code,
		"event_time":    b.EventTime,
		"bid_price":     nonNilFloats(b.BidPrice),
		"bid_volume":    nonNilInts(b.BidVolume),
		"ask_price":     nonNilFloats(b.AskPrice),
		"ask_volume":    nonNilInts(b.AskVolume),
		"dispatch_time": b.DispatchTime,
	}
}

func snapshotPayload(s quote.Snapshot) map[string]any {
	return map[string]any{
		"code":          s.Code,
		"name":          s.Name,
		"open":          s.Open,
		"high":          s.High,
		"low":           s.Low,
		"close":         s.Close,
		"volume":        s.Volume,
		"amount":        s.Amount,
		"total_volume":  s.TotalVolume,
		"dispatch_time": s.DispatchTime,
	}
}
