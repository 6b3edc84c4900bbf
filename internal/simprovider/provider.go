// Package simprovider is a concrete, runnable quote.Provider: it
// simulates an underlying index with a geometric Brownian motion walk
// (adapted from the teacher's per-symbol GBM price engine) and derives
// synthetic option prices for any TXO-style contract code resolved
// against it, so the relay can run end-to-end without a live brokerage
// session.
package simprovider

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tjkoyama/atmrelay/internal/quote"
)

const exchangeName = "SIM"

// Config controls the simulated market.
type Config struct {
	Seed           int64
	BasePrice      float64
	VolMultiplier  float64
	TickInterval   time.Duration
	StrikePrefix   string // e.g. "TXO"
}

// Provider implements quote.Provider against a simulated index and
// option chain. Safe for concurrent use.
type Provider struct {
	cfg    Config
	logger *zap.Logger
	index  *indexEngine
	dir    *directory
	rng    *rng

	mu         sync.Mutex
	subscribed map[string]map[quote.Kind]bool

	onTick   func(exchange string, raw any)
	onBidAsk func(exchange string, raw any)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a simulated provider. Run must be called to start the
// background tick loop.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.StrikePrefix == "" {
		cfg.StrikePrefix = "TXO"
	}
	if cfg.VolMultiplier <= 0 {
		cfg.VolMultiplier = 1.0
	}
	r := newRNG(cfg.Seed)
	return &Provider{
		cfg:        cfg,
		logger:     logger,
		index:      newIndexEngine(r, cfg.BasePrice, cfg.VolMultiplier),
		dir:        newDirectory(cfg.StrikePrefix),
		rng:        r,
		subscribed: make(map[string]map[quote.Kind]bool),
		stop:       make(chan struct{}),
	}
}

// IndexPrice returns the current simulated underlying price. The
// supervisor polls this to drive the ATM tracker.
func (p *Provider) IndexPrice() float64 {
	return p.index.Price()
}

// Resolve implements quote.Directory.
func (p *Provider) Resolve(code string) (quote.Contract, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir.Resolve(code)
}

// Subscribe implements quote.Provider. The simulated provider never
// fails a subscribe.
func (p *Provider) Subscribe(ctx context.Context, c quote.Contract, kind quote.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribed[c.Code] == nil {
		p.subscribed[c.Code] = make(map[quote.Kind]bool)
	}
	p.subscribed[c.Code][kind] = true
	return nil
}

// Unsubscribe implements quote.Provider.
func (p *Provider) Unsubscribe(ctx context.Context, c quote.Contract) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribed, c.Code)
	return nil
}

// Snapshot implements quote.Provider, returning a single synthetic
// snapshot for c.
func (p *Provider) Snapshot(ctx context.Context, c quote.Contract) (any, error) {
	entry, ok := p.Resolve(c.Code)
	if !ok {
		entry = c
	}
	price := p.optionPrice(entry.Strike, entry.OptionType)
	return quoteSnapshot{
		Code:        entry.Code,
		Name:        entry.Code,
		Close:       &price,
		Volume:      int64Ptr(p.rng.IntRange(0, 500)),
		TotalVolume: int64Ptr(p.rng.IntRange(1000, 50000)),
	}, nil
}

// OnTick implements quote.Provider.
func (p *Provider) OnTick(fn func(exchange string, raw any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTick = fn
}

// OnBidAsk implements quote.Provider.
func (p *Provider) OnBidAsk(fn func(exchange string, raw any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBidAsk = fn
}

// Run drives the index and pushes tick/bidask events for every
// currently subscribed contract until ctx is cancelled or Close is
// called.
func (p *Provider) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.index.Tick()
			p.pushSubscribed()
		}
	}
}

// Close stops the background tick loop. Idempotent.
func (p *Provider) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Provider) pushSubscribed() {
	p.mu.Lock()
	onTick, onBidAsk := p.onTick, p.onBidAsk
	codes := make(map[string]map[quote.Kind]bool, len(p.subscribed))
	for code, kinds := range p.subscribed {
		codes[code] = kinds
	}
	p.mu.Unlock()

	now := time.Now()
	for code, kinds := range codes {
		entry, ok := p.Resolve(code)
		if !ok {
			continue
		}
		price := p.optionPrice(entry.Strike, entry.OptionType)

		if kinds[quote.KindTick] && onTick != nil {
			onTick(exchangeName, simTick{Code: code, EventTime: now, Close: &price, DispatchTime: now})
		}
		if kinds[quote.KindBidAsk] && onBidAsk != nil {
			spread := 0.5
			bid, ask := price-spread, price+spread
			onBidAsk(exchangeName, simBidAsk{
				Code:      code,
				EventTime: now,
				BidPrice:  []float64{bid},
				BidVolume: []int64{int64(p.rng.IntRange(1, 100))},
				AskPrice:  []float64{ask},
				AskVolume: []int64{int64(p.rng.IntRange(1, 100))},
				DispatchTime: now,
			})
		}
	}
}

// optionPrice derives a synthetic price for a simulated call or put from
// the current index level: intrinsic value plus a small noise term so
// the relay has something that moves tick to tick even for deep
// out-of-the-money strikes.
func (p *Provider) optionPrice(strike int, optType quote.OptionType) float64 {
	underlying := p.index.Price()
	var intrinsic float64
	if optType == quote.Put {
		intrinsic = math.Max(0, float64(strike)-underlying)
	} else {
		intrinsic = math.Max(0, underlying-float64(strike))
	}
	timeValue := math.Max(1, 20-math.Abs(underlying-float64(strike))/10) + p.rng.Gaussian()*0.3
	price := intrinsic + math.Max(0, timeValue)
	return math.Round(price*100) / 100
}

func int64Ptr(v int) *int64 {
	n := int64(v)
	return &n
}

// simTick, simBidAsk, and quoteSnapshot are the raw struct shapes this
// simulated provider delivers to the market-data handler's reflective
// field extraction — standing in for whatever concrete type a real
// brokerage SDK would hand back.
type simTick struct {
	Code         string
	EventTime    time.Time
	Close        *float64
	DispatchTime time.Time
}

type simBidAsk struct {
	Code         string
	EventTime    time.Time
	BidPrice     []float64
	BidVolume    []int64
	AskPrice     []float64
	AskVolume    []int64
	DispatchTime time.Time
}

type quoteSnapshot struct {
	Code        string
	Name        string
	Close       *float64
	Volume      *int64
	TotalVolume *int64
}
