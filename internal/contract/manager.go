// Package contract implements the contract subscription manager (component
// C): it tracks the at-the-money strike window for a given index price and
// keeps the provider's subscribed set in sync with it.
package contract

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/tjkoyama/atmrelay/internal/quote"
)

// Manager owns the subscribed set and the resolved-contract cache for one
// provider. It holds a non-owning reference to the provider — lifecycle
// (open/close) is the supervisor's job, not the manager's.
type Manager struct {
	provider       quote.Provider
	strikeInterval int
	logger         *zap.Logger

	mu         sync.Mutex
	cache      map[string]quote.Contract // code -> resolved contract, grows monotonically
	subscribed map[string]struct{}       // subset of cache keys
}

// New creates a subscription manager bound to provider. strikeInterval
// must be a positive multiple-of step for the underlying's strike ladder
// (e.g. 100 for TXO).
func New(provider quote.Provider, strikeInterval int, logger *zap.Logger) *Manager {
	return &Manager{
		provider:       provider,
		strikeInterval: strikeInterval,
		logger:         logger,
		cache:          make(map[string]quote.Contract),
		subscribed:     make(map[string]struct{}),
	}
}

// ATM rounds price/interval to the nearest integer, ties rounding away
// from zero (half-up for positive prices), then scales back by interval.
func ATM(price float64, interval int) int {
	quotient := price / float64(interval)
	var rounded float64
	if quotient >= 0 {
		rounded = math.Floor(quotient + 0.5)
	} else {
		rounded = math.Ceil(quotient - 0.5)
	}
	return int(rounded) * interval
}

// TargetStrikes returns {atm + k*interval | k in [-window, +window]},
// dropping any non-positive strike. The result has at most 2*window+1
// elements.
func TargetStrikes(atm, window, interval int) []int {
	strikes := make([]int, 0, 2*window+1)
	for k := -window; k <= window; k++ {
		s := atm + k*interval
		if s > 0 {
			strikes = append(strikes, s)
		}
	}
	return strikes
}

// contractKey builds the dual-mode lookup key for a strike: a fixed
// prefix, the strike in decimal, and a single suffix character for the
// option type. Construction is deterministic and side-effect-free.
func contractKey(strike int, optType quote.OptionType) string {
	suffix := "C"
	if optType == quote.Put {
		suffix = "P"
	}
	return fmt.Sprintf("TXO%d%s", strike, suffix)
}

// RefreshResult summarises one Refresh call for the caller's
// observability needs (the operational ledger, in the supervisor). It
// never carries resolved contract codes.
type RefreshResult struct {
	ATM             int
	Added           int
	Removed         int
	ResolvedCount   int
	UnresolvedCount int
}

// Refresh ensures the subscribed set equals exactly the ATM-centred
// window of option contracts for price. price must be > 0 and window
// must be >= 0, or Refresh is a defensive no-op. Errors from the
// provider are logged and isolated per contract; Refresh itself never
// returns an error.
func (m *Manager) Refresh(ctx context.Context, price float64, window int, optType quote.OptionType) RefreshResult {
	if price <= 0 || window < 0 {
		m.logger.Debug("refresh skipped: invalid inputs", zap.Float64("price", price), zap.Int("window", window))
		return RefreshResult{}
	}

	atm := ATM(price, m.strikeInterval)
	strikes := TargetStrikes(atm, window, m.strikeInterval)

	target := make(map[string]quote.Contract, len(strikes))
	unresolved := 0
	for _, strike := range strikes {
		key := contractKey(strike, optType)
		c, ok := m.provider.Resolve(key)
		if !ok {
			unresolved++
			m.logger.Debug("strike unresolved, dropping", zap.Int("strike", strike), zap.String("key", key))
			continue
		}
		target[c.Code] = c
		m.mu.Lock()
		m.cache[c.Code] = c
		m.mu.Unlock()
	}

	if len(target) == 0 {
		m.logger.Warn("refresh found no resolvable contracts in target window; leaving subscriptions unchanged",
			zap.Int("atm", atm), zap.Int("window", window))
		return RefreshResult{ATM: atm, UnresolvedCount: unresolved}
	}

	m.mu.Lock()
	var toAdd, toRemove []string
	for code := range target {
		if _, ok := m.subscribed[code]; !ok {
			toAdd = append(toAdd, code)
		}
	}
	for code := range m.subscribed {
		if _, ok := target[code]; !ok {
			toRemove = append(toRemove, code)
		}
	}
	m.mu.Unlock()

	added, removed := 0, 0

	for _, code := range toAdd {
		c := target[code]
		tickErr := m.provider.Subscribe(ctx, c, quote.KindTick)
		bidaskErr := m.provider.Subscribe(ctx, c, quote.KindBidAsk)
		if tickErr != nil || bidaskErr != nil {
			m.logger.Warn("subscribe failed, will retry next refresh",
				zap.String("code", code), zap.Error(errOrNil(tickErr, bidaskErr)))
			continue
		}
		m.mu.Lock()
		m.subscribed[code] = struct{}{}
		m.mu.Unlock()
		added++
	}

	for _, code := range toRemove {
		m.mu.Lock()
		c, known := m.cache[code]
		m.mu.Unlock()
		if known {
			if err := m.provider.Unsubscribe(ctx, c); err != nil {
				m.logger.Warn("unsubscribe failed; removing from subscribed set anyway", zap.String("code", code), zap.Error(err))
			}
		}
		m.mu.Lock()
		delete(m.subscribed, code)
		m.mu.Unlock()
		removed++
	}

	m.logger.Debug("refresh complete", zap.Int("atm", atm), zap.Int("added", added), zap.Int("removed", removed))

	return RefreshResult{
		ATM:             atm,
		Added:           added,
		Removed:         removed,
		ResolvedCount:   len(target),
		UnresolvedCount: unresolved,
	}
}

// SubscribedContracts returns contract handles for every currently
// subscribed code that is still present in the cache. Used by the
// snapshot poller; the returned slice is a point-in-time copy.
func (m *Manager) SubscribedContracts() []quote.Contract {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]quote.Contract, 0, len(m.subscribed))
	for code := range m.subscribed {
		if c, ok := m.cache[code]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Subscribed reports the current size of the subscribed set.
func (m *Manager) Subscribed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribed)
}

// UnsubscribeAll tears down every currently subscribed contract and
// empties the subscribed set. Per-code failures are logged but do not
// halt iteration.
func (m *Manager) UnsubscribeAll(ctx context.Context) {
	m.mu.Lock()
	codes := make([]string, 0, len(m.subscribed))
	for code := range m.subscribed {
		codes = append(codes, code)
	}
	m.mu.Unlock()

	for _, code := range codes {
		m.mu.Lock()
		c, known := m.cache[code]
		m.mu.Unlock()
		if known {
			if err := m.provider.Unsubscribe(ctx, c); err != nil {
				m.logger.Warn("unsubscribe_all: unsubscribe failed", zap.String("code", code), zap.Error(err))
			}
		}
		m.mu.Lock()
		delete(m.subscribed, code)
		m.mu.Unlock()
	}
}

func errOrNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
