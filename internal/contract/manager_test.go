package contract

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tjkoyama/atmrelay/internal/quote"
)

// fakeProvider is a minimal in-memory quote.Provider for exercising the
// subscription manager without a real brokerage session.
type fakeProvider struct {
	mu           sync.Mutex
	directory    map[string]quote.Contract
	subscribeErr map[string]error
	unsubErr     map[string]error
	subscribed   map[string]map[quote.Kind]bool
	unsubscribed []string
}

func newFakeProvider(codes ...string) *fakeProvider {
	p := &fakeProvider{
		directory:    make(map[string]quote.Contract),
		subscribeErr: make(map[string]error),
		unsubErr:     make(map[string]error),
		subscribed:   make(map[string]map[quote.Kind]bool),
	}
	for _, code := range codes {
		p.directory[code] = quote.Contract{Code: code}
	}
	return p
}

func (p *fakeProvider) Resolve(code string) (quote.Contract, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.directory[code]
	return c, ok
}

func (p *fakeProvider) Subscribe(ctx context.Context, c quote.Contract, kind quote.Kind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.subscribeErr[c.Code]; err != nil {
		return err
	}
	if p.subscribed[c.Code] == nil {
		p.subscribed[c.Code] = make(map[quote.Kind]bool)
	}
	p.subscribed[c.Code][kind] = true
	return nil
}

func (p *fakeProvider) Unsubscribe(ctx context.Context, c quote.Contract) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = append(p.unsubscribed, c.Code)
	delete(p.subscribed, c.Code)
	return p.unsubErr[c.Code]
}

func (p *fakeProvider) Snapshot(ctx context.Context, c quote.Contract) (any, error) {
	return nil, nil
}

func (p *fakeProvider) OnTick(fn func(string, any))   {}
func (p *fakeProvider) OnBidAsk(fn func(string, any)) {}

func newTestManager(p *fakeProvider) *Manager {
	return New(p, 100, zap.NewNop())
}

func TestATMRounding(t *testing.T) {
	cases := []struct {
		price float64
		want  int
	}{
		{17850, 17900},
		{17950, 18000},
		{18000, 18000},
		{18050, 18100},
		{18449, 18400},
		{18450, 18500},
	}
	for _, tc := range cases {
		got := ATM(tc.price, 100)
		assert.Equal(t, tc.want, got, "ATM(%v)", tc.price)
	}
}

func TestTargetWindow(t *testing.T) {
	strikes := TargetStrikes(18000, 3, 100)
	assert.Equal(t, []int{17700, 17800, 17900, 18000, 18100, 18200, 18300}, strikes)
}

func TestTargetWindowDropsNonPositive(t *testing.T) {
	strikes := TargetStrikes(100, 2, 100)
	assert.Equal(t, []int{100, 200, 300}, strikes)
}

func TestRefreshDiffSemantics(t *testing.T) {
	p := newFakeProvider("TXO17800C", "TXO17900C", "TXO18000C", "TXO18100C")
	m := newTestManager(p)

	// Pretend A (17800) and B (17900) are already subscribed (from an
	// earlier refresh not modelled here); 18000 and 18100 are new and
	// should be added, A is out of range and should be removed.
	m.cache["TXO17800C"] = quote.Contract{Code: "TXO17800C"} // stand-in for "A", out of range
	m.subscribed["TXO17800C"] = struct{}{}
	m.cache["TXO17900C"] = quote.Contract{Code: "TXO17900C"}
	m.subscribed["TXO17900C"] = struct{}{}

	// Target window around 18000 with window=1 resolves to 17900,18000,18100.
	m.Refresh(context.Background(), 18000, 1, quote.Call)

	got := m.SubscribedContracts()
	codes := make(map[string]bool)
	for _, c := range got {
		codes[c.Code] = true
	}
	assert.True(t, codes["TXO17900C"])
	assert.True(t, codes["TXO18000C"])
	assert.True(t, codes["TXO18100C"])
	assert.False(t, codes["TXO17800C"])

	assert.Contains(t, p.unsubscribed, "TXO17800C")
}

func TestRefreshIdempotentOnSecondCall(t *testing.T) {
	p := newFakeProvider("TXO17900C", "TXO18000C", "TXO18100C")
	m := newTestManager(p)

	m.Refresh(context.Background(), 18000, 1, quote.Call)
	before := len(p.unsubscribed)

	m.Refresh(context.Background(), 18000, 1, quote.Call)
	after := len(p.unsubscribed)

	assert.Equal(t, before, after, "second refresh with unchanged price must not unsubscribe anything new")
	assert.Len(t, m.SubscribedContracts(), 3)
}

func TestRefreshSubscribeFailureLeavesHole(t *testing.T) {
	p := newFakeProvider("TXO17900C", "TXO18000C", "TXO18100C")
	p.subscribeErr["TXO18100C"] = assertErr{}
	m := newTestManager(p)

	m.Refresh(context.Background(), 18000, 1, quote.Call)

	codes := make(map[string]bool)
	for _, c := range m.SubscribedContracts() {
		codes[c.Code] = true
	}
	assert.True(t, codes["TXO17900C"])
	assert.True(t, codes["TXO18000C"])
	assert.False(t, codes["TXO18100C"], "failed subscribe must not be added to the subscribed set")
}

type assertErr struct{}

func (assertErr) Error() string { return "subscribe failed" }

func TestRefreshNoOpOnInvalidPrice(t *testing.T) {
	p := newFakeProvider("TXO18000C")
	m := newTestManager(p)
	m.subscribed["TXO18000C"] = struct{}{}
	m.cache["TXO18000C"] = quote.Contract{Code: "TXO18000C"}

	m.Refresh(context.Background(), 0, 1, quote.Call)
	m.Refresh(context.Background(), -5, 1, quote.Call)

	assert.Len(t, m.SubscribedContracts(), 1, "invalid price must not mutate subscriptions")
}

func TestRefreshEmptyTargetLeavesSubscriptionsUntouched(t *testing.T) {
	p := newFakeProvider() // empty directory: every strike fails to resolve
	m := newTestManager(p)
	m.subscribed["TXO18000C"] = struct{}{}
	m.cache["TXO18000C"] = quote.Contract{Code: "TXO18000C"}

	m.Refresh(context.Background(), 18000, 1, quote.Call)

	assert.Len(t, m.SubscribedContracts(), 1)
}

func TestUnsubscribeAll(t *testing.T) {
	p := newFakeProvider("TXO17900C", "TXO18000C", "TXO18100C")
	m := newTestManager(p)
	m.Refresh(context.Background(), 18000, 1, quote.Call)
	require.Len(t, m.SubscribedContracts(), 3)

	m.UnsubscribeAll(context.Background())

	assert.Empty(t, m.SubscribedContracts())
	assert.Equal(t, 0, m.Subscribed())
}

func TestUnsubscribeAllContinuesPastFailures(t *testing.T) {
	p := newFakeProvider("TXO17900C", "TXO18000C", "TXO18100C")
	p.unsubErr["TXO18000C"] = assertErr{}
	m := newTestManager(p)
	m.Refresh(context.Background(), 18000, 1, quote.Call)

	m.UnsubscribeAll(context.Background())

	assert.Empty(t, m.SubscribedContracts(), "unsubscribe_all must empty the set even when a per-code unsubscribe failed")
}
