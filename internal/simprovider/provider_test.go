package simprovider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tjkoyama/atmrelay/internal/quote"
)

func TestResolveParsesValidCode(t *testing.T) {
	p := New(Config{BasePrice: 18000}, zap.NewNop())
	c, ok := p.Resolve("TXO18000C")
	require.True(t, ok)
	assert.Equal(t, 18000, c.Strike)
	assert.Equal(t, quote.Call, c.OptionType)
}

func TestResolveRejectsMalformedCode(t *testing.T) {
	p := New(Config{BasePrice: 18000}, zap.NewNop())
	cases := []string{"BADCODE", "TXOABCDC", "TXO100X", "TXO0C", "TXO-5C"}
	for _, code := range cases {
		_, ok := p.Resolve(code)
		assert.False(t, ok, "expected %q to fail to resolve", code)
	}
}

func TestResolveIsCached(t *testing.T) {
	p := New(Config{BasePrice: 18000}, zap.NewNop())
	c1, _ := p.Resolve("TXO18000C")
	c2, _ := p.Resolve("TXO18000C")
	assert.Equal(t, c1, c2)
}

func TestSubscribeThenPushDeliversTicksAndBidAsks(t *testing.T) {
	p := New(Config{BasePrice: 18000, TickInterval: 5 * time.Millisecond}, zap.NewNop())

	var mu sync.Mutex
	var ticks, bidasks int
	p.OnTick(func(exchange string, raw any) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})
	p.OnBidAsk(func(exchange string, raw any) {
		mu.Lock()
		bidasks++
		mu.Unlock()
	})

	c, ok := p.Resolve("TXO18000C")
	require.True(t, ok)
	require.NoError(t, p.Subscribe(context.Background(), c, quote.KindTick))
	require.NoError(t, p.Subscribe(context.Background(), c, quote.KindBidAsk))

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks > 0 && bidasks > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	p.Close()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := New(Config{BasePrice: 18000, TickInterval: 5 * time.Millisecond}, zap.NewNop())

	var mu sync.Mutex
	ticks := 0
	p.OnTick(func(exchange string, raw any) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	c, _ := p.Resolve("TXO18000C")
	require.NoError(t, p.Subscribe(context.Background(), c, quote.KindTick))
	require.NoError(t, p.Unsubscribe(context.Background(), c))

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	p.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, ticks, "no ticks should be delivered after unsubscribe")
}

func TestSnapshotReturnsSingleValue(t *testing.T) {
	p := New(Config{BasePrice: 18000}, zap.NewNop())
	c, _ := p.Resolve("TXO18000C")
	snap, err := p.Snapshot(context.Background(), c)
	require.NoError(t, err)
	s, ok := snap.(quoteSnapshot)
	require.True(t, ok)
	assert.Equal(t, "TXO18000C", s.Code)
}

func TestOptionPriceCallIntrinsicIncreasesWithUnderlying(t *testing.T) {
	p := New(Config{BasePrice: 18000}, zap.NewNop())
	below := p.optionPrice(19000, quote.Call) // deep OTM call
	p.index.Tick()
	// Force the index up to make the call deep ITM for comparison.
	p.index.mu.Lock()
	p.index.price = 20000
	p.index.mu.Unlock()
	above := p.optionPrice(19000, quote.Call)
	assert.Greater(t, above, below)
}
