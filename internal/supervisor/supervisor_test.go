package supervisor

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

// fakeProvider is a minimal quote.Provider + supervisor.Provider double
// with a settable index price and a scriptable directory.
type fakeProvider struct {
	mu        sync.Mutex
	directory map[string]quote.Contract
	price     float64
	onTick    func(string, any)
	onBidAsk  func(string, any)
	closed    bool
}

func newFakeProvider(price float64, codes ...string) *fakeProvider {
	p := &fakeProvider{directory: make(map[string]quote.Contract), price: price}
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
	return nil
}

func (p *fakeProvider) Unsubscribe(ctx context.Context, c quote.Contract) error {
	return nil
}

func (p *fakeProvider) Snapshot(ctx context.Context, c quote.Contract) (any, error) {
	return struct{ Code string }{Code: c.Code}, nil
}

func (p *fakeProvider) OnTick(fn func(string, any))   { p.onTick = fn }
func (p *fakeProvider) OnBidAsk(fn func(string, any)) { p.onBidAsk = fn }

func (p *fakeProvider) IndexPrice() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price
}

func (p *fakeProvider) setPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
}

func (p *fakeProvider) Run(ctx context.Context) {
	<-ctx.Done()
}

func (p *fakeProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// fakeSink is a minimal Sink double recording every emitted event.
type fakeSink struct {
	mu         sync.Mutex
	connected  bool
	events     []string
	payloads   []map[string]any
	disconnect bool
	onConnect  func()
}

func (s *fakeSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	fn := s.onConnect
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (s *fakeSink) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

func (s *fakeSink) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnect = true
}

func (s *fakeSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSink) Emit(event string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *fakeSink) eventCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		HeartbeatInterval:      20 * time.Millisecond,
		SnapshotInterval:       200 * time.Millisecond,
		ContractUpdateInterval: 10 * time.Millisecond,
		StrikeInterval:         100,
		WindowSize:             1,
		OptionType:             quote.Call,
		Simulation:             true,
		Version:                "test",
	}
}

func TestStartEmitsReadyThenRunningState(t *testing.T) {
	provider := newFakeProvider(18000, "TXO17900C", "TXO18000C", "TXO18100C")
	sink := &fakeSink{}
	sup := New(testConfig(), provider, sink, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sink.eventCount("shioaji_ready") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.eventCount("python_status"))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after context cancellation")
	}

	assert.Equal(t, StateStopped, sup.State())
}

func TestMainLoopEmitsHeartbeats(t *testing.T) {
	provider := newFakeProvider(18000, "TXO18000C")
	sink := &fakeSink{}
	sup := New(testConfig(), provider, sink, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.eventCount("heartbeat") >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRefreshSubscribesAndUnsubscribesAroundMovingPrice(t *testing.T) {
	provider := newFakeProvider(18000, "TXO17900C", "TXO18000C", "TXO18100C", "TXO18200C", "TXO18300C")
	sink := &fakeSink{}
	cfg := testConfig()
	sup := New(cfg, provider, sink, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sup.manager != nil && sup.manager.Subscribed() > 0 }, time.Second, 5*time.Millisecond)

	provider.setPrice(18200)
	require.Eventually(t, func() bool {
		has18200, has17900 := false, false
		for _, c := range sup.manager.SubscribedContracts() {
			switch c.Code {
			case "TXO18200C":
				has18200 = true
			case "TXO17900C":
				has17900 = true
			}
		}
		return has18200 && !has17900
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestStopIsIdempotentAndNoOpWhenNotRunning(t *testing.T) {
	provider := newFakeProvider(18000, "TXO18000C")
	sink := &fakeSink{}
	sup := New(testConfig(), provider, sink, nil, zap.NewNop())

	sup.Stop() // not running yet: no-op, must not panic
	sup.Stop() // a second call is likewise a no-op
	assert.Equal(t, StateIdle, sup.State())
}

func TestStartTwiceReturnsAlreadyRunning(t *testing.T) {
	provider := newFakeProvider(18000, "TXO18000C")
	sink := &fakeSink{}
	sup := New(testConfig(), provider, sink, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 5*time.Millisecond)

	err := sup.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	<-done
}

func TestGracefulShutdownUnsubscribesClosesProviderAndSink(t *testing.T) {
	provider := newFakeProvider(18000, "TXO18000C")
	sink := &fakeSink{}
	sup := New(testConfig(), provider, sink, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sup.State() == StateRunning }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	provider.mu.Lock()
	closed := provider.closed
	provider.mu.Unlock()
	assert.True(t, closed)

	assert.Empty(t, sup.manager.SubscribedContracts())
	assert.True(t, sink.disconnect)
}
