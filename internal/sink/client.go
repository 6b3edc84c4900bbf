// Package sink implements the event-sink adapter (component B): a
// reconnecting WebSocket client that emits normalised market-data events
// to the downstream event hub. Unlike the push-feed transport this is
// adapted from, the connection runs in client, not server, role: the
// relay dials out to the hub instead of accepting inbound connections.
package sink

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096

	minBackoff  = 500 * time.Millisecond
	maxBackoff  = 10 * time.Second
	backoffMult = 2.0
)

// envelope is the wire frame emitted to the hub: an event name and a
// JSON payload, modelled after the Socket.IO-style framing the downstream
// hub speaks.
type envelope struct {
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Client is a reconnecting event-sink adapter. It is safe for concurrent
// use: Emit may be called from multiple market-data callback goroutines
// while the reconnect loop runs independently.
type Client struct {
	url        string
	bufferSize int
	logger     *zap.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected int32 // atomic bool

	sendCh   chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	onConnect func()
}

// New creates a Client bound to url. Connect must be called before Emit
// has any effect.
func New(url string, bufferSize int, logger *zap.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Client{
		url:        url,
		bufferSize: bufferSize,
		logger:     logger,
		sendCh:     make(chan []byte, bufferSize),
		stop:       make(chan struct{}),
	}
}

// Connect establishes the reconnecting session. It starts the dial loop
// in the background and returns immediately, without waiting for the
// first dial attempt; failed attempts are retried with exponential
// backoff, capped at 10s and jittered by up to ±50% to avoid a
// thundering herd against the hub.
func (c *Client) Connect(ctx context.Context) error {
	c.wg.Add(1)
	go c.reconnectLoop(ctx)
	return nil
}

// Connected reports current session liveness.
func (c *Client) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// Emit is best-effort: when not connected, the message is dropped and
// logged at debug. When the payload has no "timestamp" key, the emitted
// frame's envelope carries an ISO-8601 local timestamp; the payload map
// itself is not modified.
func (c *Client) Emit(event string, payload map[string]any) error {
	if !c.Connected() {
		c.logger.Debug("emit dropped: sink not connected", zap.String("event", event))
		return nil
	}

	if payload == nil {
		payload = map[string]any{}
	}
	env := envelope{Event: event, Payload: payload}
	if _, ok := payload["timestamp"]; !ok {
		env.Timestamp = time.Now().Format(time.RFC3339)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn("emit dropped: send buffer full", zap.String("event", event))
		return nil
	}
}

// OnConnect registers fn to be called from the reconnect loop's
// goroutine each time the session comes up, the first connection and
// every reconnect alike. It must be set before Connect is called.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

// Disconnect tears the session down. Idempotent.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := minBackoff
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("sink dial failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if !c.sleepOrStop(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		c.logger.Info("sink connected", zap.String("url", c.url))
		backoff = minBackoff
		atomic.StoreInt32(&c.connected, 1)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if c.onConnect != nil {
			c.onConnect()
		}

		c.runSession(ctx, conn)

		atomic.StoreInt32(&c.connected, 0)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runSession drives one connection's read and write pumps until either
// fails, then returns so the caller can reconnect.
func (c *Client) runSession(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.readPump(conn)
	}()

	c.writePump(conn, done)
	conn.Close()
	<-done
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("sink read error", zap.Error(err))
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("sink received unparseable frame", zap.Error(err))
			continue
		}
		c.logger.Info("sink received inbound event (ignored)", zap.String("event", env.Event))
	}
}

func (c *Client) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) sleepOrStop(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffMult)
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := 1 + (rand.Float64()-0.5) // 0.5 .. 1.5
	jittered := time.Duration(float64(next) * jitter)
	if jittered > maxBackoff {
		jittered = maxBackoff
	}
	if jittered < minBackoff {
		jittered = minBackoff
	}
	return jittered
}
