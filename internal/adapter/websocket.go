package adapter

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ConnState is the health of an upstream websocket. The FeedMonitor reads it
// to tell a quiet market from a dead connection.
type ConnState int32

const (
	ConnUp   ConnState = iota // connected and reading
	ConnDown                  // reconnecting
)

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the longest silence tolerated before the
	// connection is considered dead and redialled.
	HeartbeatTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the handshake.
	Headers http.Header
}

// DefaultWSConfig returns defaults for a trade feed. Trade streams can be
// quiet for seconds on thin books, so the heartbeat is looser than for
// order book feeds.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   16 << 10,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 30 * time.Second,
		BackoffInitial:   100 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient keeps one websocket to an upstream feed alive. It redials with
// exponential backoff, treats read silence as a dead connection and fans
// inbound messages out to subscribers. Accumulated downstream state is never
// touched by a reconnect.
type WSClient struct {
	cfg WSConfig
	log *logrus.Entry

	state      atomic.Int32
	reconnects atomic.Int64

	mu   sync.RWMutex
	conn *websocket.Conn

	subMu sync.RWMutex
	subs  []chan []byte

	outbox chan []byte

	cancel    context.CancelFunc
	loops     sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}

	// onReconnect runs after each successful redial.
	onReconnect func()
}

// NewWSClient creates a client. Call Connect to start it.
func NewWSClient(cfg WSConfig, logger *logrus.Logger) *WSClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ws := &WSClient{
		cfg:    cfg,
		log:    logger.WithField("component", "ws_client"),
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.state.Store(int32(ConnDown))
	return ws
}

// State returns the current connection state.
func (ws *WSClient) State() ConnState {
	return ConnState(ws.state.Load())
}

// Reconnects counts successful redials since Connect.
func (ws *WSClient) Reconnects() int64 {
	return ws.reconnects.Load()
}

// Subscribe returns a channel receiving every inbound message. Subscribe
// before Connect to see the first message. Slow subscribers lose messages.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	ws.subs = append(ws.subs, ch)
	ws.subMu.Unlock()
	return ch
}

// Send queues a message for the connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.WithField("bytes", len(data)).Warn("outbox full, dropping message")
	}
}

// Connect dials and starts the read and write loops. It returns once the
// first connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, ws.cancel = context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		ws.cancel()
		return err
	}
	ws.state.Store(int32(ConnUp))
	ws.log.WithField("url", ws.cfg.URL).Info("connected")

	ws.loops.Add(2)
	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)
	return nil
}

// Close stops the loops, closes the connection and then every subscriber
// channel. It is safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.mu.Lock()
		if ws.conn != nil {
			ws.conn.Close()
		}
		ws.mu.Unlock()

		ws.loops.Wait()

		ws.subMu.Lock()
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		ws.state.Store(int32(ConnDown))
		close(ws.done)
	})
}

// Done is closed once Close has finished.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  ws.cfg.ReadBufferSize,
		WriteBufferSize: ws.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, resp, err := dialer.DialContext(ctx, ws.cfg.URL, ws.cfg.Headers)
	if err != nil {
		if resp != nil {
			ws.log.WithField("status", resp.StatusCode).Debug("handshake rejected")
		}
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect redials with backoff until it succeeds or ctx ends.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.state.Store(int32(ConnDown))

	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.WithError(err).WithField("retry_in", delay).Warn("reconnect failed")
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.state.Store(int32(ConnUp))
		ws.reconnects.Add(1)
		ws.log.Info("reconnected")
		if ws.onReconnect != nil {
			ws.onReconnect()
		}
		return true
	}
}

// readLoop also acts as the heartbeat monitor through the read deadline.
func (ws *WSClient) readLoop(ctx context.Context) {
	defer ws.loops.Done()
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.WithError(err).Warn("read failed, reconnecting")
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		ws.fanOut(msg)
	}
}

func (ws *WSClient) writeLoop(ctx context.Context) {
	defer ws.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			ws.mu.RLock()
			c := ws.conn
			ws.mu.RUnlock()
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.WithError(err).Warn("write failed")
			}
		}
	}
}

func (ws *WSClient) fanOut(msg []byte) {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
		default:
			ws.log.Warn("subscriber full, dropping message")
		}
	}
}
