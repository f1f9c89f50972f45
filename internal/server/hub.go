package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caesar-terminal/orderflow/internal/engine"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBufferSize = 4
)

// SnapshotSource returns the most recent snapshot. pipeline.Runner
// satisfies it.
type SnapshotSource interface {
	Latest() *engine.Snapshot
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes a JSON frame for every published snapshot to connected render
// clients. A slow client only ever sees the newest frames; older queued
// frames are dropped in its favour.
type Hub struct {
	symbol   string
	feed     <-chan *engine.Snapshot
	source   SnapshotSource
	guard    *TokenGuard
	upgrader websocket.Upgrader
	log      *logrus.Entry

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	nowFunc func() time.Time
}

// NewHub creates a hub for symbol. feed is a Broadcaster subscription;
// source provides the warm-start frame for new clients.
func NewHub(symbol string, feed <-chan *engine.Snapshot, source SnapshotSource, guard *TokenGuard, corsOrigin string, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		symbol: strings.ToLower(symbol),
		feed:   feed,
		source: source,
		guard:  guard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     originChecker(corsOrigin),
		},
		log:     logger.WithField("component", "hub"),
		clients: make(map[*client]struct{}),
		nowFunc: time.Now,
	}
}

// originChecker allows any origin when allowed is empty or "*".
func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed == "" || allowed == "*" || origin == "" {
			return true
		}
		return strings.EqualFold(origin, allowed)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run forwards snapshots to clients until ctx ends or the feed closes, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-h.feed:
			if !ok {
				return
			}
			msg, err := NewFrame(h.symbol, snap, h.nowFunc()).Encode()
			if err != nil {
				h.log.WithError(err).Error("encode frame")
				continue
			}
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		offer(c.send, msg)
	}
}

// offer queues msg, evicting the oldest queued frame when the buffer is
// full. Callers must serialise offers to the same channel.
func offer(ch chan []byte, msg []byte) {
	select {
	case ch <- msg:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- msg:
	default:
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.WithFields(logrus.Fields{"client": c.id, "clients": len(h.clients)}).Info("client disconnected")
	}
}

// HandleWS serves GET /ws/orderflow/{symbol}. A missing or wrong token is
// rejected after the upgrade with close code 1008, the way the relay does.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.PathValue("symbol"), h.symbol) {
		writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("upgrade failed")
		return
	}

	ok, err := h.guard.Allow(r.URL.Query().Get("token"))
	if err != nil {
		h.log.WithError(err).Error("token check failed")
	}
	if !ok {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		h.log.WithField("remote", r.RemoteAddr).Warn("rejected client with invalid token")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	if warm, err := NewFrame(h.symbol, h.source.Latest(), h.nowFunc()).Encode(); err == nil {
		c.send <- warm
	} else {
		h.log.WithError(err).Error("encode warm-start frame")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"client": c.id, "remote": r.RemoteAddr, "clients": n}).Info("client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client messages and keeps the read deadline fresh on
// pongs. It unregisters the client when the connection drops.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("client", c.id).Debug("unexpected close")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
