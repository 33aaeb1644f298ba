package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/herd-immunity/internal/logging"
	"github.com/signalsfoundry/herd-immunity/internal/sim"
)

const (
	sendBuffer   = 8
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = pongTimeout * 9 / 10
	readLimit    = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// FrameRecorder receives hub delivery metrics. *observability.EngineCollector
// satisfies it.
type FrameRecorder interface {
	SetWSClients(n int)
	IncDroppedFrames()
}

type noopFrames struct{}

func (noopFrames) SetWSClients(int)  {}
func (noopFrames) IncDroppedFrames() {}

// Hub fans snapshots out to WebSocket clients. Broadcast runs on the engine
// tick goroutine and never blocks: a client whose buffer is full misses the
// frame.
type Hub struct {
	log     logging.Logger
	metrics FrameRecorder

	mu      sync.Mutex
	latest  *sim.Snapshot
	clients map[*client]struct{}
	closed  bool
	dropped uint64
}

// NewHub returns a hub that greets new clients with latest until the first
// broadcast. metrics may be nil.
func NewHub(latest *sim.Snapshot, log logging.Logger, metrics FrameRecorder) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = noopFrames{}
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		latest:  latest,
		clients: make(map[*client]struct{}),
	}
}

// Broadcast records snap as the latest snapshot and queues it to every
// client.
func (h *Hub) Broadcast(snap *sim.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = snap
	if len(h.clients) == 0 {
		return
	}
	frame, err := json.Marshal(snap)
	if err != nil {
		h.log.Error(context.Background(), "failed to encode snapshot", logging.Err(err))
		return
	}
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.dropped++
			h.metrics.IncDroppedFrames()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many frames were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.latest != nil {
		if frame, err := json.Marshal(h.latest); err == nil {
			c.send <- frame
		}
	}
	h.clients[c] = struct{}{}
	h.metrics.SetWSClients(len(h.clients))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
		h.metrics.SetWSClients(len(h.clients))
	}
	h.mu.Unlock()
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.metrics.SetWSClients(0)
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// ServeWS upgrades the request and streams snapshots until the client goes
// away or the hub is closed.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.log.Debug(r.Context(), "websocket client connected", logging.String("remote", conn.RemoteAddr().String()))

	go h.readPump(c)
	h.writePump(c)
	h.log.Debug(r.Context(), "websocket client disconnected", logging.String("remote", conn.RemoteAddr().String()))
}

// readPump discards client messages and unregisters the client once the
// connection fails.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}
