// Package hub fans server-side events out to connected UI clients over
// WebSocket. Latency-critical types are written immediately; everything else
// is coalesced per type and flushed once per tick.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Matthew-IE/Hana-Project/internal/protocol"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize bounds inbound frames. Config updates and bounds are small.
	MaxMessageSize = 1 << 20

	// SendBuffer is the per-client outbound queue length.
	SendBuffer = 256

	// DefaultCoalesceInterval is one display frame.
	DefaultCoalesceInterval = 16 * time.Millisecond
)

// DefaultImmediate lists the types that are never coalesced. Each is an event
// rather than a state snapshot, so dropping an intermediate one loses data.
var DefaultImmediate = []string{
	protocol.TypeTTSAudio,
	protocol.TypeAIEvent,
	protocol.TypePTTStatus,
	protocol.TypeVoiceDevices,
	protocol.TypeTranscription,
	protocol.TypeError,
	protocol.TypeDebugCommand,
	protocol.TypePickFileResult,
	protocol.TypeTTSModels,
	protocol.TypeTTSStatus,
	protocol.TypeMemoryCleared,
}

// Combiner folds a newer coalesced message into the one already queued for
// the same type. Without one, the newer message replaces the older.
type Combiner func(prev, next protocol.Message) protocol.Message

// Hooks observe hub traffic. Any of them may be nil.
type Hooks struct {
	Broadcast func(typ string, immediate bool)
	Coalesced func(typ string)
	Clients   func(n int)
}

// Options configure a Hub.
type Options struct {
	CoalesceInterval time.Duration
	Immediate        []string
	Combiners        map[string]Combiner

	// Snapshot is sent to every client as its first message. It runs while
	// deliveries are held off and must not broadcast.
	Snapshot func() protocol.Message
	// OnMessage receives every well-formed inbound frame.
	OnMessage func(msg protocol.Message)

	Hooks Hooks
}

// Hub owns the client set and the coalescing queue.
type Hub struct {
	opts      Options
	immediate map[string]bool
	log       zerolog.Logger
	upgrader  websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*Client]struct{}
	closed    bool

	pendingMu sync.Mutex
	pending   map[string]protocol.Message
	order     []string

	wg sync.WaitGroup
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// New creates a hub. Call Run to start the flush loop.
func New(opts Options, log zerolog.Logger) *Hub {
	if opts.CoalesceInterval <= 0 {
		opts.CoalesceInterval = DefaultCoalesceInterval
	}
	if opts.Immediate == nil {
		opts.Immediate = DefaultImmediate
	}
	immediate := make(map[string]bool, len(opts.Immediate))
	for _, t := range opts.Immediate {
		immediate[t] = true
	}

	return &Hub{
		opts:      opts,
		immediate: immediate,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The avatar window and dashboard are served from other local
			// origins (dev servers, file://).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		pending: make(map[string]protocol.Message),
	}
}

// Run flushes coalesced messages every tick until ctx is done, then closes
// every client and waits for their pumps to exit.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.CoalesceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Flush()
		case <-ctx.Done():
			h.Flush()
			h.closeAll()
			h.wg.Wait()
			return nil
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// IsImmediate reports whether typ bypasses coalescing.
func (h *Hub) IsImmediate(typ string) bool {
	return h.immediate[typ]
}

// Broadcast delivers msg to every client. Immediate types are queued on each
// client right away, preserving emission order; other types wait for the
// next flush and only the latest per type survives.
func (h *Hub) Broadcast(msg protocol.Message) {
	if h.immediate[msg.Type] {
		if h.opts.Hooks.Broadcast != nil {
			h.opts.Hooks.Broadcast(msg.Type, true)
		}
		h.deliver(msg)
		return
	}

	h.pendingMu.Lock()
	prev, queued := h.pending[msg.Type]
	switch {
	case !queued:
		h.order = append(h.order, msg.Type)
		h.pending[msg.Type] = msg
	case h.opts.Combiners[msg.Type] != nil:
		h.pending[msg.Type] = h.opts.Combiners[msg.Type](prev, msg)
	default:
		h.pending[msg.Type] = msg
	}
	h.pendingMu.Unlock()

	if queued && h.opts.Hooks.Coalesced != nil {
		h.opts.Hooks.Coalesced(msg.Type)
	}
}

// Flush delivers and clears every coalesced message, in the order their
// types were first queued this tick.
func (h *Hub) Flush() {
	h.pendingMu.Lock()
	if len(h.order) == 0 {
		h.pendingMu.Unlock()
		return
	}
	batch := make([]protocol.Message, 0, len(h.order))
	for _, t := range h.order {
		batch = append(batch, h.pending[t])
	}
	h.pending = make(map[string]protocol.Message)
	h.order = h.order[:0]
	h.pendingMu.Unlock()

	for _, msg := range batch {
		if h.opts.Hooks.Broadcast != nil {
			h.opts.Hooks.Broadcast(msg.Type, false)
		}
		h.deliver(msg)
	}
}

func (h *Hub) deliver(msg protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.log.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode broadcast")
		return
	}

	var slow []*Client
	h.clientsMu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range slow {
		h.log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Client send buffer full, disconnecting")
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and registers the client. The client's first
// message is the current snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, SendBuffer)}

	// The snapshot is taken under the lock deliver reads under, so a flush
	// either lands before it (and is reflected in it) or reaches the client.
	h.clientsMu.Lock()
	if h.closed {
		h.clientsMu.Unlock()
		conn.Close()
		return
	}
	if h.opts.Snapshot != nil {
		if data, err := h.opts.Snapshot().Bytes(); err == nil {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.wg.Add(2)
	h.clientsMu.Unlock()

	h.log.Info().Str("remote", conn.RemoteAddr().String()).Int("clients", n).Msg("Client connected")
	if h.opts.Hooks.Clients != nil {
		h.opts.Hooks.Clients(n)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMu.Unlock()

	if !ok {
		return
	}
	h.log.Info().Int("clients", n).Msg("Client disconnected")
	if h.opts.Hooks.Clients != nil {
		h.opts.Hooks.Clients(n)
	}
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.clientsMu.Unlock()
	if h.opts.Hooks.Clients != nil {
		h.opts.Hooks.Clients(0)
	}
}
