// Package ws implements [sidechannel.Channel] as a WebSocket hub.
//
// Remote clients connect over HTTP and are upgraded; every text message a
// client sends is forwarded to the shared inbound stream, and every published
// payload is broadcast to all connected clients. Binary messages are ignored.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voximply/gridtalk/pkg/sidechannel"
)

var _ sidechannel.Channel = (*Hub)(nil)

const (
	inboundBuffer   = 64
	clientSendLimit = 32
	maxPayloadBytes = 64 << 10
)

// Option configures a [Hub].
type Option func(*Hub)

// WithInboundBuffer overrides the inbound channel capacity.
func WithInboundBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.inbound = make(chan []byte, n)
		}
	}
}

// client is one connected WebSocket peer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Hub is a WebSocket-backed side channel. It implements [sidechannel.Channel].
type Hub struct {
	inbound chan []byte

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	// readers tracks in-flight read loops; Close waits for them before
	// closing the inbound stream so no reader can send on a closed channel.
	readers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub with no connected clients. Attach clients by mounting
// [Hub.Handler] on an HTTP server.
func NewHub(opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		inbound: make(chan []byte, inboundBuffer),
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler returns the http.Handler that upgrades client connections.
// Mount it wherever the control server routes the side channel, e.g.
//
//	mux.Handle("GET /channel", hub.Handler())
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleConnect)
}

// Inbound implements [sidechannel.Channel].
func (h *Hub) Inbound() <-chan []byte {
	return h.inbound
}

// Publish implements [sidechannel.Channel]. The payload is fanned out to every
// connected client; a client with a full send queue is skipped so one slow
// reader cannot stall the session.
func (h *Hub) Publish(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("sidechannel/ws: hub is closed")
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Send queue full — drop for this client.
		}
	}
	return nil
}

// Close implements [sidechannel.Channel]. Disconnects all clients and closes
// the inbound stream. Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "channel closed")
	}
	h.readers.Wait()
	close(h.inbound)
	return nil
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleConnect upgrades the request and runs the client's read and write
// loops until either side disconnects.
func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // board clients connect from arbitrary origins
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxPayloadBytes)

	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendLimit),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "channel closed")
		return
	}
	h.clients[c] = struct{}{}
	h.readers.Add(1)
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
	h.readers.Done()

	h.removeClient(c)
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// readLoop forwards the client's text messages to the shared inbound stream
// until the socket closes.
func (h *Hub) readLoop(c *client) {
	for {
		typ, data, err := c.conn.Read(h.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		select {
		case h.inbound <- data:
		case <-h.ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// writeLoop delivers published payloads to this client as text messages.
func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case payload := <-c.send:
			if err := c.conn.Write(h.ctx, websocket.MessageText, payload); err != nil {
				return
			}
		case <-c.done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}
