package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/beamlab/gpuhub/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 90 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for clients and workers
	},
}

// Conn wraps a WebSocket with serialized writes. A successful Send means
// the frame reached the socket write, so callers can treat a Send error as
// a dead peer and evict.
type Conn struct {
	// ID is the client or worker identity. For workers on the generic
	// endpoint it is set by the read loop on the first identifying frame,
	// before the connection is registered anywhere.
	ID string

	ws  *websocket.Conn
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newConn(id string, ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ID:   id,
		ws:   ws,
		log:  log,
		done: make(chan struct{}),
	}
}

// Send encodes and writes one frame. Any write error closes the socket.
func (c *Conn) Send(msgType string, msg any) error {
	raw, err := protocol.Encode(msgType, msg)
	if err != nil {
		return err
	}
	return c.sendRaw(raw)
}

func (c *Conn) sendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closeLocked()
		return err
	}
	return nil
}

// CloseNormal sends a normal-closure frame with the given reason and
// closes the socket. Used for reconnect replacement and shutdown.
func (c *Conn) CloseNormal(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.closeLocked()
}

// Close tears the socket down without a closure handshake.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.ws.Close()
}

// pingLoop keeps the connection alive until the socket closes.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				c.closeLocked()
			}
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readFrames runs the read pump, calling handle for every text frame.
// Returns when the peer disconnects or the socket errors.
func (c *Conn) readFrames(handle func(data []byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		handle(message)
	}
}
