package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Conn wraps one websocket connection. It exists before any join (during
// the handshake grace period) and can outlive its player's liveness; the
// game layer only ever sees it through the game.Conn interface.
type Conn struct {
	id         string
	sock       *websocket.Conn
	remoteHost string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	joined     bool
	missedAcks int
}

func newConn(sock *websocket.Conn, remoteHost string) *Conn {
	return &Conn{
		id:         uuid.New().String(),
		sock:       sock,
		remoteHost: remoteHost,
		send:       make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteHost() string { return c.remoteHost }

// Send queues an encoded frame, reporting false if the buffer is full or
// the connection is closed. A slow client loses broadcasts rather than
// stalling the session.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close signals shutdown. The write pump drains pending frames, sends a
// close frame and tears down the socket, which in turn unblocks the read
// pump.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// promote marks the handshake as completed; the gateway's grace timer
// checks this.
func (c *Conn) promote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = true
}

func (c *Conn) promoted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// probeSent counts an outstanding heartbeat probe and returns how many are
// unanswered.
func (c *Conn) probeSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedAcks++
	return c.missedAcks
}

// heartbeatAck clears the outstanding-probe counter.
func (c *Conn) heartbeatAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedAcks = 0
}

// readPump delivers inbound frames to handle, one at a time, preserving
// per-connection arrival order. It returns when the socket dies.
func (c *Conn) readPump(handle func(*Conn, []byte)) {
	defer c.Close()

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("ws: read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
		handle(c, msg)
	}
}

// writePump drains the send buffer onto the socket and keeps the
// transport-level ping/pong alive.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.sock.Close()
	}()

	for {
		select {
		case <-c.done:
			// Frames queued before the close, such as a final error
			// reply, still go out.
			for {
				select {
				case msg := <-c.send:
					_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.sock.WriteMessage(websocket.CloseMessage, nil)
					return
				}
			}

		case msg := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
