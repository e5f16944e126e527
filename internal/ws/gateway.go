package ws

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/telemetry"
)

const (
	defaultMaxConns        = 4096
	defaultMaxConnsPerHost = 16
	defaultHandshakeGrace  = 10 * time.Second
)

type GatewayConfig struct {
	// MaxConns caps concurrently open connections across all sessions.
	MaxConns int
	// MaxConnsPerHost caps connections from one originating address.
	MaxConnsPerHost int
	// HandshakeGrace bounds how long an admitted connection may sit
	// without a valid join before being closed.
	HandshakeGrace time.Duration
}

// Gateway accepts transport connections and performs admission control
// before any session context exists: connection caps, then a bounded
// handshake window in which a valid join must arrive. Admitted connections
// are handed to the router; everything else is refused with a final error
// frame and closed.
type Gateway struct {
	c       GatewayConfig
	router  *Router
	metrics *telemetry.Metrics

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*Conn
	perHost map[string]int
}

func NewGateway(c GatewayConfig, router *Router, metrics *telemetry.Metrics) *Gateway {
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if c.HandshakeGrace <= 0 {
		c.HandshakeGrace = defaultHandshakeGrace
	}

	g := &Gateway{
		c:       c,
		router:  router,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:   make(map[string]*Conn),
		perHost: make(map[string]int),
	}

	return g
}

// Handle is the gin handler for the websocket endpoint.
func (g *Gateway) Handle(ctx *gin.Context) {
	sock, err := g.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		slog.ErrorContext(ctx, "gateway: upgrade failed", "error", err)
		return
	}

	host := remoteHost(ctx.Request)
	c := newConn(sock, host)

	if rejection := g.admit(c); rejection != nil {
		// The rejection is the final frame on this connection.
		_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
		_ = sock.WriteMessage(websocket.TextMessage, encodeError(rejection))
		_ = sock.Close()
		return
	}

	go c.writePump()
	go func() {
		c.readPump(g.router.Handle)
		g.release(c)
	}()

	// Unjoined connections get exactly the handshake grace period.
	time.AfterFunc(g.c.HandshakeGrace, func() {
		if c.promoted() {
			return
		}
		c.Send(encodeError(errors.NewReason(errors.ReasonAdmissionRejected,
			errors.WithMessagef("no join received within %s", g.c.HandshakeGrace))))
		g.rejected("handshake_timeout")
		c.Close()
	})

	slog.DebugContext(ctx, "gateway: connection admitted", "conn_id", c.ID(), "remote", host)
}

// admit reserves admission slots for c, or explains why it cannot.
func (g *Gateway) admit(c *Conn) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.conns) >= g.c.MaxConns {
		g.rejected("global_cap")
		return errors.NewReason(errors.ReasonAdmissionRejected,
			errors.WithMessagef("server is at its connection limit"))
	}
	if g.perHost[c.RemoteHost()] >= g.c.MaxConnsPerHost {
		g.rejected("per_host_cap")
		return errors.NewReason(errors.ReasonAdmissionRejected,
			errors.WithMessagef("too many connections from %s", c.RemoteHost()))
	}

	g.conns[c.ID()] = c
	g.perHost[c.RemoteHost()]++
	if g.metrics != nil {
		g.metrics.OpenConnections.Inc()
	}

	return nil
}

// release frees c's admission slots and tells the router the connection is
// gone. Safe to call more than once.
func (g *Gateway) release(c *Conn) {
	g.mu.Lock()
	if _, ok := g.conns[c.ID()]; !ok {
		g.mu.Unlock()
		return
	}

	delete(g.conns, c.ID())
	if g.perHost[c.RemoteHost()] <= 1 {
		delete(g.perHost, c.RemoteHost())
	} else {
		g.perHost[c.RemoteHost()]--
	}
	if g.metrics != nil {
		g.metrics.OpenConnections.Dec()
	}
	g.mu.Unlock()

	c.Close()
	g.router.Disconnected(c)
}

// Conns snapshots every open connection for the heartbeat sweep.
func (g *Gateway) Conns() []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}

	return out
}

// OpenCount reports the number of currently admitted connections.
func (g *Gateway) OpenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) rejected(cause string) {
	if g.metrics != nil {
		g.metrics.AdmissionsRejected.WithLabelValues(cause).Inc()
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
