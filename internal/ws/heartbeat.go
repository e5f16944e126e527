package ws

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultMissTolerance     = 3
)

type HeartbeatConfig struct {
	Interval time.Duration
	// MissTolerance is how many consecutive unanswered probes a
	// connection survives before being pruned.
	MissTolerance int
}

// HeartbeatMonitor periodically probes every open connection with a
// protocol-level heartbeat and prunes ones that stop answering, bounding
// the resources half-open connections can hold. Pruning goes through the
// gateway's release path so the player is marked unreachable, not removed.
type HeartbeatMonitor struct {
	c       HeartbeatConfig
	gateway *Gateway
}

func NewHeartbeatMonitor(c HeartbeatConfig, gateway *Gateway) *HeartbeatMonitor {
	if c.Interval <= 0 {
		c.Interval = defaultHeartbeatInterval
	}
	if c.MissTolerance <= 0 {
		c.MissTolerance = defaultMissTolerance
	}

	return &HeartbeatMonitor{c: c, gateway: gateway}
}

// Run probes until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.c.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep sends one probe round and prunes connections that have exceeded
// the miss tolerance.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) {
	probe := mustEncode(TypeHeartbeatProbe, nil)

	for _, c := range m.gateway.Conns() {
		missed := c.probeSent()
		if missed <= m.c.MissTolerance {
			c.Send(probe)
			continue
		}

		// No farewell frame: the peer already stopped answering, and the
		// error taxonomy has no reason for a dead transport. The close
		// frame from the connection teardown is the signal.
		slog.InfoContext(ctx, "heartbeat: pruning unresponsive connection",
			"conn_id", c.ID(), "missed", missed-1)
		m.gateway.release(c)
	}
}

func mustEncode(typ string, payload any) []byte {
	b, err := Encode(typ, payload)
	if err != nil {
		panic(err)
	}
	return b
}
