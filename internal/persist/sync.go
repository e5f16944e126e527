package persist

import (
	"context"
	"log/slog"
	"time"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/event"
	"github.com/tranvm/livequiz/internal/telemetry"
)

const (
	defaultMaxAttempts    = 8
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultQueueSize      = 256
)

type SyncConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type job struct {
	result  domain.SessionResult
	attempt int
}

// Sync drains finished sessions into durable storage as a best-effort side
// channel. It listens for session.ended on the bus, writes through the
// store, and on failure requeues the job with exponential backoff instead
// of discarding it. Exhausted retries escalate to the operational log
// only: the in-memory result stays queryable until eviction, so nothing is
// lost to a client, durability is merely late.
type Sync struct {
	c       SyncConfig
	store   Store
	metrics *telemetry.Metrics

	// onPersisted tells the owning registry a session's durable copy
	// exists, making it eligible for eviction.
	onPersisted func(sessionID string)

	queue chan job
}

func NewSync(c SyncConfig, store Store, bus *event.Bus, metrics *telemetry.Metrics, onPersisted func(sessionID string)) *Sync {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}

	s := &Sync{
		c:           c,
		store:       store,
		metrics:     metrics,
		onPersisted: onPersisted,
		queue:       make(chan job, defaultQueueSize),
	}

	bus.Subscribe(domain.EventNameSessionEnded, func(ctx context.Context, e event.Event) error {
		s.Enqueue(e.(domain.EventSessionEnded).Result)
		return nil
	})

	return s
}

// Enqueue schedules a result for durable persistence. It never blocks the
// caller; an overflowing queue is escalated like an exhausted retry.
func (s *Sync) Enqueue(result domain.SessionResult) {
	select {
	case s.queue <- job{result: result}:
	default:
		slog.Error("persist: queue full, result not scheduled",
			"session_id", result.SessionID, "players", len(result.Players))
		if s.metrics != nil {
			s.metrics.PersistenceFailed.Inc()
		}
	}
}

// Run consumes the queue until ctx is cancelled.
func (s *Sync) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.process(ctx, j)
		}
	}
}

func (s *Sync) process(ctx context.Context, j job) {
	err := s.store.SaveResult(ctx, j.result)
	if err == nil {
		if s.onPersisted != nil {
			s.onPersisted(j.result.SessionID)
		}
		slog.InfoContext(ctx, "persist: session result stored",
			"session_id", j.result.SessionID,
			"players", len(j.result.Players),
			"attempt", j.attempt+1,
		)
		return
	}

	j.attempt++

	if j.attempt >= s.c.MaxAttempts {
		// Never surfaced to clients: the gameplay result still lives in
		// memory, only durability is lost.
		slog.ErrorContext(ctx, "persist: giving up on session result",
			"session_id", j.result.SessionID,
			"attempts", j.attempt,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.PersistenceFailed.Inc()
		}
		return
	}

	backoff := s.backoff(j.attempt)
	slog.WarnContext(ctx, "persist: save failed, will retry",
		"session_id", j.result.SessionID,
		"attempt", j.attempt,
		"backoff", backoff,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.PersistenceRetries.Inc()
	}

	time.AfterFunc(backoff, func() {
		select {
		case s.queue <- j:
		default:
			slog.Error("persist: queue full, dropping retry",
				"session_id", j.result.SessionID)
			if s.metrics != nil {
				s.metrics.PersistenceFailed.Inc()
			}
		}
	})
}

func (s *Sync) backoff(attempt int) time.Duration {
	d := s.c.InitialBackoff << (attempt - 1)
	if d > s.c.MaxBackoff || d <= 0 {
		return s.c.MaxBackoff
	}
	return d
}
