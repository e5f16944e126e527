package game

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/score"
)

// codeAlphabet omits 0/O/1/I so codes survive being read off a projector.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

const (
	defaultIdleTimeout       = 10 * time.Minute
	defaultFinishedRetention = 5 * time.Minute
	defaultSweepInterval     = 30 * time.Second
)

type RegistryConfig struct {
	Scoring score.Config

	// IdleTimeout evicts lobby/active sessions with no connected players.
	IdleTimeout time.Duration
	// FinishedRetention keeps finished sessions around for late result reads.
	FinishedRetention time.Duration
	SweepInterval     time.Duration
}

// Registry owns every live session: it maps join codes to sessions and is
// the only place sessions are created, looked up or evicted. A join code is
// unique among active sessions only; once a session is evicted its code can
// be handed out again.
type Registry struct {
	c      RegistryConfig
	engine *score.Engine

	mu     sync.Mutex
	byCode map[string]*Session
	byID   map[string]*Session
}

func NewRegistry(c RegistryConfig) *Registry {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.FinishedRetention <= 0 {
		c.FinishedRetention = defaultFinishedRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}

	return &Registry{
		c:      c,
		engine: score.NewEngine(c.Scoring),
		byCode: make(map[string]*Session),
		byID:   make(map[string]*Session),
	}
}

// Create makes a new session in the lobby state and returns it with its
// freshly generated join code. Code collisions regenerate.
func (r *Registry) Create(presenter, classID string, questions []domain.Question) (*Session, error) {
	if len(questions) == 0 {
		return nil, errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("a session needs at least one question"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var code string
	for {
		code, err = generateCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		if _, taken := r.byCode[code]; !taken {
			break
		}
	}

	s := newSession(id.String(), code, classID, presenter, questions, r.engine, time.Now())
	r.byCode[code] = s
	r.byID[s.ID()] = s

	return s, nil
}

// Resolve looks up an active session by its join code.
func (r *Registry) Resolve(joinCode string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byCode[joinCode]
	if !ok {
		return nil, errors.NewReason(errors.ReasonSessionNotFound,
			errors.WithMessagef("no session with code %s", joinCode))
	}

	return s, nil
}

// Get looks up a session by its ID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, errors.NewReason(errors.ReasonSessionNotFound,
			errors.WithMessagef("no session with ID %s", sessionID))
	}

	return s, nil
}

// Evict removes a session, freeing its join code for reuse.
func (r *Registry) Evict(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return
	}

	delete(r.byID, sessionID)
	delete(r.byCode, s.JoinCode())
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Run sweeps the registry until ctx is cancelled, evicting finished
// sessions past their retention window and abandoned sessions past the
// idle timeout.
func (r *Registry) Run(ctx context.Context) {
	t := time.NewTicker(r.c.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.Sweep(ctx, now)
		}
	}
}

// Sweep runs one eviction cycle.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	r.mu.Lock()
	candidates := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		candidates = append(candidates, s)
	}
	r.mu.Unlock()

	for _, s := range candidates {
		if !s.evictable(now, r.c.IdleTimeout, r.c.FinishedRetention) {
			continue
		}

		r.Evict(s.ID())
		slog.InfoContext(ctx, "registry: session evicted",
			"session_id", s.ID(),
			"join_code", s.JoinCode(),
			"state", s.State(),
		)
	}
}

func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))

	b := make([]byte, codeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}

	return string(b), nil
}
