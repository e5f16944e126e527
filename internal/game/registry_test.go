package game_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/game"
	"github.com/tranvm/livequiz/internal/score"
)

func makeRegistry(opts ...func(*game.RegistryConfig)) *game.Registry {
	c := game.RegistryConfig{
		Scoring: score.Config{MinPoints: 100, MaxPoints: 1000},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return game.NewRegistry(c)
}

func TestRegistry_CreateResolve(t *testing.T) {
	t.Parallel()

	reg := makeRegistry()

	s, err := reg.Create("teacher", "class-1", threeQuestions())
	require.NoError(t, err)
	require.NotEmpty(t, s.ID())
	require.Len(t, s.JoinCode(), 6)
	require.Equal(t, 1, reg.Count())

	got, err := reg.Resolve(s.JoinCode())
	require.NoError(t, err)
	require.Same(t, s, got)

	got, err = reg.Get(s.ID())
	require.NoError(t, err)
	require.Same(t, s, got)

	_, err = reg.Resolve("ZZZZZZ")
	require.Error(t, err)
	require.Equal(t, errors.ReasonSessionNotFound, errors.Reason(err))
}

func TestRegistry_CreateRejectsEmptyQuestions(t *testing.T) {
	t.Parallel()

	reg := makeRegistry()

	_, err := reg.Create("teacher", "", nil)
	require.Error(t, err)
	require.Zero(t, reg.Count())
}

func TestRegistry_UniqueJoinCodes(t *testing.T) {
	t.Parallel()

	reg := makeRegistry()
	seen := map[string]bool{}

	for i := 0; i < 50; i++ {
		s, err := reg.Create("teacher", "", threeQuestions())
		require.NoError(t, err)
		require.False(t, seen[s.JoinCode()], "join code reused while its session is live")
		seen[s.JoinCode()] = true
	}
}

func TestRegistry_EvictFreesJoinCode(t *testing.T) {
	t.Parallel()

	reg := makeRegistry()

	s, err := reg.Create("teacher", "", threeQuestions())
	require.NoError(t, err)
	code := s.JoinCode()

	reg.Evict(s.ID())
	require.Zero(t, reg.Count())

	_, err = reg.Resolve(code)
	require.Error(t, err)
	require.Equal(t, errors.ReasonSessionNotFound, errors.Reason(err))
}

func TestRegistry_SweepIdleSessions(t *testing.T) {
	t.Parallel()

	reg := makeRegistry(func(c *game.RegistryConfig) {
		c.IdleTimeout = 10 * time.Minute
	})

	idle, err := reg.Create("teacher", "", threeQuestions())
	require.NoError(t, err)

	busy, err := reg.Create("teacher", "", threeQuestions())
	require.NoError(t, err)
	_, _, err = busy.Join("u1", "Alice", newFakeConn("c1"), time.Now())
	require.NoError(t, err)

	reg.Sweep(context.Background(), time.Now().Add(11*time.Minute))

	_, err = reg.Get(idle.ID())
	require.Error(t, err, "idle lobby with no connections should be swept")
	_, err = reg.Get(busy.ID())
	require.NoError(t, err, "session with a connected player must survive the sweep")
}

func TestRegistry_SweepFinishedRetention(t *testing.T) {
	t.Parallel()

	reg := makeRegistry(func(c *game.RegistryConfig) {
		c.FinishedRetention = 5 * time.Minute
	})

	finish := func(t *testing.T) *game.Session {
		t.Helper()
		s, err := reg.Create("teacher", "", []domain.Question{
			{QuestionID: "q1", CorrectOption: "a", Duration: 20 * time.Second},
		})
		require.NoError(t, err)
		now := time.Now()
		_, _, err = s.Join("u1", "Alice", newFakeConn("c1"), now)
		require.NoError(t, err)
		_, err = s.Start(now)
		require.NoError(t, err)
		_, result, err := s.Advance(now.Add(20 * time.Second))
		require.NoError(t, err)
		require.NotNil(t, result)
		return s
	}

	persisted := finish(t)
	persisted.MarkPersisted()
	unpersisted := finish(t)

	// Inside the retention window both finished sessions remain queryable.
	reg.Sweep(context.Background(), time.Now().Add(time.Minute))
	_, err := reg.Get(persisted.ID())
	require.NoError(t, err)
	_, err = reg.Get(unpersisted.ID())
	require.NoError(t, err)

	// Past the window only the durably saved session is removed.
	reg.Sweep(context.Background(), time.Now().Add(6*time.Minute))
	_, err = reg.Get(persisted.ID())
	require.Error(t, err)
	_, err = reg.Get(unpersisted.ID())
	require.NoError(t, err)

	// A session whose write never succeeded is still bounded in memory.
	reg.Sweep(context.Background(), time.Now().Add(11*time.Minute))
	_, err = reg.Get(unpersisted.ID())
	require.Error(t, err)
}
