package persist_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/event"
	"github.com/tranvm/livequiz/internal/persist"
)

// flakyStore fails the first failures calls to SaveResult, then succeeds.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []domain.SessionResult
}

func (s *flakyStore) SaveResult(_ context.Context, result domain.SessionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return errors.NewReason(errors.ReasonPersistenceFailure,
			errors.WithMessagef("simulated outage"))
	}

	s.saved = append(s.saved, result)
	return nil
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *flakyStore) savedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func someResult(sessionID string) domain.SessionResult {
	return domain.SessionResult{
		SessionID:  sessionID,
		JoinCode:   "ABC234",
		Presenter:  "teacher",
		FinishTime: time.Now(),
	}
}

func TestSync_SaveFirstTry(t *testing.T) {
	t.Parallel()

	store := &flakyStore{}
	bus := event.NewBus()
	defer bus.Stop()

	var persisted []string
	var mu sync.Mutex
	s := persist.NewSync(persist.SyncConfig{}, store, bus, nil, func(sessionID string) {
		mu.Lock()
		defer mu.Unlock()
		persisted = append(persisted, sessionID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(someResult("sess-1"))

	require.Eventually(t, func() bool { return store.savedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"sess-1"}, persisted)
}

func TestSync_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: 3}
	bus := event.NewBus()
	defer bus.Stop()

	done := make(chan string, 1)
	s := persist.NewSync(persist.SyncConfig{
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, store, bus, nil, func(sessionID string) {
		done <- sessionID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(someResult("sess-2"))

	select {
	case id := <-done:
		require.Equal(t, "sess-2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("result never persisted")
	}

	require.Equal(t, 4, store.callCount(), "three failures then one success")
	require.Equal(t, 1, store.savedCount())
}

func TestSync_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := &flakyStore{failures: 100}
	bus := event.NewBus()
	defer bus.Stop()

	s := persist.NewSync(persist.SyncConfig{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, store, bus, nil, func(string) {
		t.Error("onPersisted must not fire when every attempt fails")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Enqueue(someResult("sess-3"))

	require.Eventually(t, func() bool { return store.callCount() == 3 },
		2*time.Second, 10*time.Millisecond)

	// No further attempts once the budget is spent.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 3, store.callCount())
	require.Zero(t, store.savedCount())
}

func TestSync_ConsumesSessionEndedEvents(t *testing.T) {
	t.Parallel()

	store := &flakyStore{}
	bus := event.NewBus()
	defer bus.Stop()

	s := persist.NewSync(persist.SyncConfig{}, store, bus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bus.Publish(context.Background(), domain.EventSessionEnded{Result: someResult("sess-4")})

	require.Eventually(t, func() bool { return store.savedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
}
