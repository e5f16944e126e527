package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tranvm/livequiz/internal/api"
	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/event"
	"github.com/tranvm/livequiz/internal/game"
	"github.com/tranvm/livequiz/internal/leaderboard"
	"github.com/tranvm/livequiz/internal/score"
)

// nopConn satisfies the game connection handle for players joined
// directly, without a socket.
type nopConn struct{ id string }

func (c nopConn) ID() string     { return c.id }
func (nopConn) Send([]byte) bool { return true }
func (nopConn) Close()           {}

type fixture struct {
	engine   *gin.Engine
	registry *game.Registry
	lb       *leaderboard.Service
}

func makeFixture(t *testing.T) *fixture {
	t.Helper()

	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	registry := game.NewRegistry(game.RegistryConfig{
		Scoring: score.Config{MinPoints: 100, MaxPoints: 1000},
	})
	lb := leaderboard.NewService(leaderboard.Config{
		EventBus: bus,
		Redis:    redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}}),
		Prefix:   "test",
	})

	engine := gin.New()
	api.New(api.Config{
		Engine:      engine,
		Registry:    registry,
		Leaderboard: lb,
	})

	return &fixture{engine: engine, registry: registry, lb: lb}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAPI_CreateSession(t *testing.T) {
	t.Parallel()
	f := makeFixture(t)

	w := f.do(t, http.MethodPost, "/v1/sessions", api.CreateSessionRequest{
		Presenter: "teacher",
		Questions: []api.QuestionRequest{
			{QuestionID: "q1", CorrectOption: "a", DurationMs: 20000},
			{QuestionID: "q2", CorrectOption: "b", DurationMs: 30000},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.CreateSessionResponse](t, w)
	require.NotEmpty(t, resp.SessionID)
	require.Len(t, resp.JoinCode, 6)

	w = f.do(t, http.MethodGet, "/v1/sessions/"+resp.JoinCode, nil)
	require.Equal(t, http.StatusOK, w.Code)

	sess := decode[api.SessionResponse](t, w)
	require.Equal(t, resp.SessionID, sess.SessionID)
	require.Equal(t, string(domain.StateLobby), sess.State)
	require.Equal(t, 2, sess.QuestionCount)
	require.Zero(t, sess.PlayerCount)
}

func TestAPI_CreateSessionValidation(t *testing.T) {
	t.Parallel()
	f := makeFixture(t)

	tests := map[string]any{
		"missing presenter": api.CreateSessionRequest{
			Questions: []api.QuestionRequest{{QuestionID: "q1", CorrectOption: "a", DurationMs: 20000}},
		},
		"missing questions": api.CreateSessionRequest{
			Presenter: "teacher",
		},
		"question without duration": api.CreateSessionRequest{
			Presenter: "teacher",
			Questions: []api.QuestionRequest{{QuestionID: "q1", CorrectOption: "a"}},
		},
		"not json": "presenter=teacher",
	}

	for name, body := range tests {
		body := body
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/sessions", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAPI_GetSessionNotFound(t *testing.T) {
	t.Parallel()
	f := makeFixture(t)

	w := f.do(t, http.MethodGet, "/v1/sessions/ZZZZZZ", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "SessionNotFound", body.Code)
}

func TestAPI_GetPlayers(t *testing.T) {
	t.Parallel()
	f := makeFixture(t)

	sess, err := f.registry.Create("teacher", "", []domain.Question{
		{QuestionID: "q1", CorrectOption: "a", Duration: 20 * time.Second},
	})
	require.NoError(t, err)

	now := time.Now()
	_, _, err = sess.Join("alice", "Alice", nopConn{id: "c1"}, now)
	require.NoError(t, err)
	_, _, err = sess.Join("bob", "Bob", nopConn{id: "c2"}, now)
	require.NoError(t, err)
	_, ok := sess.Leave(nopConn{id: "c2"}, now)
	require.True(t, ok)

	w := f.do(t, http.MethodGet, "/v1/sessions/"+sess.JoinCode()+"/players", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.PlayersResponse](t, w)
	require.Len(t, resp.Players, 2)

	byIdentity := map[string]api.PlayerResponse{}
	for _, p := range resp.Players {
		byIdentity[p.Identity] = p
	}
	require.True(t, byIdentity["alice"].Connected)
	require.False(t, byIdentity["bob"].Connected, "a departed player is listed but not connected")
}

func TestAPI_GetStandings(t *testing.T) {
	t.Parallel()
	f := makeFixture(t)

	sess, err := f.registry.Create("teacher", "", []domain.Question{
		{QuestionID: "q1", CorrectOption: "a", Duration: 20 * time.Second},
	})
	require.NoError(t, err)

	now := time.Now()
	_, _, err = sess.Join("alice", "Alice", nopConn{id: "c1"}, now)
	require.NoError(t, err)
	_, err = sess.Start(now)
	require.NoError(t, err)
	_, _, err = sess.SubmitAnswer("alice", "q1", "a", now.Add(5*time.Second))
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/sessions/"+sess.JoinCode()+"/standings", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.StandingsResponse](t, w)
	require.Equal(t, sess.ID(), resp.SessionID)
	require.Equal(t, string(domain.StateActive), resp.State)
	require.Len(t, resp.Standings, 1)
	require.Equal(t, "alice", resp.Standings[0].Identity)
	require.Equal(t, 1, resp.Standings[0].Rank)

	// The session view reports the open question while active.
	w = f.do(t, http.MethodGet, "/v1/sessions/"+sess.JoinCode(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "q1", decode[api.SessionResponse](t, w).CurrentQuestionID)
}

func TestAPI_GetLeaderboard(t *testing.T) {
	t.Parallel()
	f := makeFixture(t)

	sess, err := f.registry.Create("teacher", "", []domain.Question{
		{QuestionID: "q1", CorrectOption: "a", Duration: 20 * time.Second},
	})
	require.NoError(t, err)

	err = f.lb.UpdateLeaderboard(context.Background(), domain.EventScoreUpdated{
		Score: domain.Score{
			SessionID:  sess.ID(),
			Identity:   "alice",
			TotalScore: decimal.NewFromInt(775),
			UpdateTime: time.Now(),
		},
	})
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/sessions/"+sess.JoinCode()+"/leaderboard", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.LeaderboardResponse](t, w)
	require.Equal(t, sess.ID(), resp.SessionID)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "alice", resp.Entries[0].Identity)
	require.Equal(t, float64(775), resp.Entries[0].Score)
}
