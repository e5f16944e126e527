package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/game"
	"github.com/tranvm/livequiz/internal/leaderboard"
)

type Config struct {
	Engine      *gin.Engine
	Registry    *game.Registry
	Leaderboard *leaderboard.Service
}

// API is the request/response surface around the live engine: presenters
// create sessions here and hand the join code to the room; results stay
// pollable until the registry evicts the session. Gameplay itself never
// touches these routes.
type API struct {
	reg *game.Registry
	lb  *leaderboard.Service
}

func New(c Config) *API {
	a := &API{
		reg: c.Registry,
		lb:  c.Leaderboard,
	}

	c.Engine.POST("/v1/sessions", a.CreateSession)
	c.Engine.GET("/v1/sessions/:code", a.GetSession)
	c.Engine.GET("/v1/sessions/:code/players", a.GetPlayers)
	c.Engine.GET("/v1/sessions/:code/standings", a.GetStandings)
	c.Engine.GET("/v1/sessions/:code/leaderboard", a.GetLeaderboard)

	return a
}

type (
	CreateSessionRequest struct {
		Presenter string            `json:"presenter" binding:"required"`
		ClassID   string            `json:"classId"`
		Questions []QuestionRequest `json:"questions" binding:"required,dive"`
	}

	QuestionRequest struct {
		QuestionID    string `json:"questionId" binding:"required"`
		CorrectOption string `json:"correctOption" binding:"required"`
		DurationMs    int64  `json:"durationMs" binding:"required"`
	}

	CreateSessionResponse struct {
		SessionID string `json:"sessionId"`
		JoinCode  string `json:"joinCode"`
	}
)

func (a *API) CreateSession(ctx *gin.Context) {
	var req CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		abortWithError(ctx, errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("invalid create session request"), errors.WithCause(err)))
		return
	}

	questions := make([]domain.Question, 0, len(req.Questions))
	for _, q := range req.Questions {
		questions = append(questions, domain.Question{
			QuestionID:    q.QuestionID,
			CorrectOption: q.CorrectOption,
			Duration:      time.Duration(q.DurationMs) * time.Millisecond,
		})
	}

	sess, err := a.reg.Create(req.Presenter, req.ClassID, questions)
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, CreateSessionResponse{
		SessionID: sess.ID(),
		JoinCode:  sess.JoinCode(),
	})
}

type SessionResponse struct {
	SessionID     string `json:"sessionId"`
	JoinCode      string `json:"joinCode"`
	State         string `json:"state"`
	QuestionCount int    `json:"questionCount"`
	PlayerCount   int    `json:"playerCount"`
	// CurrentQuestionID is set only while a question is open.
	CurrentQuestionID string `json:"currentQuestionId,omitempty"`
}

func (a *API) GetSession(ctx *gin.Context) {
	sess, err := a.reg.Resolve(ctx.Param("code"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	d := sess.Describe()
	resp := SessionResponse{
		SessionID:     d.SessionID,
		JoinCode:      d.JoinCode,
		State:         string(d.State),
		QuestionCount: len(d.Questions),
		PlayerCount:   sess.Roster().Size(),
	}
	if q, ok := sess.CurrentQuestion(); ok {
		resp.CurrentQuestionID = q.QuestionID
	}

	ctx.JSON(http.StatusOK, resp)
}

type (
	PlayersResponse struct {
		SessionID string           `json:"sessionId"`
		Players   []PlayerResponse `json:"players"`
	}

	PlayerResponse struct {
		Identity    string `json:"identity"`
		DisplayName string `json:"displayName"`
		Connected   bool   `json:"connected"`
		Score       string `json:"score"`
	}
)

// GetPlayers lists the roster, connected or not. Presenters poll this for
// the lobby view before the game starts.
func (a *API) GetPlayers(ctx *gin.Context) {
	sess, err := a.reg.Resolve(ctx.Param("code"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	snaps := sess.Roster().Snapshot()
	resp := PlayersResponse{
		SessionID: sess.ID(),
		Players:   make([]PlayerResponse, 0, len(snaps)),
	}
	for _, p := range snaps {
		resp.Players = append(resp.Players, PlayerResponse{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			Connected:   p.Connected,
			Score:       p.Score.String(),
		})
	}

	ctx.JSON(http.StatusOK, resp)
}

type (
	StandingsResponse struct {
		SessionID string             `json:"sessionId"`
		State     string             `json:"state"`
		Standings []StandingResponse `json:"standings"`
	}

	StandingResponse struct {
		Rank        int    `json:"rank"`
		Identity    string `json:"identity"`
		DisplayName string `json:"displayName"`
		Score       string `json:"score"`
	}
)

func (a *API) GetStandings(ctx *gin.Context) {
	sess, err := a.reg.Resolve(ctx.Param("code"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	standings := sess.Standings()
	resp := StandingsResponse{
		SessionID: sess.ID(),
		State:     string(sess.State()),
		Standings: make([]StandingResponse, 0, len(standings)),
	}
	for _, s := range standings {
		resp.Standings = append(resp.Standings, StandingResponse{
			Rank:        s.Rank,
			Identity:    s.Identity,
			DisplayName: s.DisplayName,
			Score:       s.Score.String(),
		})
	}

	ctx.JSON(http.StatusOK, resp)
}

type (
	LeaderboardResponse struct {
		SessionID string                     `json:"sessionId"`
		Entries   []LeaderboardEntryResponse `json:"entries"`
	}

	LeaderboardEntryResponse struct {
		Identity string  `json:"identity"`
		Score    float64 `json:"score"`
	}
)

// GetLeaderboard serves the Redis mirror of the live standings. It can lag
// the in-memory truth by the publish interval; use the standings route for
// the frozen final ranking.
func (a *API) GetLeaderboard(ctx *gin.Context) {
	sess, err := a.reg.Resolve(ctx.Param("code"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	l, err := a.lb.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{
		SessionID: sess.ID(),
	})
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	resp := LeaderboardResponse{
		SessionID: l.SessionID,
		Entries:   make([]LeaderboardEntryResponse, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, LeaderboardEntryResponse{
			Identity: e.Identity,
			Score:    e.Score,
		})
	}

	ctx.JSON(http.StatusOK, resp)
}

func abortWithError(ctx *gin.Context, err error) {
	e := errors.Convert(err)
	ctx.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Reason,
		"message": e.Message,
	})
}
