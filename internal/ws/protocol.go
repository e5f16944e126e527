package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
)

// Every frame on the wire is an Envelope: a type discriminator plus a
// type-specific payload. Unknown types are rejected without touching any
// session.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client to server message types.
const (
	TypeJoin         = "join"
	TypeStart        = "start"
	TypeAdvance      = "advance"
	TypeSubmitAnswer = "submitAnswer"
	TypeLeave        = "leave"
	TypeHeartbeatAck = "heartbeatAck"
)

// Server to client message types.
const (
	TypeJoined          = "joined"
	TypePlayerJoined    = "playerJoined"
	TypeQuestionStarted = "questionStarted"
	TypeAnswerAccepted  = "answerAccepted"
	TypeAnswerRejected  = "answerRejected"
	TypeLeaderboard     = "leaderboard"
	TypeGameOver        = "gameOver"
	TypeError           = "error"
	TypeHeartbeatProbe  = "heartbeatProbe"
)

// Participant roles reported in the joined reply.
const (
	RolePresenter = "presenter"
	RolePlayer    = "player"
)

type JoinPayload struct {
	JoinCode    string `json:"joinCode"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type SubmitAnswerPayload struct {
	QuestionID string `json:"questionId"`
	Choice     string `json:"choice"`
}

type JoinedPayload struct {
	PlayerID     string `json:"playerId"`
	Role         string `json:"role"`
	CurrentState string `json:"currentState"`
	Score        string `json:"score"`
	Reconnected  bool   `json:"reconnected,omitempty"`
}

type PlayerJoinedPayload struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type QuestionStartedPayload struct {
	QuestionID string `json:"questionId"`
	Index      int    `json:"index"`
	DurationMs int64  `json:"durationMs"`
	StartedAt  int64  `json:"startedAt"`
}

type AnswerAcceptedPayload struct {
	QuestionID string `json:"questionId"`
	Points     string `json:"points"`
	TotalScore string `json:"totalScore"`
}

type AnswerRejectedPayload struct {
	QuestionID string `json:"questionId"`
	Reason     string `json:"reason"`
}

type StandingPayload struct {
	Rank        int    `json:"rank"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Score       string `json:"score"`
}

type LeaderboardPayload struct {
	Standings []StandingPayload `json:"standings"`
}

type GameOverPayload struct {
	FinalStandings []StandingPayload `json:"finalStandings"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps payload in an envelope and marshals it for the wire.
func Encode(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("ws: marshal %s payload: %w", typ, err)
		}
		raw = b
	}

	b, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("ws: marshal %s envelope: %w", typ, err)
	}

	return b, nil
}

func encodeError(err error) []byte {
	e := errors.Convert(err)
	b, _ := Encode(TypeError, ErrorPayload{
		Code:    e.Reason,
		Message: e.Message,
	})
	return b
}

func questionStartedFrame(e domain.EventQuestionStarted) ([]byte, error) {
	return Encode(TypeQuestionStarted, QuestionStartedPayload{
		QuestionID: e.QuestionID,
		Index:      e.Index,
		DurationMs: e.Duration.Milliseconds(),
		StartedAt:  e.StartTime.UnixMilli(),
	})
}

func standingsPayload(standings []domain.Standing) []StandingPayload {
	out := make([]StandingPayload, 0, len(standings))
	for _, s := range standings {
		out = append(out, StandingPayload{
			Rank:        s.Rank,
			Identity:    s.Identity,
			DisplayName: s.DisplayName,
			Score:       s.Score.String(),
		})
	}
	return out
}

// nowFunc is a test seam for arrival timestamps.
var nowFunc = time.Now
