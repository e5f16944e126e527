package domain

import "time"

const (
	EventNameQuestionStarted    = "question.started"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
	EventNameSessionEnded       = "session.ended"
)

type EventQuestionStarted struct {
	SessionID  string
	QuestionID string
	Index      int
	Duration   time.Duration
	StartTime  time.Time
}

func (EventQuestionStarted) Name() string { return EventNameQuestionStarted }

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

type EventSessionEnded struct {
	Result SessionResult
}

func (EventSessionEnded) Name() string { return EventNameSessionEnded }
