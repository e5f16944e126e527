package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle state of a quiz session. Transitions are
// strictly forward: lobby -> active -> finished.
type SessionState string

const (
	StateLobby    SessionState = "lobby"
	StateActive   SessionState = "active"
	StateFinished SessionState = "finished"
)

// Question is a reference to externally-owned quiz content: the engine only
// needs the identifier, the correct option and how long the question runs.
type Question struct {
	QuestionID    string
	CorrectOption string
	Duration      time.Duration
}

// Session is the immutable description of a quiz session as seen outside
// the game package. Live state (current index, answers) is owned by the
// session's own mutation methods.
type Session struct {
	SessionID  string
	JoinCode   string
	ClassID    string
	Presenter  string
	Questions  []Question
	State      SessionState
	CreateTime time.Time
}

// Answer records one player's submission for one question. At most one
// Answer ever exists per (player, question) pair; its points are computed
// once and never mutated.
type Answer struct {
	QuestionID    string
	Choice        string
	Correct       bool
	TimeRemaining time.Duration
	Points        decimal.Decimal
	SubmitTime    time.Time
}

// Score represents a player's cumulative score within a session.
type Score struct {
	SessionID  string
	Identity   string
	TotalScore decimal.Decimal
	UpdateTime time.Time
}

// Standing is one row of a final leaderboard, ordered by score descending
// with earliest cumulative submission time breaking ties.
type Standing struct {
	Rank        int
	Identity    string
	DisplayName string
	Score       decimal.Decimal
}

// Leaderboard is the live standings mirror for a session, sorted by score
// in descending order.
type Leaderboard struct {
	SessionID string
	Entries   []LeaderboardEntry
}

type LeaderboardEntry struct {
	Identity string
	Score    float64
}

// SessionResult is the durable payload written after a session finishes:
// the full roster with per-question answers and final scores.
type SessionResult struct {
	SessionID  string
	JoinCode   string
	Presenter  string
	FinishTime time.Time
	Players    []PlayerResult
}

type PlayerResult struct {
	Identity    string
	DisplayName string
	Score       decimal.Decimal
	Answers     []Answer
}
