package game

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/score"
)

// Session is the state machine for one live game. All transitions go
// through its methods, serialized by a single mutex, so two racing
// advances can never double-increment the question index and an answer can
// never be recorded against a question that is being replaced mid-flight.
// Transitions never touch I/O; everything here is in-memory.
type Session struct {
	sessionID  string
	joinCode   string
	classID    string
	presenter  string
	questions  []domain.Question
	createTime time.Time

	engine *score.Engine
	roster *Roster

	mu            sync.Mutex
	state         domain.SessionState
	current       int
	questionStart time.Time
	presenterConn Conn
	finishTime    time.Time
	standings     []domain.Standing
	persisted     bool
	lastActivity  time.Time
}

func newSession(sessionID, joinCode, classID, presenter string, questions []domain.Question, engine *score.Engine, now time.Time) *Session {
	return &Session{
		sessionID:    sessionID,
		joinCode:     joinCode,
		classID:      classID,
		presenter:    presenter,
		questions:    questions,
		createTime:   now,
		engine:       engine,
		roster:       NewRoster(),
		state:        domain.StateLobby,
		current:      -1,
		lastActivity: now,
	}
}

func (s *Session) ID() string         { return s.sessionID }
func (s *Session) JoinCode() string   { return s.joinCode }
func (s *Session) ClassID() string    { return s.classID }
func (s *Session) Presenter() string  { return s.presenter }
func (s *Session) Roster() *Roster    { return s.roster }
func (s *Session) QuestionCount() int { return len(s.questions) }

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Join admits a participant, or reattaches a reconnecting one. Joining a
// finished session is rejected; reconnection is allowed any time before
// that.
func (s *Session) Join(identity, displayName string, conn Conn, now time.Time) (PlayerSnapshot, bool, error) {
	s.mu.Lock()
	if s.state == domain.StateFinished {
		s.mu.Unlock()
		return PlayerSnapshot{}, false, errors.NewReason(errors.ReasonSessionNotFound,
			errors.WithMessagef("session %s already finished", s.joinCode))
	}
	s.lastActivity = now
	s.mu.Unlock()

	snap, reconnected := s.roster.Join(identity, displayName, conn, now)

	return snap, reconnected, nil
}

// AttachPresenter records the presenter's connection handle; only this
// connection may issue start/advance.
func (s *Session) AttachPresenter(conn Conn, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presenterConn = conn
	s.lastActivity = now
}

// PresenterConn returns the presenter's live connection handle, or nil if
// the presenter is not connected.
func (s *Session) PresenterConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenterConn
}

// IsPresenterConn reports whether conn is the recorded presenter connection.
func (s *Session) IsPresenterConn(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenterConn != nil && conn != nil && s.presenterConn.ID() == conn.ID()
}

// Leave marks the player behind conn unreachable without removing it, so
// the identity can reconnect with score and answers intact. If conn is the
// presenter's, the presenter slot detaches the same way.
func (s *Session) Leave(conn Conn, now time.Time) (identity string, ok bool) {
	s.mu.Lock()
	if s.presenterConn != nil && conn != nil && s.presenterConn.ID() == conn.ID() {
		s.presenterConn = nil
	}
	s.lastActivity = now
	s.mu.Unlock()

	return s.roster.Leave(conn, now)
}

// Start moves the session from lobby to active and opens the first
// question. It requires at least one joined player.
func (s *Session) Start(now time.Time) (domain.EventQuestionStarted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateLobby {
		return domain.EventQuestionStarted{}, errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("cannot start from state %s", s.state))
	}
	if s.roster.Size() == 0 {
		return domain.EventQuestionStarted{}, errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("cannot start with zero players"))
	}
	if len(s.questions) == 0 {
		return domain.EventQuestionStarted{}, errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("session has no questions"))
	}

	s.state = domain.StateActive
	s.current = 0
	s.questionStart = now
	s.lastActivity = now

	return s.questionStartedLocked(), nil
}

// Advance closes the current question and opens the next. If the current
// question's timer has not elapsed it is force-closed early; answers for it
// become stale from this point. When no questions remain the session
// finishes: final standings are computed and the durable result returned
// for the persistence path.
func (s *Session) Advance(now time.Time) (next domain.EventQuestionStarted, result *domain.SessionResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateActive {
		return domain.EventQuestionStarted{}, nil, errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("cannot advance from state %s", s.state))
	}

	s.current++
	s.lastActivity = now

	if s.current < len(s.questions) {
		s.questionStart = now
		return s.questionStartedLocked(), nil, nil
	}

	s.state = domain.StateFinished
	s.finishTime = now
	s.standings = s.roster.standings()

	r := &domain.SessionResult{
		SessionID:  s.sessionID,
		JoinCode:   s.joinCode,
		Presenter:  s.presenter,
		FinishTime: now,
		Players:    s.roster.results(),
	}

	return domain.EventQuestionStarted{}, r, nil
}

func (s *Session) questionStartedLocked() domain.EventQuestionStarted {
	q := s.questions[s.current]
	return domain.EventQuestionStarted{
		SessionID:  s.sessionID,
		QuestionID: q.QuestionID,
		Index:      s.current,
		Duration:   q.Duration,
		StartTime:  s.questionStart,
	}
}

// SubmitAnswer scores and records one answer for the currently open
// question. The deadline is soft: an answer arriving after the duration but
// before the presenter advances is still accepted with zero time remaining,
// so network jitter never punishes a player. Answers for any question other
// than the current one are stale.
func (s *Session) SubmitAnswer(identity, questionID, choice string, arrival time.Time) (domain.Answer, decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateActive {
		return domain.Answer{}, decimal.Zero, errors.NewReason(errors.ReasonStaleQuestion,
			errors.WithMessagef("no question is open in state %s", s.state))
	}

	q := s.questions[s.current]
	if q.QuestionID != questionID {
		return domain.Answer{}, decimal.Zero, errors.NewReason(errors.ReasonStaleQuestion,
			errors.WithMessagef("question %s is no longer current", questionID))
	}

	elapsed := arrival.Sub(s.questionStart)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := q.Duration - elapsed
	if remaining < 0 {
		remaining = 0
	}

	correct := choice == q.CorrectOption
	ans := domain.Answer{
		QuestionID:    questionID,
		Choice:        choice,
		Correct:       correct,
		TimeRemaining: remaining,
		Points:        s.engine.Score(correct, remaining, q.Duration),
		SubmitTime:    arrival,
	}

	total, err := s.roster.recordAnswer(identity, ans, elapsed)
	if err != nil {
		return domain.Answer{}, decimal.Zero, err
	}

	s.lastActivity = arrival

	return ans, total, nil
}

// Standings returns the frozen final leaderboard once the session has
// finished, or the live ranking before that.
func (s *Session) Standings() []domain.Standing {
	s.mu.Lock()
	if s.state == domain.StateFinished {
		out := make([]domain.Standing, len(s.standings))
		copy(out, s.standings)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	return s.roster.standings()
}

// MarkPersisted records that the durable write for this session succeeded,
// making it eligible for eviction.
func (s *Session) MarkPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = true
}

// Describe returns the immutable description of the session.
func (s *Session) Describe() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.Session{
		SessionID:  s.sessionID,
		JoinCode:   s.joinCode,
		ClassID:    s.classID,
		Presenter:  s.presenter,
		Questions:  s.questions,
		State:      s.state,
		CreateTime: s.createTime,
	}
}

// CurrentQuestion reports the open question while the session is active.
func (s *Session) CurrentQuestion() (domain.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != domain.StateActive {
		return domain.Question{}, false
	}

	return s.questions[s.current], true
}

// evictable reports whether the registry sweep may remove this session.
func (s *Session) evictable(now time.Time, idleTimeout, finishedRetention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.StateFinished:
		if s.persisted && now.Sub(s.finishTime) >= finishedRetention {
			return true
		}
		// Even without a durable copy the retention window is bounded;
		// the failure has long since been escalated to the log.
		return now.Sub(s.finishTime) >= 2*finishedRetention
	default:
		if s.roster.ConnectedCount() > 0 || s.presenterConn != nil {
			return false
		}
		return now.Sub(s.lastActivity) >= idleTimeout
	}
}
