package persist

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tranvm/livequiz/internal/domain"
)

// Store accepts a finished session's full result payload and durably
// stores it. Gameplay never depends on its availability.
type Store interface {
	SaveResult(ctx context.Context, result domain.SessionResult) error
}

// PGStore writes session results to Postgres in one transaction: the
// session row, one row per player, one row per answer.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) SaveResult(ctx context.Context, result domain.SessionResult) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO session_results (session_id, join_code, presenter, finish_time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id) DO NOTHING;`
		insPlayerStmt = `
INSERT INTO session_players (session_id, identity, display_name, final_score)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, identity) DO UPDATE SET final_score = EXCLUDED.final_score;`
		insAnswerStmt = `
INSERT INTO session_answers (session_id, identity, question_id, choice, correct, time_remaining_ms, points, submit_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, identity, question_id) DO NOTHING;`
	)

	_, err = tx.Exec(ctx, insSessionStmt, result.SessionID, result.JoinCode, result.Presenter, result.FinishTime)
	if err != nil {
		return fmt.Errorf("insert session result: %w", err)
	}

	for _, p := range result.Players {
		_, err = tx.Exec(ctx, insPlayerStmt, result.SessionID, p.Identity, p.DisplayName, p.Score)
		if err != nil {
			return fmt.Errorf("insert player %s: %w", p.Identity, err)
		}

		for _, a := range p.Answers { // TODO: batch with pgx.Batch once result sizes warrant it
			_, err = tx.Exec(ctx, insAnswerStmt,
				result.SessionID, p.Identity, a.QuestionID, a.Choice, a.Correct,
				a.TimeRemaining.Milliseconds(), a.Points, a.SubmitTime)
			if err != nil {
				return fmt.Errorf("insert answer %s/%s: %w", p.Identity, a.QuestionID, err)
			}
		}
	}

	return tx.Commit(ctx)
}
