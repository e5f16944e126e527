package roster

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tranvm/livequiz/internal/errors"
)

// Gate decides whether an identity may join a session's class. The engine
// treats it as a yes/no collaborator consulted once during the join
// handshake; the join path is allowed to await it.
type Gate interface {
	Authorize(ctx context.Context, classID, identity string) error
}

// OpenGate admits everyone. It backs open-enrollment sessions and is the
// default in tests.
type OpenGate struct{}

func (OpenGate) Authorize(context.Context, string, string) error { return nil }

// PGGate checks class membership against the roster table.
type PGGate struct {
	db *pgxpool.Pool
}

func NewPGGate(db *pgxpool.Pool) *PGGate {
	return &PGGate{db: db}
}

func (g *PGGate) Authorize(ctx context.Context, classID, identity string) error {
	// Sessions created without a class are open to anyone with the code.
	if classID == "" {
		return nil
	}

	const stmt = `SELECT EXISTS (SELECT 1 FROM roster_members WHERE class_id = $1 AND identity = $2);`

	var member bool
	if err := g.db.QueryRow(ctx, stmt, classID, identity).Scan(&member); err != nil {
		return fmt.Errorf("roster: membership lookup: %w", err)
	}

	if !member {
		return errors.NewReason(errors.ReasonUnauthorized,
			errors.WithMessagef("%s is not enrolled in class %s", identity, classID))
	}

	return nil
}
