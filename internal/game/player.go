package game

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
)

// Conn is the transport handle a participant speaks through. The game
// packages never touch the socket directly; the websocket layer implements
// this interface.
type Conn interface {
	ID() string
	// Send queues an encoded message for delivery. It reports false when
	// the connection's buffer is full and the message was dropped.
	Send(msg []byte) bool
	Close()
}

// Player is a joined participant. Identity and score survive reconnects:
// a disconnect only swaps out the connection handle.
//
// All mutable fields are guarded by the roster's lock; callers outside this
// package observe players through snapshots only.
type Player struct {
	Identity    string
	DisplayName string

	conn     Conn
	alive    bool
	lastSeen time.Time

	score         decimal.Decimal
	answers       map[string]domain.Answer
	answerElapsed time.Duration
}

// PlayerSnapshot is a read-only view of a player at a point in time.
type PlayerSnapshot struct {
	Identity    string
	DisplayName string
	Connected   bool
	Score       decimal.Decimal
}

// Roster is the per-session table of participant identity to connection
// handle. It supports join, leave and reconnect-by-identity, and fans out
// encoded messages to live connections.
type Roster struct {
	mu      sync.Mutex
	players map[string]*Player
}

func NewRoster() *Roster {
	return &Roster{
		players: make(map[string]*Player),
	}
}

// Join registers a participant. If the identity already has a player the
// call is a reconnection: the stored connection handle is replaced and the
// existing player, score intact, is returned with reconnected=true.
func (r *Roster) Join(identity, displayName string, conn Conn, now time.Time) (snap PlayerSnapshot, reconnected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.players[identity]; ok {
		if p.conn != nil && p.conn != conn {
			p.conn.Close()
		}
		p.conn = conn
		p.alive = true
		p.lastSeen = now
		return snapshotLocked(p), true
	}

	p := &Player{
		Identity:    identity,
		DisplayName: displayName,
		conn:        conn,
		alive:       true,
		lastSeen:    now,
		score:       decimal.Zero,
		answers:     make(map[string]domain.Answer),
	}
	r.players[identity] = p

	return snapshotLocked(p), false
}

// Leave marks the player owning conn unreachable. The player itself stays
// in the roster so the same identity can reconnect later.
func (r *Roster) Leave(conn Conn, now time.Time) (identity string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.players {
		if p.conn != nil && p.conn.ID() == conn.ID() {
			p.alive = false
			p.conn = nil
			p.lastSeen = now
			return p.Identity, true
		}
	}

	return "", false
}

// Broadcast delivers msg to every live connection, optionally filtered.
// It returns the number of connections whose buffer was full.
func (r *Roster) Broadcast(msg []byte, filter func(PlayerSnapshot) bool) (dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.players {
		if !p.alive || p.conn == nil {
			continue
		}
		if filter != nil && !filter(snapshotLocked(p)) {
			continue
		}
		if !p.conn.Send(msg) {
			dropped++
		}
	}

	return dropped
}

// ConnectedCount reports how many players currently hold a live connection.
func (r *Roster) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.players {
		if p.alive {
			n++
		}
	}

	return n
}

// Size reports how many players have ever joined, connected or not.
func (r *Roster) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.players)
}

// Snapshot returns a read-only view of every player.
func (r *Roster) Snapshot() []PlayerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PlayerSnapshot, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, snapshotLocked(p))
	}

	return out
}

func snapshotLocked(p *Player) PlayerSnapshot {
	return PlayerSnapshot{
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Connected:   p.alive,
		Score:       p.score,
	}
}

// recordAnswer stores an answer for identity and folds its points into the
// cumulative score. A second answer for the same question is rejected
// without touching the stored one. elapsed accumulates for the
// leaderboard tie-break: between equal scores, the faster answerer ranks
// higher.
func (r *Roster) recordAnswer(identity string, ans domain.Answer, elapsed time.Duration) (total decimal.Decimal, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[identity]
	if !ok {
		return decimal.Zero, errors.NewReason(errors.ReasonUnauthorized,
			errors.WithMessagef("identity %q has not joined this session", identity))
	}

	if _, ok := p.answers[ans.QuestionID]; ok {
		return decimal.Zero, errors.NewReason(errors.ReasonAlreadyAnswered,
			errors.WithMessagef("answer already submitted: identity=%s question=%s", identity, ans.QuestionID))
	}

	p.answers[ans.QuestionID] = ans
	p.score = p.score.Add(ans.Points)
	if elapsed > 0 {
		p.answerElapsed += elapsed
	}
	p.lastSeen = ans.SubmitTime

	return p.score, nil
}

// results drains the roster into the durable result shape, ordered like the
// final standings.
func (r *Roster) results() []domain.PlayerResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.PlayerResult, 0, len(r.players))
	for _, p := range r.players {
		answers := make([]domain.Answer, 0, len(p.answers))
		for _, a := range p.answers {
			answers = append(answers, a)
		}
		sort.Slice(answers, func(i, j int) bool { return answers[i].SubmitTime.Before(answers[j].SubmitTime) })

		out = append(out, domain.PlayerResult{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			Score:       p.score,
			Answers:     answers,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := r.players[out[i].Identity], r.players[out[j].Identity]
		if !a.score.Equal(b.score) {
			return a.score.GreaterThan(b.score)
		}
		if a.answerElapsed != b.answerElapsed {
			return a.answerElapsed < b.answerElapsed
		}
		return a.Identity < b.Identity
	})

	return out
}

// standings ranks every player by score descending, breaking ties by the
// smallest cumulative time spent answering, then by identity for stability.
func (r *Roster) standings() []domain.Standing {
	r.mu.Lock()
	defer r.mu.Unlock()

	players := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}

	sort.Slice(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if !a.score.Equal(b.score) {
			return a.score.GreaterThan(b.score)
		}
		if a.answerElapsed != b.answerElapsed {
			return a.answerElapsed < b.answerElapsed
		}
		return a.Identity < b.Identity
	})

	out := make([]domain.Standing, 0, len(players))
	for i, p := range players {
		out = append(out, domain.Standing{
			Rank:        i + 1,
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			Score:       p.score,
		})
	}

	return out
}
