package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tranvm/livequiz/internal/domain"
	"github.com/tranvm/livequiz/internal/errors"
	"github.com/tranvm/livequiz/internal/event"
	"github.com/tranvm/livequiz/internal/game"
	"github.com/tranvm/livequiz/internal/roster"
	"github.com/tranvm/livequiz/internal/telemetry"
)

// binding ties a promoted connection to its session and identity for the
// rest of its life.
type binding struct {
	sess      *game.Session
	identity  string
	presenter bool
}

type handlerFunc func(ctx context.Context, c *Conn, payload json.RawMessage) error

type RouterConfig struct {
	Registry *game.Registry
	Bus      *event.Bus
	Gate     roster.Gate
	Metrics  *telemetry.Metrics
}

// Router decodes inbound frames, checks authorization per message kind and
// dispatches to the owning session. A malformed or unknown frame earns an
// error reply and mutates nothing. Outbound broadcasts fan out through the
// session's roster.
type Router struct {
	registry *game.Registry
	bus      *event.Bus
	gate     roster.Gate
	metrics  *telemetry.Metrics

	handlers map[string]handlerFunc

	mu       sync.Mutex
	bindings map[string]*binding
}

func NewRouter(c RouterConfig) *Router {
	r := &Router{
		registry: c.Registry,
		bus:      c.Bus,
		gate:     c.Gate,
		metrics:  c.Metrics,
		bindings: make(map[string]*binding),
	}

	if r.gate == nil {
		r.gate = roster.OpenGate{}
	}

	// The closed set of inbound message kinds. Anything else is an
	// InvalidMessage reply.
	r.handlers = map[string]handlerFunc{
		TypeJoin:         r.handleJoin,
		TypeStart:        r.handleStart,
		TypeAdvance:      r.handleAdvance,
		TypeSubmitAnswer: r.handleSubmitAnswer,
		TypeLeave:        r.handleLeave,
		TypeHeartbeatAck: r.handleHeartbeatAck,
	}

	if r.bus != nil {
		r.bus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
			return r.broadcastLeaderboard(ctx, e.(domain.EventLeaderboardUpdated))
		})
	}

	return r
}

// Handle processes one inbound frame from c. Frames from a single
// connection arrive here in order; frames for the same session from
// different connections serialize inside the session itself.
func (r *Router) Handle(c *Conn, raw []byte) {
	ctx := context.Background()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.Send(encodeError(errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("malformed frame"), errors.WithCause(err))))
		return
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		c.Send(encodeError(errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("unknown message type %q", env.Type))))
		return
	}

	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(env.Type).Inc()
	}

	if err := h(ctx, c, env.Payload); err != nil {
		c.Send(encodeError(err))
	}
}

func (r *Router) handleJoin(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var p JoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("malformed join payload"), errors.WithCause(err))
	}
	if p.JoinCode == "" || p.Identity == "" {
		return errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("join requires joinCode and identity"))
	}

	sess, err := r.registry.Resolve(p.JoinCode)
	if err != nil {
		return err
	}

	now := nowFunc()

	if p.Identity == sess.Presenter() {
		sess.AttachPresenter(c, now)
		r.bind(c, &binding{sess: sess, identity: p.Identity, presenter: true})
		c.promote()

		frame, err := Encode(TypeJoined, JoinedPayload{
			PlayerID:     p.Identity,
			Role:         RolePresenter,
			CurrentState: string(sess.State()),
			Score:        "0",
		})
		if err != nil {
			return errors.Internal(err)
		}
		c.Send(frame)

		slog.InfoContext(ctx, "router: presenter joined",
			"session_id", sess.ID(), "join_code", sess.JoinCode())
		return nil
	}

	if err := r.gate.Authorize(ctx, sess.ClassID(), p.Identity); err != nil {
		return err
	}

	displayName := p.DisplayName
	if displayName == "" {
		displayName = p.Identity
	}

	snap, reconnected, err := sess.Join(p.Identity, displayName, c, now)
	if err != nil {
		return err
	}

	r.bind(c, &binding{sess: sess, identity: p.Identity})
	c.promote()

	frame, err := Encode(TypeJoined, JoinedPayload{
		PlayerID:     snap.Identity,
		Role:         RolePlayer,
		CurrentState: string(sess.State()),
		Score:        snap.Score.String(),
		Reconnected:  reconnected,
	})
	if err != nil {
		return errors.Internal(err)
	}
	c.Send(frame)

	if !reconnected {
		announce, err := Encode(TypePlayerJoined, PlayerJoinedPayload{
			Identity:    snap.Identity,
			DisplayName: snap.DisplayName,
		})
		if err == nil {
			r.broadcast(sess, announce, func(s game.PlayerSnapshot) bool {
				return s.Identity != snap.Identity
			})
		}
	}

	slog.InfoContext(ctx, "router: player joined",
		"session_id", sess.ID(), "identity", snap.Identity, "reconnected", reconnected)

	return nil
}

func (r *Router) handleStart(ctx context.Context, c *Conn, _ json.RawMessage) error {
	sess, err := r.presenterSession(c)
	if err != nil {
		return err
	}

	ev, err := sess.Start(nowFunc())
	if err != nil {
		return err
	}

	frame, err := questionStartedFrame(ev)
	if err != nil {
		return errors.Internal(err)
	}
	r.broadcast(sess, frame, nil)

	if r.bus != nil {
		r.bus.Publish(ctx, ev)
	}

	slog.InfoContext(ctx, "router: session started",
		"session_id", sess.ID(), "players", sess.Roster().Size())

	return nil
}

func (r *Router) handleAdvance(ctx context.Context, c *Conn, _ json.RawMessage) error {
	sess, err := r.presenterSession(c)
	if err != nil {
		return err
	}

	next, result, err := sess.Advance(nowFunc())
	if err != nil {
		return err
	}

	if result == nil {
		frame, err := questionStartedFrame(next)
		if err != nil {
			return errors.Internal(err)
		}
		r.broadcast(sess, frame, nil)

		if r.bus != nil {
			r.bus.Publish(ctx, next)
		}
		return nil
	}

	frame, err := Encode(TypeGameOver, GameOverPayload{
		FinalStandings: standingsPayload(sess.Standings()),
	})
	if err != nil {
		return errors.Internal(err)
	}
	r.broadcast(sess, frame, nil)

	if r.bus != nil {
		r.bus.Publish(ctx, domain.EventSessionEnded{Result: *result})
	}

	slog.InfoContext(ctx, "router: session finished",
		"session_id", sess.ID(), "players", len(result.Players))

	return nil
}

func (r *Router) handleSubmitAnswer(ctx context.Context, c *Conn, payload json.RawMessage) error {
	b := r.bound(c)
	if b == nil {
		return errors.NewReason(errors.ReasonUnauthorized,
			errors.WithMessagef("connection has not joined a session"))
	}
	if b.presenter {
		return errors.NewReason(errors.ReasonUnauthorized,
			errors.WithMessagef("the presenter cannot submit answers"))
	}

	var p SubmitAnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("malformed submitAnswer payload"), errors.WithCause(err))
	}
	if p.QuestionID == "" {
		return errors.NewReason(errors.ReasonInvalidMessage,
			errors.WithMessagef("submitAnswer requires questionId"))
	}

	arrival := nowFunc()

	ans, total, err := b.sess.SubmitAnswer(b.identity, p.QuestionID, p.Choice, arrival)
	if err != nil {
		switch reason := errors.Reason(err); reason {
		case errors.ReasonAlreadyAnswered, errors.ReasonStaleQuestion:
			frame, encErr := Encode(TypeAnswerRejected, AnswerRejectedPayload{
				QuestionID: p.QuestionID,
				Reason:     reason,
			})
			if encErr != nil {
				return errors.Internal(encErr)
			}
			c.Send(frame)
			return nil
		default:
			return err
		}
	}

	frame, err := Encode(TypeAnswerAccepted, AnswerAcceptedPayload{
		QuestionID: ans.QuestionID,
		Points:     ans.Points.String(),
		TotalScore: total.String(),
	})
	if err != nil {
		return errors.Internal(err)
	}
	c.Send(frame)

	if r.bus != nil {
		r.bus.Publish(ctx, domain.EventScoreUpdated{Score: domain.Score{
			SessionID:  b.sess.ID(),
			Identity:   b.identity,
			TotalScore: total,
			UpdateTime: arrival,
		}})
	}

	return nil
}

func (r *Router) handleLeave(_ context.Context, c *Conn, _ json.RawMessage) error {
	r.Disconnected(c)
	c.Close()
	return nil
}

func (r *Router) handleHeartbeatAck(_ context.Context, c *Conn, _ json.RawMessage) error {
	c.heartbeatAck()
	return nil
}

// Disconnected detaches c from its session, marking the player unreachable
// so the identity can reconnect later. Idempotent.
func (r *Router) Disconnected(c *Conn) {
	r.mu.Lock()
	b := r.bindings[c.ID()]
	delete(r.bindings, c.ID())
	r.mu.Unlock()

	if b == nil {
		return
	}

	b.sess.Leave(c, nowFunc())
}

func (r *Router) broadcastLeaderboard(_ context.Context, e domain.EventLeaderboardUpdated) error {
	sess, err := r.registry.Get(e.Leaderboard.SessionID)
	if err != nil {
		// The session finished and was evicted before the throttled
		// leaderboard caught up; nothing to deliver.
		return nil
	}

	if sess.State() == domain.StateFinished {
		return nil
	}

	frame, err := Encode(TypeLeaderboard, LeaderboardPayload{
		Standings: standingsPayload(sess.Standings()),
	})
	if err != nil {
		return err
	}

	r.broadcast(sess, frame, nil)
	return nil
}

// broadcast fans frame out to every live player connection plus the
// presenter, honoring the optional filter.
func (r *Router) broadcast(sess *game.Session, frame []byte, filter func(game.PlayerSnapshot) bool) {
	dropped := sess.Roster().Broadcast(frame, filter)
	if dropped > 0 {
		if r.metrics != nil {
			r.metrics.DroppedBroadcasts.Add(float64(dropped))
		}
		slog.Warn("router: broadcast dropped for slow clients",
			"session_id", sess.ID(), "dropped", dropped)
	}

	if pc := sess.PresenterConn(); pc != nil {
		pc.Send(frame)
	}
}

func (r *Router) bind(c *Conn, b *binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[c.ID()] = b
}

func (r *Router) bound(c *Conn) *binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[c.ID()]
}

// presenterSession resolves c's session and checks that c is its recorded
// presenter connection.
func (r *Router) presenterSession(c *Conn) (*game.Session, error) {
	b := r.bound(c)
	if b == nil {
		return nil, errors.NewReason(errors.ReasonUnauthorized,
			errors.WithMessagef("connection has not joined a session"))
	}
	if !b.presenter || !b.sess.IsPresenterConn(c) {
		return nil, errors.NewReason(errors.ReasonUnauthorized,
			errors.WithMessagef("only the presenter may control the session"))
	}

	return b.sess, nil
}
