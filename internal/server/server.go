package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tranvm/livequiz/internal/api"
	"github.com/tranvm/livequiz/internal/event"
	"github.com/tranvm/livequiz/internal/game"
	"github.com/tranvm/livequiz/internal/leaderboard"
	"github.com/tranvm/livequiz/internal/persist"
	"github.com/tranvm/livequiz/internal/roster"
	"github.com/tranvm/livequiz/internal/score"
	"github.com/tranvm/livequiz/internal/telemetry"
	"github.com/tranvm/livequiz/internal/ws"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Results struct {
			Addr string
			User string
			Pass string
			Name string
		}

		Roster struct {
			// Open disables roster checks entirely; anyone with a join
			// code may play.
			Open bool
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Game struct {
		MaxConns               int
		MaxConnsPerHost        int
		HandshakeGrace         time.Duration
		HeartbeatInterval      time.Duration
		HeartbeatMissTolerance int
		IdleTimeout            time.Duration
		FinishedRetention      time.Duration
		MinPoints              int64
		MaxPoints              int64
	}

	Persist struct {
		MaxAttempts    int
		InitialBackoff time.Duration
		MaxBackoff     time.Duration
	}
}

type Server struct {
	c Config

	eb      *event.Bus
	metrics *telemetry.Metrics

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
		}

		postgres struct {
			results *pgxpool.Pool
			roster  *pgxpool.Pool
		}
	}

	service struct {
		registry    *game.Registry
		leaderboard *leaderboard.Service
		sync        *persist.Sync
		gate        roster.Gate
	}

	transport struct {
		router    *ws.Router
		gateway   *ws.Gateway
		heartbeat *ws.HeartbeatMonitor
	}

	http   *http.Server
	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initTransport()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Leaderboard.Addrs,
		Password: s.c.Redis.Leaderboard.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.leaderboard = r
	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.results, err = connect(s.c.Postgres.Results.Addr, s.c.Postgres.Results.User, s.c.Postgres.Results.Pass, s.c.Postgres.Results.Name)
	if err != nil {
		return fmt.Errorf("postgres: results: %w", err)
	}

	if !s.c.Postgres.Roster.Open {
		s.infra.postgres.roster, err = connect(s.c.Postgres.Roster.Addr, s.c.Postgres.Roster.User, s.c.Postgres.Roster.Pass, s.c.Postgres.Roster.Name)
		if err != nil {
			return fmt.Errorf("postgres: roster: %w", err)
		}
	}

	return nil
}

func (s *Server) initService() {
	s.service.registry = game.NewRegistry(game.RegistryConfig{
		Scoring: score.Config{
			MinPoints: s.c.Game.MinPoints,
			MaxPoints: s.c.Game.MaxPoints,
		},
		IdleTimeout:       s.c.Game.IdleTimeout,
		FinishedRetention: s.c.Game.FinishedRetention,
	})

	s.metrics = telemetry.NewMetrics(func() float64 {
		return float64(s.service.registry.Count())
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	if s.c.Postgres.Roster.Open {
		s.service.gate = roster.OpenGate{}
	} else {
		s.service.gate = roster.NewPGGate(s.infra.postgres.roster)
	}

	s.service.sync = persist.NewSync(persist.SyncConfig{
		MaxAttempts:    s.c.Persist.MaxAttempts,
		InitialBackoff: s.c.Persist.InitialBackoff,
		MaxBackoff:     s.c.Persist.MaxBackoff,
	},
		persist.NewPGStore(s.infra.postgres.results),
		s.eb,
		s.metrics,
		func(sessionID string) {
			sess, err := s.service.registry.Get(sessionID)
			if err != nil {
				return
			}
			sess.MarkPersisted()
		},
	)
}

func (s *Server) initTransport() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.transport.router = ws.NewRouter(ws.RouterConfig{
		Registry: s.service.registry,
		Bus:      s.eb,
		Gate:     s.service.gate,
		Metrics:  s.metrics,
	})

	s.transport.gateway = ws.NewGateway(ws.GatewayConfig{
		MaxConns:        s.c.Game.MaxConns,
		MaxConnsPerHost: s.c.Game.MaxConnsPerHost,
		HandshakeGrace:  s.c.Game.HandshakeGrace,
	}, s.transport.router, s.metrics)

	s.transport.heartbeat = ws.NewHeartbeatMonitor(ws.HeartbeatConfig{
		Interval:      s.c.Game.HeartbeatInterval,
		MissTolerance: s.c.Game.HeartbeatMissTolerance,
	}, s.transport.gateway)

	e.GET("/ws", s.transport.gateway.Handle)

	api.New(api.Config{
		Engine:      e,
		Registry:    s.service.registry,
		Leaderboard: s.service.leaderboard,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.service.registry.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		s.transport.heartbeat.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		s.service.sync.Run(ctx)
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
