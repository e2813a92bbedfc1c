// Package httpapi exposes the dispatch core over REST and websockets. It owns
// process wiring: the env-driven constructor assembles the registry, state
// machine, matching engine, broadcaster and their backing services.
package httpapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	logger   *slog.Logger
	coord    *dispatch.Coordinator
	registry *session.Registry
	caster   *broadcast.Broadcaster
	hub      *broadcast.WSHub
	kafka    *ingest.KafkaProducer
	mux      *mux.Router
}

// NewServer wires a server from already-constructed collaborators. Tests use
// this directly; production goes through NewServerFromEnv.
func NewServer(cfg config.ServerConfig, coord *dispatch.Coordinator, registry *session.Registry, caster *broadcast.Broadcaster, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		registry: registry,
		caster:   caster,
		hub:      broadcast.NewWSHub(caster, logging.Component(logger, "ws")),
		kafka:    kafka,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Warn("postgres unavailable, using in-memory projections", "error", err)
		} else {
			store = ps
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	registry := session.NewRegistry(index, cfg.LivenessWindow, logging.Component(logger, "session"))
	caster := broadcast.New(cfg.LocationInterval, cfg.EventBuffer)
	machine := ride.NewMachine()

	var client eta.Client
	if cfg.OSRMEndpoint != "" {
		client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := &eta.Estimator{Client: client, Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.DefaultSpeedMps}

	matchCfg := match.Config{
		OfferDeadline:   cfg.OfferDeadline,
		FanOut:          cfg.MatchFanOut,
		CandidateLimit:  cfg.CandidateLimit,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}
	dispCfg := dispatch.Config{
		SearchRadiusM: cfg.SearchRadiusM,
		MaxRadiusM:    cfg.MaxRadiusM,
		RadiusGrowth:  cfg.RadiusGrowth,
		MaxAttempts:   cfg.MatchRetryMax,
	}
	coord := dispatch.NewCoordinator(machine, registry, caster, store, estimator, matchCfg, dispCfg, logging.Component(logger, "dispatch"))
	if cfg.StripeAPIKey != "" {
		coord.SetPayments(payments.NewStripeCollaborator(cfg.StripeAPIKey, cfg.StripeCurrency))
	}
	if cfg.PushEndpoint != "" {
		coord.SetPushClient(broadcast.NewPushClient(cfg.PushEndpoint, cfg.PushKey))
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	return NewServer(cfg, coord, registry, caster, kp, logger), nil
}

// Start launches the background loops: session liveness sweep and the
// broadcaster's location flusher. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.registry.Run(ctx)
	go s.caster.Run(ctx)
}

func (s *Server) Config() config.ServerConfig { return s.cfg }

// Close releases process-lifetime resources.
func (s *Server) Close() error {
	if s.kafka != nil {
		return s.kafka.Close()
	}
	return nil
}
