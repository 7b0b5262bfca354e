package main

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tilerack/tilerack/go/internal/events"
	"github.com/tilerack/tilerack/go/internal/gateway"
	"github.com/tilerack/tilerack/go/internal/orchestrator"
	"github.com/tilerack/tilerack/go/internal/rules"
	"github.com/tilerack/tilerack/go/internal/store"
)

type Services struct {
	Store        store.Store
	Publisher    *events.AuditPublisher
	Manager      *gateway.ConnectionManager
	Handler      *gateway.WebSocketHandler
	Orchestrator *orchestrator.Orchestrator

	pg *store.PostgresStore
}

// setupServices wires the dependency chain:
// store → retry wrapper → orchestrator → connection manager.
func setupServices(cfg *Config) (*Services, error) {
	services := &Services{}

	// Storage
	switch backend := getEnv("STORE_BACKEND", "postgres"); backend {
	case "memory":
		log.Warn().Msg("using in-memory store, sessions will not survive a restart")
		services.Store = store.NewRetryStore(store.NewMemoryStore(), store.DefaultRetryConfig())
	case "postgres":
		pg, err := store.NewPostgresStore(store.NewPostgresConfigFromEnv())
		if err != nil {
			return nil, fmt.Errorf("setup postgres store: %w", err)
		}
		services.pg = pg
		services.Store = store.NewRetryStore(pg, store.DefaultRetryConfig())
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}

	// Audit relay, only when a NATS URL is configured
	var relay orchestrator.AuditRelay
	if natsURL := getEnv("NATS_URL", ""); natsURL != "" {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = natsURL
		publisher, err := events.NewAuditPublisher(jsCfg)
		if err != nil {
			return nil, fmt.Errorf("setup audit publisher: %w", err)
		}
		services.Publisher = publisher
		relay = publisher
	}

	// Transport
	services.Manager = gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	services.Handler = gateway.NewWebSocketHandler(services.Manager)

	// Continuity core
	services.Orchestrator = orchestrator.New(
		cfg.orchestratorConfig(),
		clockwork.NewRealClock(),
		services.Store,
		rules.SeatOrderEngine{},
		services.Manager,
		relay,
	)
	services.Manager.SetRouter(services.Orchestrator)

	return services, nil
}

// Close releases external connections.
func (s *Services) Close() {
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close audit publisher")
		}
	}
	if s.pg != nil {
		if err := s.pg.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}
}
