package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/api/schemas"
	"github.com/netgroup-polito/frog4-service-layer/internal/config"
	"github.com/netgroup-polito/frog4-service-layer/internal/discovery"
	"github.com/netgroup-polito/frog4-service-layer/internal/nffg"
	"github.com/netgroup-polito/frog4-service-layer/internal/observability"
	"github.com/netgroup-polito/frog4-service-layer/internal/orchestrator"
	"github.com/netgroup-polito/frog4-service-layer/internal/server"
	"github.com/netgroup-polito/frog4-service-layer/internal/session"
	"github.com/netgroup-polito/frog4-service-layer/internal/store"
	"github.com/netgroup-polito/frog4-service-layer/internal/templates"
)

// Components holds the initialized services of the daemon. The struct
// centralizes lifecycle management so serve can shut everything down in
// order.
type Components struct {
	DBPool     *pgxpool.Pool
	Store      schemas.Store
	Controller *session.Controller
	Subscriber *discovery.Subscriber
	Server     *server.Server
}

// Shutdown releases resources in reverse dependency order. The HTTP server
// is drained by the serve command before this runs.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()

	if c.Subscriber != nil {
		c.Subscriber.Stop()
		logger.Debug("Domain feed subscriber stopped.")
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	logger.Info("All components shut down.")
}

// buildComponents wires the daemon: database pool, migrations, store,
// orchestrator client, graph templates, session controller, discovery
// subscriber and the REST server.
func buildComponents(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := observability.GetLogger()
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.",
				zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	dbPool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create database connection pool: %w", err)
		return nil, initializationErr
	}
	components.DBPool = dbPool

	if err := store.RunMigrations(ctx, dbPool); err != nil {
		initializationErr = fmt.Errorf("failed to run database migrations: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Database migrations applied.")

	dbStore, err := store.New(ctx, dbPool, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize database store: %w", err)
		return nil, initializationErr
	}
	components.Store = dbStore
	logger.Debug("Store initialized.")

	orch, err := orchestrator.New(cfg.Orchestrator, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator client: %w", err)
		return nil, initializationErr
	}

	graphSource, err := templates.New(cfg.Graphs, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open graph templates: %w", err)
		return nil, initializationErr
	}

	components.Controller = session.New(dbStore, orch, graphSource,
		nffg.UUIDGenerator{}, cfg, logger)
	logger.Debug("Session controller initialized.")

	if cfg.Discovery.Enabled {
		components.Subscriber = discovery.NewSubscriber(cfg.Discovery, dbStore, logger)
		if cfg.ISP.Enabled {
			// A usable domain means the ISP graph has somewhere to run.
			ctrl := components.Controller
			components.Subscriber.OnDomain = func(ctx context.Context, _ *schemas.DomainInfo) {
				if err := ctrl.EnsureISPGraph(ctx); err != nil {
					logger.Error("Failed to deploy ISP graph on domain discovery", zap.Error(err))
				}
			}
		}
		logger.Debug("Domain feed subscriber created.")
	}

	router := server.NewRouter(components.Controller, server.HeaderAuthenticator{}, logger)
	components.Server = server.NewServer(cfg.Service.Listen, router, logger)

	logger.Info("All components initialized.")
	return components, nil
}
