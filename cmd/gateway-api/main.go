package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/octofleet/internal/agenthub"
	"github.com/openclaw/octofleet/internal/api"
	mw "github.com/openclaw/octofleet/internal/api/middleware"
	"github.com/openclaw/octofleet/internal/archive"
	"github.com/openclaw/octofleet/internal/broker"
	"github.com/openclaw/octofleet/internal/bus"
	"github.com/openclaw/octofleet/internal/config"
	"github.com/openclaw/octofleet/internal/core"
	"github.com/openclaw/octofleet/internal/db"
	"github.com/openclaw/octofleet/internal/logging"
	"github.com/openclaw/octofleet/internal/metrics"
	"github.com/openclaw/octofleet/internal/sweep"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "create-api-key" {
		createAPIKey(os.Args[2:])
		return
	}

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/gateway", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate("gateway-api"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	eventBus := bus.New(cfg.SubscriberQueueSize)
	eventBus.OnDrop(func(topic string) {
		metrics.BusEventsDroppedTotal.WithLabelValues(topic).Inc()
	})

	// The hub needs the services for inbound agent traffic, and the
	// deployment service needs the hub to dispatch. Break the cycle with a
	// late bind: construct the hub on a token check alone, then hand it to
	// the services as their dispatcher.
	auth := mw.NewAuthenticator(core.NewAPIKeyService(pool), cfg.JWTSecret)
	hub := agenthub.New(nil, func(ctx context.Context, token string) error {
		_, err := auth.VerifyToken(ctx, token)
		return err
	}, logger)

	services := core.NewServices(pool, hub, eventBus, logger, cfg.RetryCeiling)
	hub.BindServices(services)

	sessionBroker := broker.New(pool, hub, eventBus, logger, cfg.SessionIdleTimeout)
	hub.BindSessions(sessionBroker)

	metrics.RegisterAgentGauges(hub.ConnectedCount, sessionBroker.ActiveCount)

	if cfg.CatalogPath != "" {
		if err := services.Remediation.SeedCatalogFile(ctx, cfg.CatalogPath, logger); err != nil {
			logger.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("failed to seed remediation catalog")
		}
	}

	srv := api.NewServer(logger, pool, services, hub, sessionBroker, eventBus, cfg)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:        cfg.HTTPListenAddr,
		Handler:     srv,
		ReadTimeout: 15 * time.Second,
		// Streaming responses (SSE, WebSocket) outlive any sane write
		// timeout, so only reads are bounded.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting gateway API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	sweeper := sweep.New(services.Deployment, cfg.SweepInterval, logger)
	g.Go(func() error { return sweeper.Run(gctx) })

	monitor := agenthub.NewMonitor(services.Node, hub, cfg.HeartbeatTimeout, logger)
	g.Go(func() error { return monitor.Run(gctx) })

	g.Go(func() error { return sessionBroker.Run(gctx) })

	if archive.Enabled(cfg) {
		archiver := archive.New(cfg, services.Deployment, eventBus, logger)
		g.Go(func() error { return archiver.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("gateway exited with error")
	}
}

func createAPIKey(args []string) {
	fs := flag.NewFlagSet("create-api-key", flag.ExitOnError)
	name := fs.String("name", "", "Name for the API key (required)")
	fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "error: --name is required")
		fmt.Fprintln(os.Stderr, "usage: gateway-api create-api-key --name <name>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	svc := core.NewAPIKeyService(pool)
	key, rawKey, err := svc.Create(ctx, *name, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to create API key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key created successfully.\n\n")
	fmt.Printf("  Name:   %s\n", key.Name)
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Key:    %s\n\n", rawKey)
	fmt.Printf("Save this key - it will not be shown again.\n")
}
