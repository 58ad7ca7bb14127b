package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/storegrid/tillsync/internal/api"
	"github.com/storegrid/tillsync/internal/client"
	"github.com/storegrid/tillsync/internal/config"
	"github.com/storegrid/tillsync/internal/database"
	"github.com/storegrid/tillsync/internal/logger"
	"github.com/storegrid/tillsync/internal/models"
	"github.com/storegrid/tillsync/internal/repositories"
	"github.com/storegrid/tillsync/internal/services"
	"github.com/storegrid/tillsync/internal/transport"
	"github.com/storegrid/tillsync/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New("server", cfg.DeviceID)

	// Migrations run over database/sql; the application uses the pgx pool.
	migrationDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	if err := migrations.Migrate(migrationDB); err != nil {
		migrationDB.Close()
		return err
	}
	migrationDB.Close()

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	// Repositories
	deviceRepo := repositories.NewPostgresDeviceRepository(pool)
	changeRepo := repositories.NewPostgresChangeLogRepository(pool)
	auditRepo := repositories.NewPostgresAuditRepository(pool)
	electionRepo := repositories.NewPostgresElectionLogRepository(pool)
	stateRepo := repositories.NewPostgresSyncStateRepository(pool)
	presenceRepo := repositories.NewRedisPresenceRepository(redisClient, cfg.HeartbeatTimeout)

	// The hub and the services that broadcast through it reference each
	// other; the hub is created first and gets its handler afterwards.
	hub := transport.NewHub(nil, log.Component("hub"))

	registry := services.NewRegistry(
		deviceRepo, presenceRepo, stateRepo, auditRepo,
		hub, cfg.HeartbeatTimeout, log.Component("registry"),
	)
	resolver := services.NewConflictResolver(
		changeRepo, auditRepo, cfg.ConflictWindow, log.Component("resolver"),
	)
	elector := services.NewElectionManager(
		registry, electionRepo, auditRepo, stateRepo, hub,
		cfg.DeviceID, cfg.ElectionTimeout, cfg.ElectionRetries, cfg.ElectionBackoff,
		log.Component("elector"),
	)
	coordinator := services.NewSyncCoordinator(
		cfg.DeviceID, registry, changeRepo, stateRepo, electionRepo,
		auditRepo, resolver, hub, log.Component("coordinator"),
	)

	forwarder := client.NewSyncClient(
		client.TemplateResolver(cfg.PeerAddrTemplate), "", log.Component("forwarder"),
	)
	coordinator.SetForwarder(forwarder)

	dispatcher := services.NewDispatcher(registry, coordinator, elector, log.Component("dispatcher"))
	hub.SetHandler(dispatcher)

	monitor := services.NewMonitor(registry, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, log.Component("monitor"))
	monitor.SetOnMasterLost(func(ctx context.Context, reason models.ElectionReason) {
		if _, err := elector.Trigger(ctx, reason, cfg.DeviceID); err != nil {
			log.Error().Err(err).Msg("election after master loss failed")
		}
	})

	auth := services.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, cfg.EnrollSecretHash)

	// This terminal joins the registry like any other device. If no
	// master is active it takes the role itself.
	result, err := registry.Register(ctx, services.RegisterRequest{
		DeviceID:    cfg.DeviceID,
		DisplayRole: cfg.DisplayRole,
		Priority:    cfg.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to register local device: %w", err)
	}
	log.Info().
		Str("role", string(result.AssignedRole)).
		Str("master", result.MasterDeviceID).
		Msg("local device joined sync plane")

	handlers := api.NewHandlers(registry, coordinator, elector, auth, electionRepo, auditRepo)
	router := api.NewRouter(handlers, auth, hub, log.Component("api"))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("starting server")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := monitor.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	// Client side of the sync plane: while another terminal holds the
	// master role, follow it. The loop idles whenever this device is the
	// master itself.
	peer := client.NewPeerLoop(client.PeerConfig{
		DeviceID:          cfg.DeviceID,
		DisplayRole:       cfg.DisplayRole,
		Priority:          cfg.Priority,
		EnrollSecret:      cfg.EnrollSecret,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WSTemplate:        cfg.PeerWSTemplate,
	}, forwarder, registry, coordinator.ApplyRemote, log.Component("peer"))

	g.Go(func() error {
		err := peer.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	// Local heartbeat loop keeps this terminal alive in the registry.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := registry.Heartbeat(gctx, cfg.DeviceID); err != nil {
					log.Error().Err(err).Msg("local heartbeat failed")
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		// Graceful handover: tell the fleet we are leaving, release the
		// master role if we hold it, then drain HTTP.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.Broadcast(models.DeviceShutdown{DeviceID: cfg.DeviceID, Reason: "shutdown"})
		wasMaster, err := registry.MarkOffline(shutdownCtx, cfg.DeviceID, "shutdown")
		if err != nil {
			log.Error().Err(err).Msg("failed to mark local device offline")
		}
		if wasMaster {
			if _, err := elector.Trigger(shutdownCtx, models.ReasonShutdown, cfg.DeviceID); err != nil {
				log.Warn().Err(err).Msg("handover election did not complete")
			}
		}

		hub.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("server stopped gracefully")
	return nil
}
