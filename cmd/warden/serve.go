package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/observability"
	observer "warden/internal/observer/app"
	"warden/internal/observer/sqlitestore"
	serverapp "warden/internal/server/app"
	serverhttp "warden/internal/server/http"
	"warden/internal/sweeper"
	"warden/internal/utils"
)

const (
	shutdownTimeout = 10 * time.Second
	statsInterval   = 5 * time.Second
)

// runServe wires the daemon together and blocks until SIGINT/SIGTERM.
func runServe(cfg *config.Config) error {
	utils.GetLogger().SetLevel(utils.ParseLogLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Warden")
	logger.Info("Starting warden %s on %s (db=%s)", version, cfg.Addr(), cfg.DatabasePath)

	store, err := sqlitestore.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Requeue items a previous process claimed but never confirmed. This has
	// to finish before the listener comes up so no consumer observes the
	// stuck rows.
	requeued, failed, err := store.RecoverStuck(context.Background())
	if err != nil {
		return err
	}
	if requeued > 0 || failed > 0 {
		logger.Warn("Crash recovery: requeued %d items, dead-lettered %d", requeued, failed)
	}

	manager := observer.NewManager(store, store, cfg.IdleTimeout)
	manager.SetDefaultBatchSize(cfg.BatchSize)
	observability.RegisterSessionGauges(manager)

	broadcaster := serverapp.NewStatusBroadcaster()
	manager.SetOnSessionDeleted(func(sessionID int64) {
		broadcaster.Broadcast(serverapp.StatusEvent{Type: "session_deleted", SessionID: sessionID})
		if stats, err := manager.GetStats(context.Background()); err == nil {
			broadcaster.Broadcast(serverapp.StatusEvent{Type: "stats", Stats: &stats})
		}
	})

	sweep := sweeper.New(manager, cfg.SweepInterval, cfg.StaleThreshold)
	if err := sweep.Start(); err != nil {
		return err
	}

	router := serverhttp.NewRouter(serverhttp.RouterDeps{
		Manager:     manager,
		Broadcaster: broadcaster,
	}, cfg.Debug)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go broadcastStatsLoop(ctx, manager, broadcaster)

	select {
	case err := <-serveErr:
		logger.Error("HTTP server failed: %v", err)
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sweep.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown: %v", err)
	}
	if err := manager.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("Session shutdown: %v", err)
	}
	logger.Info("Warden stopped")
	return nil
}

// broadcastStatsLoop pushes a periodic stats snapshot to dashboard clients.
// It skips cycles when nobody is connected.
func broadcastStatsLoop(ctx context.Context, manager *observer.Manager, broadcaster *serverapp.StatusBroadcaster) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if broadcaster.ClientCount() == 0 {
				continue
			}
			if stats, err := manager.GetStats(ctx); err == nil {
				broadcaster.Broadcast(serverapp.StatusEvent{Type: "stats", Stats: &stats})
			}
		}
	}
}
