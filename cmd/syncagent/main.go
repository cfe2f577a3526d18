package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"routeledger/internal/config"
	"routeledger/internal/engine"
	"routeledger/internal/localstore"
	"routeledger/internal/logging"
	"routeledger/internal/models"
	"routeledger/internal/state"
	"routeledger/internal/transport"
)

// syncagent runs the device side of the replication subsystem: it opens
// the local replica, ensures a provisional identity exists so the app
// works before sign-in, and keeps the sync engine cycling against the
// configured server.
func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.Environment)

	store, err := localstore.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("opening local store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	st, err := state.Open(cfg.StatePath)
	if err != nil {
		logger.Error("opening state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := store.EnsureUser(ctx, models.User{ID: uuid.NewString()}); err != nil {
		logger.Error("ensuring provisional identity", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := transport.NewClient(httpClient, cfg.ServerURL, st)
	eng := engine.New(store, st, client, logger, engine.Config{Interval: cfg.SyncInterval})
	eng.OnStatusChange(func(s engine.Status) {
		logger.Info("sync status changed", "status", s)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.Run(gctx)
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	eng.Notify()
	_ = g.Wait()
}
