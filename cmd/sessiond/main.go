package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/sessions/internal/audit"
	"github.com/whisper/sessions/internal/config"
	"github.com/whisper/sessions/internal/feed"
	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/messaging"
	"github.com/whisper/sessions/internal/ratelimit"
	"github.com/whisper/sessions/internal/session"
	"github.com/whisper/sessions/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("SESSIOND_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(level, cfg.Log.Format).With("server", cfg.ServerName)

	logger.Info("session daemon starting",
		"listen_addr", cfg.HTTP.ListenAddr,
		"redis_addr", cfg.Redis.Addr,
		"namespace", cfg.Session.Namespace,
		"max_inactive", cfg.Session.MaxInactive,
		"sweep_interval", cfg.Sweep.Interval,
		"sweep_bucket", cfg.Sweep.Bucket,
		"nats_enabled", cfg.NATS.URL != "",
		"audit_enabled", cfg.Database.URL != "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis ---
	st, err := store.Dial(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, store.WithLogger(logger))
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	dispatcher := session.NewDispatcher(session.DefaultEventBuffer, session.WithDispatcherLogger(logger))
	repo := session.NewRepository(st, cfg.SessionRepository(),
		session.WithLogger(logger),
		session.WithPublisher(dispatcher))

	// --- Feed ---
	limiter := ratelimit.NewLimiter(st.Client(), cfg.Session.Namespace, logger)
	hub := feed.NewHub(feed.DefaultConfig(), logger, feed.WithRateLimiter(limiter))
	dispatcher.Subscribe("feed", hub.Listener(cfg.ServerName))

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "sessiond-" + cfg.ServerName
		natsConfig.Logger = logger
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		bridge := messaging.NewBridge(natsClient, cfg.ServerName, logger)
		dispatcher.Subscribe("nats", bridge.Listener())
		if err := bridge.Relay(natsClient, hub.Broadcast); err != nil {
			logger.Error("failed to subscribe to session events", "error", err)
			os.Exit(1)
		}
	}

	// --- PostgreSQL ---
	var db *sql.DB
	if cfg.Database.URL != "" {
		if err := audit.Migrate(cfg.Database.URL); err != nil {
			logger.Error("audit migrations failed", "error", err)
			os.Exit(1)
		}
		db, err = audit.Open(ctx, cfg.Database.URL)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		dispatcher.Subscribe("audit", audit.NewStore(db, logger).Listener(cfg.ServerName))
	}

	// --- Sweeper ---
	sweepOpts := []session.SweeperOption{
		session.WithSweepInterval(cfg.Sweep.Interval),
		session.WithSweeperLogger(logger),
	}
	if cfg.Sweep.LeaseTTL > 0 {
		sweepOpts = append(sweepOpts, session.WithSweepLease(st.NewLease(cfg.Session.Namespace+"sweeper:lease", cfg.Sweep.LeaseTTL)))
	}
	sweeper := session.NewSweeper(repo, sweepOpts...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// --- HTTP ---
	srv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           newRouter(cfg.ServerName, st, hub, hub.Connections().Count),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("listening", "addr", cfg.HTTP.ListenAddr)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	hub.Shutdown()

	// Drain queued events before the sinks go away.
	dispatcher.Close()
	if natsClient != nil {
		natsClient.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("database close error", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		logger.Warn("store close error", "error", err)
	}
	logger.Info("session daemon stopped")
}
