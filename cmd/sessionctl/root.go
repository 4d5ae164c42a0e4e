package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/sessions/internal/audit"
	"github.com/whisper/sessions/internal/config"
	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/messaging"
	"github.com/whisper/sessions/internal/session"
	"github.com/whisper/sessions/internal/store"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Inspect and maintain the shared session store",
		Long:          `sessionctl reads and removes sessions, runs expiration sweeps by hand and queries the session event history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("SESSIOND_CONFIG"), "Path to the YAML configuration file")

	root.AddCommand(
		newGetCmd(),
		newDeleteCmd(),
		newPrincipalCmd(),
		newDueCmd(),
		newSweepCmd(),
		newHistoryCmd(),
		newStatsCmd(),
	)
	return root
}

// env holds the connections a command works with.
type env struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.RedisStore
	repo       *session.Repository
	dispatcher *session.Dispatcher
	nats       *messaging.NATSClient
	db         *sql.DB
}

// openEnv connects to Redis and builds a repository whose events reach the
// bus and the audit trail when those are configured.
func openEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(level, cfg.Log.Format)

	st, err := store.Dial(cmd.Context(), &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, store: st}
	e.dispatcher = session.NewDispatcher(session.DefaultEventBuffer, session.WithDispatcherLogger(logger))
	server := "sessionctl@" + cfg.ServerName

	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "sessionctl"
		natsConfig.MaxReconnects = 0
		natsConfig.Logger = logger
		if e.nats, err = messaging.NewNATSClient(natsConfig); err != nil {
			e.Close()
			return nil, err
		}
		e.dispatcher.Subscribe("nats", messaging.NewBridge(e.nats, server, logger).Listener())
	}
	if cfg.Database.URL != "" {
		if e.db, err = audit.Open(cmd.Context(), cfg.Database.URL); err != nil {
			e.Close()
			return nil, err
		}
		e.dispatcher.Subscribe("audit", audit.NewStore(e.db, logger).Listener(server))
	}

	e.repo = session.NewRepository(st, cfg.SessionRepository(),
		session.WithLogger(logger),
		session.WithPublisher(e.dispatcher))
	return e, nil
}

// auditStore returns the event history store or an error when no database
// is configured.
func (e *env) auditStore() (*audit.Store, error) {
	if e.db == nil {
		return nil, fmt.Errorf("no database configured (set DATABASE_URL or database.url)")
	}
	return audit.NewStore(e.db, e.logger), nil
}

// Close drains pending events and releases every connection.
func (e *env) Close() {
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
	if e.nats != nil {
		if err := e.nats.Flush(2 * time.Second); err != nil {
			e.logger.Warn("nats flush failed", "error", err)
		}
		e.nats.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
	e.store.Close()
}
