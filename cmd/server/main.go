package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mail-sync/internal/batch"
	"github.com/brandon/mail-sync/internal/cache"
	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/internal/credential"
	"github.com/brandon/mail-sync/internal/dispatch"
	"github.com/brandon/mail-sync/internal/email"
	"github.com/brandon/mail-sync/internal/events"
	"github.com/brandon/mail-sync/internal/mcp"
	"github.com/brandon/mail-sync/internal/reliability"
	"github.com/brandon/mail-sync/internal/tools"
	"github.com/brandon/mail-sync/internal/watcher"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mail-sync version %s\n", version)
		os.Exit(0)
	}
	// stdout carries the MCP stream, so logs go to stderr
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting mail sync server")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
	logger.Info("Shutting down mail sync server")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize cache
	mailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer mailCache.Close()

	files, err := cache.NewFileStorage(cfg.AttachmentPath)
	if err != nil {
		return fmt.Errorf("failed to initialize attachment storage: %w", err)
	}
	store := cache.NewStore(mailCache, files, logger)

	// Initialize accounts in cache
	for i := range cfg.Accounts {
		if _, err := store.UpsertAccount(ctx, &cfg.Accounts[i]); err != nil {
			logger.WithError(err).WithField("account", cfg.Accounts[i].Name).Warn("Failed to cache account")
		}
	}

	creds, err := credential.Open(cfg.KeyringDir, cfg.KeyringPassword)
	if err != nil {
		// Accounts with a configured password still work without a keyring
		logger.WithError(err).Warn("Keyring unavailable")
	}

	connector := email.NewConnector(
		email.NewIMAPDialer(cfg.ConnectTimeout, logger),
		creds,
		reliability.ConnectPolicy(cfg.ConnectRetries, cfg.ConnectRetryDelay),
		logger,
	)
	pool := email.NewPool(connector, cfg.PoolMaxPerAccount, cfg.PoolIdleTimeout, logger)
	accounts := email.NewAccounts(cfg.Accounts)

	hub := events.NewHub(logger)
	tracker := dispatch.NewTracker(store, hub, cfg.ErrorTextLimit, logger)
	dispatcher := dispatch.NewDispatcher(cfg.SyncWorkers,
		reliability.ConnectPolicy(cfg.JobRetries, cfg.JobRetryDelay), tracker, logger)

	synchronizer := email.NewSynchronizer(accounts, pool, store, dispatcher, hub,
		batch.Limits{MaxBytes: cfg.BatchMaxBytes, MaxCount: cfg.BatchMaxCount}, logger)

	supervisor := watcher.NewSupervisor(accounts, store, connector, pool, dispatcher, tracker, watcher.Options{
		Folder:      cfg.WatchFolder,
		IdleTimeout: cfg.IdleTimeout,
		Interval:    cfg.SupervisorInterval,
		Reconnect:   reliability.ReconnectPolicy(cfg.ReconnectInitial, cfg.ReconnectMax),
	}, logger)

	// Catch up on whatever changed while the server was down
	active, err := store.ActiveAccountNames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active accounts: %w", err)
	}
	for _, name := range active {
		if _, err := accounts.Get(name); err != nil {
			continue
		}
		if err := dispatcher.Submit(dispatch.NewFullSync(name)); err != nil {
			logger.WithError(err).WithField("account", name).Warn("Failed to schedule initial sync")
		}
	}

	registry := tools.NewRegistry(tools.Deps{
		Store:    store,
		Mailbox:  synchronizer,
		Jobs:     dispatcher,
		Control:  tracker,
		Watchers: supervisor,
	}, logger)
	mcp.Version = version
	server := mcp.NewServer(registry, hub, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx, synchronizer)
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		// The client closing stdin ends the session
		defer cancel()
		return server.Run(gctx)
	})
	return g.Wait()
}
