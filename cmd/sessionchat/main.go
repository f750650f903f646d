package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionchat/internal/config"
	"sessionchat/internal/constants"
	"sessionchat/internal/database"
	"sessionchat/internal/metrics"
	"sessionchat/internal/migrations"
	"sessionchat/internal/models"
	"sessionchat/internal/retry"
	"sessionchat/internal/security"
	"sessionchat/internal/service"
	"sessionchat/internal/tracing"
	"sessionchat/pkg/cipher"
	"sessionchat/pkg/gateway"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionchat",
		Short:         "Private messaging client daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newKeygenCmd(), newMigrateCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, verbose)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "Path to configuration file (.json or .toml)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Enable verbose logging (includes session identifiers)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the identity key pair if absent and print its session id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return keygen(cmd.OutOrStdout(), keyPath)
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "identity.pem", "Path to the identity key PEM")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to a SQLite store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context(), cmd.OutOrStdout(), dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "sessionchat.db", "Path to the SQLite database")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sessionchat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		},
	}
}

func keygen(out io.Writer, keyPath string) error {
	if err := security.ValidateKeyFilePath(keyPath); err != nil {
		return fmt.Errorf("invalid key path: %w", err)
	}
	kp, created, err := cipher.EnsureKeyPair(keyPath)
	if err != nil {
		return fmt.Errorf("failed to prepare identity key: %w", err)
	}
	if created {
		fmt.Fprintf(out, "Created identity key at %s\n", keyPath)
	}
	fmt.Fprintln(out, kp.SessionID())
	return nil
}

func migrate(ctx context.Context, out io.Writer, dbPath string) error {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	version, err := migrations.Apply(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	fmt.Fprintf(out, "Schema at version %d\n", version)
	return nil
}

func newLogger(level string, verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	applyLogLevel(logger, level, verbose)
	return logger
}

// applyLogLevel caps the configured level at info unless verbose is set,
// since debug output carries unmasked identifiers.
func applyLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

type recordStore interface {
	service.Store
	Close() error
}

// openStore opens the configured record store, retrying transient open
// failures with exponential backoff.
func openStore(ctx context.Context, cfg models.DatabaseConfig, logger *logrus.Logger) (recordStore, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: constants.DefaultRetryBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultMaxBackoffMs * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       0.2,
	})

	opts := database.Options{Encrypt: cfg.Encrypt}
	var store recordStore
	err := backoff.Retry(ctx, func() error {
		var openErr error
		switch cfg.Driver {
		case "bolt":
			store, openErr = database.NewBolt(cfg.Path, opts)
		default:
			store, openErr = database.New(cfg.Path, opts)
		}
		if openErr != nil {
			logger.Warnf("Failed to open %s store: %v", cfg.Driver, openErr)
		}
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store after retries: %w", err)
	}
	return store, nil
}

func newNotifier(cfg models.NotifierConfig, logger *logrus.Logger) service.Notifier {
	if cfg.WebhookURL == "" {
		return service.NewLogNotifier(logger)
	}
	return service.NewWebhookNotifier(cfg, logger)
}

func run(ctx context.Context, configPath string, verbose bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel, verbose)
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting sessionchat")
	if verbose {
		logger.Info("Verbose logging enabled - session identifiers will be logged")
	}

	traces, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := traces.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	keys, err := cipher.LoadKeyPair(cfg.Identity.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to load identity key (run keygen first): %w", err)
	}
	if keys.SessionID() != cfg.Identity.SessionID {
		return fmt.Errorf("identity key does not match configured session id")
	}

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	box := cipher.NewBox(keys, store, logger)
	if err := box.Load(ctx); err != nil {
		return fmt.Errorf("failed to load peer keys: %w", err)
	}

	m := metrics.New()
	gw := gateway.New(cfg.Gateway, m, logger)
	notifier := newNotifier(cfg.Notifier, logger)

	client := service.NewClient(cfg, service.Deps{
		LocalID:  box.SessionID(),
		Gateway:  gw,
		Cipher:   box,
		Store:    store,
		Notifier: notifier,
		Hub:      service.NewHub(constants.DefaultHubBufferSize, logger),
		Metrics:  m,
		Logger:   logger,
	})
	defer client.Close()
	if wn, ok := notifier.(*service.WebhookNotifier); ok {
		defer wn.Wait()
	}

	if err := client.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	ctx, cancelRun := context.WithCancel(service.WithVerboseLogging(ctx, verbose))
	defer cancelRun()

	go func() {
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Gateway connection stopped")
		}
	}()
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		_ = client.Router.Run(ctx, gw.Events())
	}()

	monitor := service.NewDeliveryMonitor(client.Delivery, cfg.Delivery.StaleCheckInterval(), cfg.Delivery.StaleWindow(), m, logger)
	go monitor.Start(ctx)
	defer monitor.Stop()

	scheduler := service.NewScheduler(client.Delivery, cfg.RetentionDays, cfg.Server.CleanupIntervalHours, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	watcher := config.NewConfigWatcher(configPath, logger)
	watcher.OnConfigChange(func(next *models.Config) {
		applyLogLevel(logger, next.LogLevel, verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	server := NewServer(cfg.Server, client, m, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	// Announce offline before the connection goes away.
	offlineCtx, cancelOffline := context.WithTimeout(context.Background(), constants.DefaultSendTimeout)
	if err := client.Presence.ReportLocalStateChange(offlineCtx, models.LocalTerminated); err != nil {
		logger.WithError(err).Debug("Offline announcement not sent")
	}
	cancelOffline()
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}
	select {
	case <-routerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Event router did not drain before shutdown deadline")
	}

	logger.Info("Shutdown completed")
	return runErr
}
