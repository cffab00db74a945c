package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soundleaf/soundleaf/internal/config"
	"github.com/soundleaf/soundleaf/internal/covers"
	"github.com/soundleaf/soundleaf/internal/database"
	"github.com/soundleaf/soundleaf/internal/library"
	"github.com/soundleaf/soundleaf/internal/logging"
	"github.com/soundleaf/soundleaf/internal/playback"
	"github.com/soundleaf/soundleaf/internal/server"
	"github.com/soundleaf/soundleaf/internal/session"
	"github.com/soundleaf/soundleaf/internal/syncengine"
	"github.com/soundleaf/soundleaf/internal/transport"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "soundleaf-syncd",
		Short: "Soundleaf library sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Library server base URL")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address (loopback)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("covers-dir", defaults.GetString("covers.dir"), "Cover asset directory")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Stable device identifier")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Human-readable device name")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("sync-interval-s", defaults.GetInt("sync.interval_s"), "Seconds between scheduled sync cycles")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "covers.dir", "covers-dir")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval_s", "sync-interval-s")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// Token refresh is unauthenticated, so the refresher client carries no
	// token source; the main client does, closing the loop through sessions.
	refreshClient, err := transport.NewClient(transport.ClientConfig{
		BaseURL: appConfig.ServerURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	sessions := session.NewManager(session.ManagerConfig{
		Refresher: refreshClient,
		Clock:     time.Now,
		Logger:    logger,
	})
	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL: appConfig.ServerURL,
		Tokens:  sessions,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	store, err := library.NewStore(library.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: library.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tracker, err := playback.NewTracker(playback.TrackerConfig{
		Database:       db,
		Pusher:         client,
		DeviceID:       appConfig.DeviceID,
		Clock:          time.Now,
		Logger:         logger,
		FlushThreshold: appConfig.FlushThreshold,
		FlushInterval:  appConfig.FlushInterval,
		Retention:      appConfig.EventRetention,
	})
	if err != nil {
		return err
	}

	coverStore, err := covers.NewFileStore(afero.NewOsFs(), appConfig.CoversDir)
	if err != nil {
		return err
	}
	coverDownloader, err := covers.NewDownloader(covers.DownloaderConfig{
		Store:   coverStore,
		Fetcher: client,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	engine, err := syncengine.NewEngine(syncengine.EngineConfig{
		Store:           store,
		Client:          client,
		Sessions:        sessions,
		Tracker:         tracker,
		Covers:          coverDownloader,
		Logger:          logger,
		Clock:           time.Now,
		PullParallelism: appConfig.PullParallelism,
		BackoffMin:      appConfig.BackoffMin,
		BackoffMax:      appConfig.BackoffMax,
		MaxAttempts:     appConfig.MaxAttempts,
	})
	if err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:   store,
		Engine:  engine,
		Tracker: tracker,
		TriggerSync: func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go tracker.Run(signalCtx)
	go runScheduler(signalCtx, engine, trigger, appConfig.SyncInterval, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control api starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runScheduler runs sync cycles on the configured interval and on explicit
// triggers from the control API. A trigger arriving mid-cycle coalesces.
func runScheduler(ctx context.Context, engine *syncengine.Engine, trigger <-chan struct{}, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		_, err := engine.RunCycle(ctx)
		switch {
		case err == nil || errors.Is(err, syncengine.ErrCycleInFlight):
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, syncengine.ErrAuthAborted):
			logger.Warn("sync paused until re-authentication")
		default:
			logger.Error("sync cycle failed", zap.Error(err))
		}
	}
}
