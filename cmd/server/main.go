package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pos-sync-service/internal/api"
	"pos-sync-service/internal/config"
	"pos-sync-service/internal/database"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/pos"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/sync"
)

const shutdownTimeout = 15 * time.Second

type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pos-sync",
		Short:         "Sync restaurant back-office changes to the POS",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Run one retry pass over due entries and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(cmd.Context(), opts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the sync log schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts)
		},
	})

	return cmd
}

func setup(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.InitLoggerWithFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, nil
}

// buildManager wires the sync engine against the configured source database,
// sync log and POS.
func buildManager(cfg *config.Config) (*sync.Manager, *database.Database, error) {
	stateStore, err := store.New(cfg.StateStorage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init sync log store: %w", err)
	}

	sourceDB, err := database.NewDatabase(cfg.Databases.Source)
	if err != nil {
		stateStore.Close()
		return nil, nil, fmt.Errorf("failed to connect to source database: %w", err)
	}

	manager := sync.NewManager(cfg, stateStore,
		pos.NewHTTPClient(cfg.POS),
		database.NewRowLoader(sourceDB, cfg.Sync.Tables),
	)
	return manager, sourceDB, nil
}

func runServe(opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Log.Info("Starting POS sync service")

	syncManager, sourceDB, err := buildManager(cfg)
	if err != nil {
		return err
	}
	defer sourceDB.Close()
	defer syncManager.Close()

	if err := syncManager.Start(); err != nil {
		return fmt.Errorf("failed to start sync manager: %w", err)
	}

	handler := api.NewHandler(syncManager, cfg.Server)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Log.Info("Shutting down server...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Log.Error("Server failed", zap.Error(err))
		syncManager.Stop()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	syncManager.Stop()
	return nil
}

func runRetry(ctx context.Context, opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	syncManager, sourceDB, err := buildManager(cfg)
	if err != nil {
		return err
	}
	defer sourceDB.Close()
	defer syncManager.Close()

	n := syncManager.RunRetries(ctx)
	logger.Log.Info("Retry pass complete", zap.Int("dispatched", n))
	fmt.Printf("dispatched %d retries\n", n)
	return nil
}

func runMigrate(ctx context.Context, opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	stateStore, err := store.New(cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("failed to init sync log store: %w", err)
	}
	defer stateStore.Close()

	if err := stateStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	logger.Log.Info("Sync log schema ready", zap.String("type", cfg.StateStorage.Type))
	return nil
}
