package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cybersemics/partykit-em/internal/config"
	"github.com/cybersemics/partykit-em/internal/database"
	"github.com/cybersemics/partykit-em/internal/logging"
	"github.com/cybersemics/partykit-em/internal/relay"
	"github.com/cybersemics/partykit-em/internal/server"
	"github.com/cybersemics/partykit-em/internal/tree"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "em-relay",
		Short: "Authoritative sync relay for a thoughtspace",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("max-ancestor-walk-depth", defaults.GetInt("tree.max_ancestor_walk_depth"), "Safety bound for ancestor walks")
	cmd.PersistentFlags().Int("hydration-row-batch", defaults.GetInt("sync.hydration_row_batch"), "Rows per hydration flush")
	cmd.PersistentFlags().Int("pull-chunk-size", defaults.GetInt("sync.pull_chunk_size"), "Operations per pull chunk")
	cmd.PersistentFlags().String("upper-limit-policy", defaults.GetString("sync.relay_upper_limit_policy"), "Pull upper limit policy (frozen_at_start, now)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tree.max_ancestor_walk_depth", "max-ancestor-walk-depth")
	bindFlag(cmd, "sync.hydration_row_batch", "hydration-row-batch")
	bindFlag(cmd, "sync.pull_chunk_size", "pull-chunk-size")
	bindFlag(cmd, "sync.relay_upper_limit_policy", "upper-limit-policy")
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

func runServer(ctx context.Context) error {
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

	store, err := tree.NewStore(tree.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	engine, err := tree.NewEngine(tree.EngineConfig{
		Store:                store,
		Logger:               logger,
		MaxAncestorWalkDepth: appConfig.MaxAncestorWalkDepth,
	})
	if err != nil {
		return err
	}
	restore, err := tree.NewRestorePolicy(tree.RestorePolicyConfig{
		Engine: engine,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	relayNode, err := relay.New(relay.Config{
		Engine:            engine,
		Restore:           restore,
		Logger:            logger,
		UpperLimitPolicy:  appConfig.UpperLimitPolicy,
		PullChunkSize:     appConfig.PullChunkSize,
		HydrationRowBatch: appConfig.HydrationRowBatch,
	})
	if err != nil {
		return err
	}
	if err := relayNode.Open(ctx); err != nil {
		return err
	}
	defer relayNode.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Relay:  relayNode,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", zap.String("address", appConfig.HTTPAddress))
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
