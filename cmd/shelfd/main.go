// shelfd is the shelf multi-tenant file storage server.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shelfstore/shelf/internal/config"
	"github.com/shelfstore/shelf/internal/server"
	"github.com/shelfstore/shelf/internal/shelf"
	"github.com/shelfstore/shelf/internal/tenant"
	"github.com/shelfstore/shelf/pkg/bytesize"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "shelfd",
		Short: "Multi-tenant chunked file storage server",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	addTenantCmd := &cobra.Command{
		Use:   "add-tenant <id> <display-name>",
		Short: "Add a root tenant and print its API key",
		Args:  cobra.ExactArgs(2),
		RunE:  runAddTenant,
	}
	addTenantCmd.Flags().String("limit", "0", "storage limit (e.g. 500MB, 0 = unlimited for admin tenants)")
	addTenantCmd.Flags().Bool("admin", false, "grant admin privileges")
	rootCmd.AddCommand(addTenantCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shelfd %s (%s)\n", Version, Commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.ServerConfig, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.LoadServerConfig(cfgFile)
}

func setupLogging(cfg *config.ServerConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// nolint:revive // args required by cobra.Command RunE signature
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	tenants, err := tenant.NewService(cfg.TenantConfig)
	if err != nil {
		return fmt.Errorf("load tenant config: %w", err)
	}
	if err := tenants.StartWatcher(); err != nil {
		return fmt.Errorf("watch tenant config: %w", err)
	}
	defer func() { _ = tenants.Close() }()

	store, err := shelf.NewChunkStore(cfg.DataDir)
	if err != nil {
		return err
	}

	metrics := shelf.InitMetrics(nil)

	usage := shelf.NewUsageAccountant(tenants, store, cfg.UsageSnapshot)
	usage.SetMetrics(metrics)
	// A failed startup rebuild never blocks serving; whatever partial cache
	// was computed is kept.
	if err := usage.Load(); err != nil {
		log.Warn().Err(err).Msg("usage cache load incomplete, continuing")
	}

	storage, err := shelf.NewService(store, usage, cfg.ChunkSizeBytes())
	if err != nil {
		return err
	}

	rpm := 0
	if cfg.RateLimit.Enabled {
		rpm = cfg.RateLimit.RequestsPerMinute
	}
	api := server.NewServer(tenants, storage, rpm, metrics)

	mux := http.NewServeMux()
	mux.Handle("/", api)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("data_dir", cfg.DataDir).Int64("chunk_size", cfg.ChunkSizeBytes()).Msg("shelfd started")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Flush accounting state before exit.
	if err := usage.Checkpoint(); err != nil {
		log.Warn().Err(err).Msg("final usage checkpoint failed")
	}
	return nil
}

// nolint:revive // args required by cobra.Command RunE signature
func runAddTenant(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	limitStr, _ := cmd.Flags().GetString("limit")
	isAdmin, _ := cmd.Flags().GetBool("admin")

	limit, err := bytesize.Parse(limitStr)
	if err != nil {
		return fmt.Errorf("invalid limit: %w", err)
	}

	tenants, err := tenant.NewService(cfg.TenantConfig)
	if err != nil {
		return fmt.Errorf("load tenant config: %w", err)
	}

	apiKey, err := tenants.AddRootTenant(args[0], args[1], limit, isAdmin)
	if err != nil {
		return err
	}

	fmt.Printf("tenant:  %s\napi key: %s\n", args[0], apiKey)
	return nil
}
