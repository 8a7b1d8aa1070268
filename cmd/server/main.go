package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink/internal/call"
	"carelink/internal/config"
	"carelink/internal/core"
	"carelink/internal/db"
	"carelink/internal/directory"
	httpserver "carelink/internal/http"
	"carelink/internal/ledger"
	"carelink/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "carelink",
		Short: "Patient and provider consultation coordinator",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CARELINK_CONFIG"), "path to a YAML config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.PostgresURL == "" {
				return fmt.Errorf("store.postgres_url (DATABASE_URL) must be set")
			}
			ctx := context.Background()
			conn, err := db.OpenPostgres(ctx, cfg.Store.PostgresURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(ctx, conn); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServer(cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := db.Open(ctx, cfg.Store, logging.Component(log, "store"))
	if err != nil {
		return err
	}
	defer backend.Store.Close()

	dir := directory.Default()
	if cfg.Directory.SeedFile != "" {
		if dir, err = directory.LoadFile(cfg.Directory.SeedFile); err != nil {
			return err
		}
	}

	hub := httpserver.NewHub(log)
	go hub.Run()
	defer hub.Stop()

	coord := core.New(core.Options{
		Ledger:    ledger.New(backend.Store, logging.Component(log, "ledger"), ledger.WithKeyPrefix(cfg.Store.KeyPrefix)),
		Calls:     call.NewRegistry(cfg.Calls.MaxSessions),
		Directory: dir,
		Publisher: hub,
		Responder: cfg.Responder,
		Logger:    log,
	})
	coord.Start(ctx)
	defer coord.Close()

	if backend.Notifier != nil {
		updates, err := backend.Notifier.Listen(ctx)
		if err != nil {
			return err
		}
		go applyRemoteChanges(ctx, coord, updates, cfg.Store.KeyPrefix, log)
	}

	server := httpserver.NewServer(cfg.Server, coord, hub, log)
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     server,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("environment", cfg.Server.Environment).Msg("carelink listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	return nil
}

func applyRemoteChanges(ctx context.Context, coord *core.Coordinator, updates <-chan string, prefix string, log zerolog.Logger) {
	for key := range updates {
		pid, ok := db.ParseAppointmentKey(prefix, key)
		if !ok {
			log.Debug().Str("key", key).Msg("ignoring notification")
			continue
		}
		coord.ApplyRemoteChange(ctx, pid)
	}
}
