package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"carelink/internal/config"

	"github.com/rs/zerolog"
)

// Backend is an opened store plus the optional Postgres notifier.
type Backend struct {
	Store    Store
	Notifier *Notifier
}

// Open builds the configured backend and wraps it with retries.
func Open(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (*Backend, error) {
	var (
		inner    Store
		notifier *Notifier
	)
	switch cfg.Backend {
	case config.BackendMemory, "":
		inner = NewMemoryStore()
	case config.BackendSQLite:
		s, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		inner = s
	case config.BackendRedis:
		s, err := NewRedisStore(ctx, RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, err
		}
		inner = s
	case config.BackendPostgres:
		conn, err := OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		if cfg.NotifyChannel != "" {
			notifier = NewNotifier(conn, cfg.PostgresURL, cfg.NotifyChannel, log)
		}
		inner = NewRepository(conn, notifier, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	log.Info().Str("backend", cfg.Backend).Msg("durable store opened")
	return &Backend{
		Store:    NewRetrying(inner, cfg.RetryAttempts, cfg.RetryBackoff, log),
		Notifier: notifier,
	}, nil
}

// OpenPostgres opens and pings a Postgres connection pool.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}
