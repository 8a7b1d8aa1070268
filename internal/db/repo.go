package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Repository stores appointment records in Postgres.  Each key maps to one
// row whose JSONB column is replaced on every Put.
type Repository struct {
	DB       *sql.DB
	Notifier *Notifier
	log      zerolog.Logger
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle unless
// Close is called.  notifier may be nil.
func NewRepository(db *sql.DB, notifier *Notifier, log zerolog.Logger) *Repository {
	return &Repository{DB: db, Notifier: notifier, log: log}
}

// Get returns the stored record for key.
func (r *Repository) Get(ctx context.Context, key string) ([]byte, error) {
	var record []byte
	err := r.DB.QueryRowContext(ctx,
		`SELECT record FROM appointments WHERE key = $1`, key,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select appointment %s: %w", key, err)
	}
	return record, nil
}

// Put upserts the record for key and announces the change.
func (r *Repository) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO appointments (key, record, updated_at)
         VALUES ($1, $2::jsonb, NOW())
         ON CONFLICT (key) DO UPDATE
         SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		key, string(value),
	)
	if err != nil {
		return fmt.Errorf("upsert appointment %s: %w", key, err)
	}
	r.announce(ctx, key)
	return nil
}

// Delete removes the record for key.  Deleting a missing key is not an error.
func (r *Repository) Delete(ctx context.Context, key string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM appointments WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete appointment %s: %w", key, err)
	}
	r.announce(ctx, key)
	return nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	return r.DB.Close()
}

// announce is best effort: the write already committed.
func (r *Repository) announce(ctx context.Context, key string) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("ledger notify failed")
	}
}
