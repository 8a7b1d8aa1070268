package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Notifier wraps the LISTEN/NOTIFY mechanism in PostgreSQL.  Every write to
// the appointments table publishes the record key so that other server
// processes can refresh the views they push to connected clients.
type Notifier struct {
	DB      *sql.DB
	URL     string
	Channel string
	log     zerolog.Logger
}

// NewNotifier constructs a new Notifier.  The channel should match the
// POSTGRES_NOTIFY_CHANNEL environment variable.
func NewNotifier(db *sql.DB, url, channel string, log zerolog.Logger) *Notifier {
	return &Notifier{DB: db, URL: url, Channel: channel, log: log}
}

// Notify sends a notification to the channel with the record key.
func (n *Notifier) Notify(ctx context.Context, key string) error {
	_, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, key)
	return err
}

// Listen yields record keys as notifications arrive.  The returned channel
// is closed when ctx is cancelled.
func (n *Notifier) Listen(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(n.URL, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.log.Warn().Err(err).Int("event", int(ev)).Msg("notify listener event")
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, err
	}

	ch := make(chan string)
	go func() {
		defer func() {
			_ = listener.Close()
			close(ch)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case notification := <-listener.Notify:
				// nil after a reconnect; state may have been missed.
				if notification == nil {
					continue
				}
				select {
				case ch <- notification.Extra:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				if err := listener.Ping(); err != nil {
					n.log.Warn().Err(err).Msg("notify listener ping failed")
				}
			}
		}
	}()
	return ch, nil
}
