package db

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"carelink/internal/config"

	"github.com/rs/zerolog"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := AppointmentKey("test:", 42)

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}

	if err := s.Put(ctx, key, []byte(`{"provider_id":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(ctx, key, []byte(`{"provider_id":2}`)); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte(`{"provider_id":2}`)) {
		t.Errorf("expected last write to win, got %s", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is harmless.
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestAppointmentKey(t *testing.T) {
	tests := []struct {
		prefix   string
		id       int64
		expected string
	}{
		{"", 1, "upcoming_appointment_1"},
		{"carelink:", 7, "carelink:upcoming_appointment_7"},
	}
	for _, tt := range tests {
		if got := AppointmentKey(tt.prefix, tt.id); got != tt.expected {
			t.Errorf("AppointmentKey(%q, %d) = %s, expected %s", tt.prefix, tt.id, got, tt.expected)
		}
	}
}

func TestParseAppointmentKey(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		id     int64
		ok     bool
	}{
		{"", "upcoming_appointment_1", 1, true},
		{"carelink:", "carelink:upcoming_appointment_42", 42, true},
		{"carelink:", "upcoming_appointment_42", 0, false},
		{"", "upcoming_appointment_x", 0, false},
		{"", "session_1", 0, false},
	}
	for _, tt := range tests {
		id, ok := ParseAppointmentKey(tt.prefix, tt.key)
		if id != tt.id || ok != tt.ok {
			t.Errorf("ParseAppointmentKey(%q, %q) = %d, %v; expected %d, %v", tt.prefix, tt.key, id, ok, tt.id, tt.ok)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	value := []byte("abc")
	s.Put(ctx, "k", value)
	value[0] = 'z'

	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("store aliased caller buffer: %s", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(ctx, "k")
	if err != nil || string(got) != "v1" {
		t.Errorf("expected v1 after reopen, got %q (%v)", got, err)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CARELINK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CARELINK_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr})
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestRepository(t *testing.T) {
	url := os.Getenv("CARELINK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CARELINK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	conn, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	if err := Migrate(ctx, conn); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	repo := NewRepository(conn, NewNotifier(conn, url, "carelink_test", zerolog.Nop()), zerolog.Nop())
	defer repo.Close()
	exerciseStore(t, repo)
}

// flakyStore fails the first n calls of every operation.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

var errFlaky = errors.New("connection reset")

func (f *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errFlaky
	}
	return f.MemoryStore.Put(ctx, key, value)
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	s := NewRetrying(inner, 3, time.Millisecond, zerolog.New(io.Discard))

	if err := s.Put(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetrying_GivesUp(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	s := NewRetrying(inner, 2, time.Millisecond, zerolog.Nop())

	err := s.Put(context.Background(), "k", []byte("v"))
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected flaky error, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", inner.calls)
	}
}

func TestRetrying_NotFoundIsNotRetried(t *testing.T) {
	s := NewRetrying(NewMemoryStore(), 5, time.Hour, zerolog.Nop())

	start := time.Now()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("ErrNotFound should return without backoff")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, config.StoreConfig{Backend: config.BackendMemory, RetryAttempts: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open memory failed: %v", err)
	}
	exerciseStore(t, b.Store)
	if b.Notifier != nil {
		t.Error("memory backend should not have a notifier")
	}

	b, err = Open(ctx, config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: t.TempDir(), RetryAttempts: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open sqlite failed: %v", err)
	}
	defer b.Store.Close()
	exerciseStore(t, b.Store)

	if _, err := Open(ctx, config.StoreConfig{Backend: "tape"}, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
