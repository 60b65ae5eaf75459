package pgpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnavailable means the shared pool could not be created, either because
// the Postgres configuration is incomplete or because the connection attempt
// failed. Callers on the telemetry path treat it as "skip persistence".
var ErrUnavailable = errors.New("postgres pool unavailable")

// DB is the subset of pgxpool.Pool the stores need.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config holds the recognized Postgres connection options.
type Config struct {
	Host     string
	Port     string // default: 5432
	User     string
	Password string
	Database string
	SSLMode  string // "require" (default) or "disable"
}

// FromEnv reads the PG* environment variables. Called once per creation
// attempt so a later call can pick up configuration that appeared after
// startup.
func FromEnv() Config {
	return Config{
		Host:     os.Getenv("PGHOST"),
		Port:     envOr("PGPORT", "5432"),
		User:     os.Getenv("PGUSER"),
		Password: os.Getenv("PGPASSWORD"),
		Database: os.Getenv("PGDATABASE"),
		SSLMode:  envOr("PGSSL", "require"),
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func (c Config) complete() bool {
	return c.Host != "" && c.User != "" && c.Password != "" && c.Database != ""
}

// DSN renders the config as a pgx connection string with the pool bounds
// used for the shared pool.
func (c Config) DSN() string {
	sslmode := "require"
	if c.SSLMode == "disable" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s&pool_min_conns=1&pool_max_conns=5", sslmode),
	}
	return u.String()
}

// DialFunc creates the underlying pool. Injectable for tests.
type DialFunc func(ctx context.Context, dsn string) (DB, error)

func defaultDial(ctx context.Context, dsn string) (DB, error) {
	return pgxpool.New(ctx, dsn)
}

// Manager owns the shared connection pool. The pool is created lazily on
// first Acquire and exactly once across concurrent callers; once created it
// lives for the rest of the process. A failed creation attempt is not
// cached, so a later Acquire retries.
type Manager struct {
	mu   sync.Mutex
	pool atomic.Value // holds DB once created

	load func() Config
	dial DialFunc
}

// NewManager builds a manager that re-reads config via load on every
// creation attempt. A nil load means FromEnv, a nil dial means pgxpool.
func NewManager(load func() Config, dial DialFunc) *Manager {
	if load == nil {
		load = FromEnv
	}
	if dial == nil {
		dial = defaultDial
	}
	return &Manager{load: load, dial: dial}
}

// Acquire returns the shared pool, creating it on first use. It never
// panics and never returns an error other than ErrUnavailable.
func (m *Manager) Acquire(ctx context.Context) (DB, error) {
	if db, ok := m.pool.Load().(DB); ok {
		return db, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the lock: another caller may have won the race.
	if db, ok := m.pool.Load().(DB); ok {
		return db, nil
	}

	cfg := m.load()
	if !cfg.complete() {
		log.Println("pgpool: missing PG env vars; skipping persistence")
		return nil, ErrUnavailable
	}

	db, err := m.dial(ctx, cfg.DSN())
	if err != nil {
		log.Printf("pgpool: failed to create pool: %v", err)
		return nil, ErrUnavailable
	}

	m.pool.Store(db)
	return db, nil
}
