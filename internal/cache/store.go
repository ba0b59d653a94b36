// Package cache stores serialized profiles keyed by lower-cased username.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// DefaultTTL is how long a stored profile is served before it is regenerated.
	DefaultTTL = 6 * time.Hour
)

// data must round-trip byte for byte: object key order carries the rank order
// of the profile mappings.
var schemas = map[string]string{
	DriverPostgres: `CREATE TABLE IF NOT EXISTS userinfo (
		id VARCHAR(255) PRIMARY KEY,
		"timestamp" TIMESTAMPTZ NOT NULL,
		data TEXT NOT NULL
	)`,
	DriverSQLite: `CREATE TABLE IF NOT EXISTS userinfo (
		id TEXT PRIMARY KEY,
		"timestamp" TIMESTAMP NOT NULL,
		data TEXT NOT NULL
	)`,
}

// sqlite renders time.Time parameters with this layout.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Entry is one cached profile.
type Entry struct {
	Username string
	StoredAt time.Time
	Payload  []byte
}

// Store is a cache-aside profile store on top of database/sql.
type Store struct {
	db     *sql.DB
	driver string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// DriverForURL picks the driver for a DATABASE_URL style value.
func DriverForURL(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open connects to the database, verifies the connection and creates the
// userinfo table if it is absent.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported cache driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to cache database: %w", err)
	}

	switch driver {
	case DriverSQLite:
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
			}
		}
	case DriverPostgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	s := New(db, driver, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database.
func New(db *sql.DB, driver string, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		driver: driver,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the userinfo table if it does not exist. Concurrent
// callers racing on Postgres' catalog are treated as success.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire cache connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, schemas[s.driver]); err != nil && !isConcurrentCreate(err) {
		return fmt.Errorf("failed to create userinfo table: %w", err)
	}
	return nil
}

// Lookup returns the entry for username if it is at most TTL old. Stale and
// missing entries both return nil.
func (s *Store) Lookup(ctx context.Context, username string) (*Entry, error) {
	key := strings.ToLower(username)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cache connection: %w", err)
	}
	defer conn.Close()

	var (
		raw  any
		data []byte
	)
	err = conn.QueryRowContext(ctx, s.rebind(`SELECT "timestamp", data FROM userinfo WHERE id = ?`), key).Scan(&raw, &data)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("cache miss", "user", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry for %s: %w", key, err)
	}
	storedAt, err := parseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache timestamp for %s: %w", key, err)
	}
	if s.now().Sub(storedAt) > s.ttl {
		s.logger.Debug("cache entry stale", "user", key, "stored_at", storedAt)
		return nil, nil
	}
	s.logger.Debug("cache hit", "user", key)
	return &Entry{Username: key, StoredAt: storedAt, Payload: data}, nil
}

// Save upserts the payload for username with the current time, replacing any
// earlier row.
func (s *Store) Save(ctx context.Context, username string, payload []byte) error {
	key := strings.ToLower(username)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire cache connection: %w", err)
	}
	defer conn.Close()

	query := s.rebind(`INSERT INTO userinfo (id, "timestamp", data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET "timestamp" = excluded."timestamp", data = excluded.data`)
	if _, err := conn.ExecContext(ctx, query, key, s.now().UTC(), string(payload)); err != nil {
		return fmt.Errorf("failed to store cache entry for %s: %w", key, err)
	}
	return nil
}

// rebind turns ? placeholders into $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return parseTime(string(v))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised time %q", v)
	case int64:
		return time.Unix(v, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time type %T", raw)
	}
}

// isConcurrentCreate matches the errors Postgres raises when two sessions run
// CREATE TABLE IF NOT EXISTS for the same table at once.
func isConcurrentCreate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P07" || pqErr.Code == "23505"
	}
	return false
}
