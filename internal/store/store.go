// Package store persists token records and the usage log.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options selects the backing database. For SQLite, an empty DSN and DataDir
// opens an in-memory database.
type Options struct {
	Driver  string
	DSN     string
	DataDir string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Store manages token state in a SQL database. It is safe for concurrent
// use; counters are updated with single atomic statements.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// Open connects to the configured database and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	driverName, dsn, err := resolve(opts)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open token database: %w", err)
	}

	if opts.Driver == DriverSQLite || opts.Driver == "" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 5)
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	s := &Store{db: db, dialect: opts.Driver}
	if s.dialect == "" {
		s.dialect = DriverSQLite
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate token database: %w", err)
	}
	return s, nil
}

// NewMemory opens an in-memory SQLite store.
func NewMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, Options{Driver: DriverSQLite})
}

func resolve(opts Options) (driverName, dsn string, err error) {
	switch opts.Driver {
	case "", DriverSQLite:
		if opts.DSN != "" {
			return "sqlite", opts.DSN, nil
		}
		if opts.DataDir == "" {
			return "sqlite", ":memory:?_journal_mode=WAL", nil
		}
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return "", "", fmt.Errorf("create data dir: %w", err)
		}
		return "sqlite", filepath.Join(opts.DataDir, "enact.db") + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPostgres:
		if opts.DSN == "" {
			return "", "", fmt.Errorf("postgres store requires a dsn")
		}
		return "pgx", opts.DSN, nil
	case DriverMySQL:
		if opts.DSN == "" {
			return "", "", fmt.Errorf("mysql store requires a dsn")
		}
		return "mysql", opts.DSN, nil
	default:
		return "", "", fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the configured driver name.
func (s *Store) Dialect() string {
	return s.dialect
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
