// Package sqlstore implements identity.Store on SQL databases.
//
// SQLite (modernc.org/sqlite, no cgo) and PostgreSQL (lib/pq) are supported.
// The schema is managed with goose migrations embedded in the binary.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite"

	"github.com/giantswarm/oauth-issuer/identity"
)

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a SQL-backed identity.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time

	upsertQuery string
}

var _ identity.Store = (*Store)(nil)

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*Store, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("Identity store ready", "dialect", string(dialect))
	return s, nil
}

// New wraps an open database. It does not run migrations.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	query := `INSERT INTO users (id, email, created_at, updated_at) VALUES ($1, $2, $3, $3)
ON CONFLICT (email) DO UPDATE SET updated_at = excluded.updated_at
RETURNING id`
	if dialect == DialectSQLite {
		query = `INSERT INTO users (id, email, created_at, updated_at) VALUES (?1, ?2, ?3, ?3)
ON CONFLICT (email) DO UPDATE SET updated_at = excluded.updated_at
RETURNING id`
	}

	return &Store{
		db:          db,
		dialect:     dialect,
		logger:      logger,
		now:         time.Now,
		upsertQuery: query,
	}
}

// SetClock replaces the time source for created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	dialect := database.DialectPostgres
	if s.dialect == DialectSQLite {
		dialect = database.DialectSQLite3
	}

	provider, err := goose.NewProvider(dialect, s.db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// UpsertUser implements identity.Store. The insert and the conflict
// resolution happen in one statement, so concurrent calls for one email
// observe the same row.
func (s *Store) UpsertUser(ctx context.Context, email string) (string, error) {
	email, err := identity.NormalizeEmail(email)
	if err != nil {
		return "", err
	}

	var id string
	err = s.db.QueryRowContext(ctx, s.upsertQuery, uuid.NewString(), email, s.now().UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert user: %w", err)
	}
	return id, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func driverName(d Dialect) (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", d)
	}
}
