// Package pgsource implements seq.Source over a PostgreSQL table of committed
// messages.
package pgsource

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/runstream/internal/seq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Default table layout created by Migrate.
const (
	DefaultTable        = "group_messages"
	DefaultStreamColumn = "group_id"
	DefaultSeqColumn    = "seq"
)

// Source reads the highest committed sequence with a single aggregate query.
type Source struct {
	db    *sql.DB
	query string
}

var _ seq.Source = (*Source)(nil)

// New returns a Source over table. Identifiers are quoted, so they are taken
// literally and never interpreted as SQL.
func New(db *sql.DB, table, streamColumn, seqColumn string) *Source {
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s WHERE %s = $1",
		pq.QuoteIdentifier(seqColumn),
		pq.QuoteIdentifier(table),
		pq.QuoteIdentifier(streamColumn),
	)
	return &Source{db: db, query: q}
}

// Open connects to databaseURL, configures the pool and returns a Source over
// the default table. Call Migrate separately to create it.
func Open(databaseURL string) (*Source, *sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, DefaultTable, DefaultStreamColumn, DefaultSeqColumn), db, nil
}

// MaxCommitted returns the highest seq stored for streamID, or 0 when none.
func (s *Source) MaxCommitted(ctx context.Context, streamID string) (int64, error) {
	var max int64
	if err := s.db.QueryRowContext(ctx, s.query, streamID).Scan(&max); err != nil {
		return 0, fmt.Errorf("query max seq for %s: %w", streamID, err)
	}
	return max, nil
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
