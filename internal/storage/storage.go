// Package storage is the Postgres-backed persistence layer for the
// §3 data model. It implements every collaborator interface the
// pipeline components declare (breaker.AlertSink,
// expertise.CacheStore/ActiveLookup, assignment.WorkloadLookup/
// LoopGuard, notify.UserLookup/ConfigStore, audit.DecisionStore) so a
// single *Store can be wired into all of them.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Store wraps a *sqlx.DB configured for the pgx stdlib driver.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn (spec §6's DATABASE_URL) using pgx's
// database/sql driver and wraps it with sqlx for struct scanning.
func Open(dsn string) (*Store, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// NewFromDB wraps an already-open *sqlx.DB, used by tests against
// sqlmock or an ephemeral database.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate runs every pending goose migration embedded under
// migrations/.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("storage: set dialect: %w", err)
	}
	return goose.UpContext(ctx, s.db.DB, "migrations")
}

// Ping probes connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
