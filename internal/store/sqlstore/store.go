package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/apperr"
	"github.com/pliu/chatty/internal/models"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

type SQLStore struct {
	db         *sqlx.DB
	driverName string
	logger     zerolog.Logger
}

type Option func(*SQLStore)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *SQLStore) {
		s.logger = logger.With().Str("component", "store").Logger()
	}
}

// New connects to the database and applies the embedded migrations for the
// driver. Supported drivers are "sqlite3" and "postgres".
func New(driverName, dataSourceName string, opts ...Option) (*SQLStore, error) {
	if driverName != DriverSQLite && driverName != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db, err := sqlx.Connect(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLStore{db: db, driverName: driverName, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if driverName == DriverSQLite {
		// One connection: SQLite serializes writers anyway, and an in-memory
		// database lives only as long as its connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("driver", driverName).Msg("database connected and migrations applied")
	return s, nil
}

func (s *SQLStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations/"+s.driverName)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	var driver migratedb.Driver
	switch s.driverName {
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	case DriverPostgres:
		driver, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, s.driverName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Unavailable("database unreachable", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Stats(ctx context.Context, now time.Time) (models.StoreStats, error) {
	var stats models.StoreStats
	query := s.rebind(`
		SELECT
			(SELECT COUNT(*) FROM accounts) AS accounts,
			(SELECT COUNT(*) FROM conversations) AS conversations,
			(SELECT COUNT(*) FROM messages) AS messages,
			(SELECT COUNT(*) FROM auth_codes WHERE used = FALSE AND expires_at > ?) AS active_codes
	`)
	if err := s.db.GetContext(ctx, &stats, query, ts(now)); err != nil {
		return stats, dbError("read store stats", err)
	}
	return stats, nil
}

// rebind converts ? placeholders to the driver's bind style.
func (s *SQLStore) rebind(query string) string {
	return s.db.Rebind(query)
}

// forUpdate is the row-lock suffix for SELECTs inside a transaction. SQLite
// has no row locks; its single writer connection already serializes.
func (s *SQLStore) forUpdate() string {
	if s.driverName == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic. Errors returned by fn are passed through unchanged.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Unavailable("failed to begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn().Err(rbErr).Msg("rollback failed")
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = apperr.Unavailable("failed to commit transaction", cErr)
		}
	}()

	return fn(tx)
}

// dbError maps sql.ErrNoRows to NOT_FOUND and everything else to UNAVAILABLE.
func dbError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.CodeNotFound, op+": not found", err)
	}
	return apperr.Unavailable(op+" failed", err)
}

// ts normalizes timestamps to what both backends store losslessly.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
