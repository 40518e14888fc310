// Package storage is the room directory: which rooms the user belongs to and
// the server's last message id for each, persisted in SQLite or Postgres.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite  = "sqlite"
	driverSQLite3 = "sqlite3"
	driverPgx     = "pgx"
)

type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	driverName, dsn, err := driverAndDSN(u, databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:     db,
		driver: driverName,
		logger: logger.With("component", "storage"),
	}

	if store.isSQLite() {
		// One connection keeps :memory: databases alive and serializes writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := store.Ready(initCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(initCtx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := applyMigrations(initCtx, db, driverName); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	store.logger.Info("room directory ready", "driver", driverName)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("db not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	if one != 1 {
		return fmt.Errorf("unexpected SELECT 1 result: %d", one)
	}
	return nil
}

func (s *Store) isSQLite() bool {
	return s.driver == driverSQLite || s.driver == driverSQLite3
}

// driverAndDSN maps a DATABASE_URL onto a registered database/sql driver.
// sqlite: uses the pure Go driver, sqlite3: the cgo one.
func driverAndDSN(u *url.URL, raw string) (driver string, dsn string, _ error) {
	switch strings.ToLower(u.Scheme) {
	case "sqlite":
		dsn, err := sqliteDSN(u, raw)
		if err != nil {
			return "", "", err
		}
		return driverSQLite, dsn, nil
	case "sqlite3":
		dsn, err := sqliteDSN(u, raw)
		if err != nil {
			return "", "", err
		}
		return driverSQLite3, dsn, nil
	case "postgres", "postgresql":
		return driverPgx, raw, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme %q (expected sqlite:, sqlite3: or postgres://)", u.Scheme)
	}
}

// sqliteDSN accepts sqlite:///abs/path.db, sqlite:rel/path.db and
// sqlite::memory:.
func sqliteDSN(u *url.URL, raw string) (string, error) {
	switch {
	case u.Opaque != "":
		return u.Opaque, nil
	case u.Path != "":
		return u.Path, nil
	default:
		return "", fmt.Errorf("invalid sqlite DATABASE_URL %q", raw)
	}
}

func RedactedDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}

	switch scheme := strings.ToLower(u.Scheme); scheme {
	case "sqlite", "sqlite3":
		if u.Opaque != "" {
			return scheme + ":" + u.Opaque
		}
		return scheme + "://" + u.Path
	case "postgres", "postgresql":
		redacted := *u
		if redacted.User != nil {
			redacted.User = url.UserPassword(redacted.User.Username(), "***")
		}
		return redacted.String()
	default:
		return "<unknown>"
	}
}
