package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// applyMigrations adds the columns introduced after the first rooms schema.
func applyMigrations(ctx context.Context, db *sql.DB, driver string) error {
	columns := []struct{ table, column, definition string }{
		{"rooms", "avatar", "TEXT NOT NULL DEFAULT ''"},
		{"rooms", "pinned", "INTEGER NOT NULL DEFAULT 0"},
		{"rooms", "pin_time_ms", "BIGINT NOT NULL DEFAULT 0"},
	}
	for _, c := range columns {
		if err := ensureColumn(ctx, db, driver, c.table, c.column, c.definition); err != nil {
			return fmt.Errorf("%s.%s: %w", c.table, c.column, err)
		}
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_rooms_pinned_pin_time_ms ON rooms(pinned, pin_time_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, driver, table, column, definition string) error {
	if !isSafeIdentifier(table) || !isSafeIdentifier(column) {
		return fmt.Errorf("unsafe identifier: table=%q column=%q", table, column)
	}

	exists, err := columnExists(ctx, db, driver, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, definition)
	if driver == driverPgx {
		stmt = fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;", table, column, definition)
	}
	_, err = db.ExecContext(ctx, stmt)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, driver, table, column string) (bool, error) {
	switch driver {
	case driverSQLite, driverSQLite3:
		return columnExistsSQLite(ctx, db, table, column)
	default:
		return columnExistsPostgres(ctx, db, table, column)
	}
}

func columnExistsSQLite(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func columnExistsPostgres(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	const q = `SELECT 1
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		AND table_name = $1
		AND column_name = $2;`
	var one int
	if err := db.QueryRowContext(ctx, q, table, column).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isSafeIdentifier(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
