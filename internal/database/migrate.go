package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

// Dialect holds the SQL that differs between call log backends.
type Dialect struct {
	Name string

	// trackingTable creates schema_migrations if it does not exist.
	trackingTable string
	// bind renders the n-th (1-based) bind parameter.
	bind func(n int) string
}

var (
	SQLite = Dialect{
		Name: "sqlite",
		trackingTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		bind: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name: "postgres",
		trackingTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		bind: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// Migrate applies the .sql files under migrations/ in fsys that are not yet
// recorded in schema_migrations. Files run in name order, each in its own
// transaction; the file name without extension is the version. It returns
// the versions applied by this call.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS, d Dialect, logger *slog.Logger) ([]string, error) {
	if _, err := db.ExecContext(ctx, d.trackingTable); err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(files)

	var applied []string
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		if done[version] {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := applyMigration(ctx, db, d, version, string(body)); err != nil {
			return applied, err
		}
		logger.Info("applied migration", "dialect", d.Name, "version", version)
		applied = append(applied, version)
	}
	return applied, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, d Dialect, version, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	record := "INSERT INTO schema_migrations (version) VALUES (" + d.bind(1) + ")"
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

// SchemaVersion returns the newest applied migration, or "" for an empty
// database.
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	var v sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return v.String, nil
}
