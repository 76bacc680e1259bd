// Package database keeps the completed-call log. The default backend is a
// SQLite file in the data directory; pgstore provides PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	fileName    = "flowphone.db"
	openTimeout = 30 * time.Second
)

// pragmas are applied to every connection. WAL lets the API read the log
// while the history writer appends to it.
var pragmas = []string{
	"journal_mode(wal)",
	"busy_timeout(5000)",
	"synchronous(normal)",
}

// DB is the local call log database.
type DB struct {
	*sql.DB
	path string
}

// Open creates or opens the call log in dataDir and brings its schema up
// to date.
func Open(dataDir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "database")

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, fileName)

	sqlDB, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening call log: %w", err)
	}
	// SQLite has a single writer.
	sqlDB.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging call log: %w", err)
	}

	applied, err := Migrate(ctx, sqlDB, migrationsFS, SQLite, logger)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating call log: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("call log opened", "path", path, "schema_version", version, "migrations_applied", len(applied))
	return db, nil
}

func sqliteDSN(path string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// SchemaVersion returns the newest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	return SchemaVersion(ctx, db.DB)
}
