// Package pgstore keeps the call log in PostgreSQL for deployments that
// share one history across devices.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.CallLogRepository using PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ database.CallLogRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, logger: logger.With("subsystem", "pgstore")}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	applied, err := database.Migrate(ctx, db, migrationsFS, database.Postgres, s.logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating call log: %w", err)
	}
	version, err := database.SchemaVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("postgresql call log opened", "schema_version", version, "migrations_applied", len(applied))
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const columns = `id, record_id, number, direction, started_at, connected_at,
	 ended_at, duration_ms, sim_slot, disposition`

// Create inserts a completed call. A second insert for the same record ID
// is ignored.
func (s *Store) Create(ctx context.Context, c *models.CallLog) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO call_log (record_id, number, direction, started_at, connected_at,
		 ended_at, duration_ms, sim_slot, disposition)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (record_id) DO NOTHING
		 RETURNING id`,
		c.RecordID, c.Number, c.Direction, c.StartedAt, c.ConnectedAt,
		c.EndedAt, c.DurationMs, c.SimSlot, c.Disposition,
	).Scan(&c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}
	return nil
}

// GetByRecordID returns the entry for a call record, or nil if absent.
func (s *Store) GetByRecordID(ctx context.Context, recordID string) (*models.CallLog, error) {
	var c models.CallLog
	err := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM call_log WHERE record_id = $1`, recordID,
	).Scan(&c.ID, &c.RecordID, &c.Number, &c.Direction, &c.StartedAt, &c.ConnectedAt,
		&c.EndedAt, &c.DurationMs, &c.SimSlot, &c.Disposition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call log entry: %w", err)
	}
	return &c, nil
}

// List returns entries matching the filter, newest first, along with the
// total count.
func (s *Store) List(ctx context.Context, filter database.CallLogListFilter) ([]models.CallLog, int, error) {
	where, args := whereClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	n := len(args)
	query := `SELECT ` + columns + ` FROM call_log WHERE ` + where +
		` ORDER BY started_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call log: %w", err)
	}
	defer rows.Close()

	var entries []models.CallLog
	for rows.Next() {
		var c models.CallLog
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Number, &c.Direction, &c.StartedAt,
			&c.ConnectedAt, &c.EndedAt, &c.DurationMs, &c.SimSlot, &c.Disposition); err != nil {
			return nil, 0, fmt.Errorf("scanning call log row: %w", err)
		}
		entries = append(entries, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}
	return entries, total, nil
}

// whereClause builds a numbered-placeholder filter.
func whereClause(filter database.CallLogListFilter) (string, []any) {
	where := "TRUE"
	var args []any
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		where += " AND direction = $" + strconv.Itoa(len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += " AND number LIKE $" + strconv.Itoa(len(args))
	}
	return where, args
}

// CountByDirection returns the number of logged calls per direction.
func (s *Store) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT direction, COUNT(*) FROM call_log GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting calls by direction: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		counts[dir] = n
	}
	return counts, rows.Err()
}

// DeleteBefore removes entries that ended before the given time.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM call_log WHERE ended_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning call log: %w", err)
	}
	return result.RowsAffected()
}
