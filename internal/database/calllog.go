package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/flowphone/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

const callLogColumns = `id, record_id, number, direction, started_at, connected_at,
	 ended_at, duration_ms, sim_slot, disposition`

// Create inserts a completed call. A second insert for the same record ID
// is ignored.
func (r *callLogRepo) Create(ctx context.Context, c *models.CallLog) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_log (record_id, number, direction, started_at, connected_at,
		 ended_at, duration_ms, sim_slot, disposition)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_id) DO NOTHING`,
		c.RecordID, c.Number, c.Direction, c.StartedAt.UTC(), nullTime(c.ConnectedAt),
		c.EndedAt.UTC(), c.DurationMs, c.SimSlot, c.Disposition,
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByRecordID returns the entry for a call record, or nil if absent.
func (r *callLogRepo) GetByRecordID(ctx context.Context, recordID string) (*models.CallLog, error) {
	var c models.CallLog
	err := r.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_log WHERE record_id = ?`, recordID,
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
func (r *callLogRepo) List(ctx context.Context, filter CallLogListFilter) ([]models.CallLog, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += " AND number LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_log WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + callLogColumns + ` FROM call_log WHERE ` + where +
		` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
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

// CountByDirection returns the number of logged calls per direction.
func (r *callLogRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
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
func (r *callLogRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM call_log WHERE ended_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning call log: %w", err)
	}
	return result.RowsAffected()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
