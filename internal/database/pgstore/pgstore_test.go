package pgstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
)

func TestWhereClause(t *testing.T) {
	tests := []struct {
		name   string
		filter database.CallLogListFilter
		where  string
		nargs  int
	}{
		{"empty", database.CallLogListFilter{}, "TRUE", 0},
		{"direction", database.CallLogListFilter{Direction: "incoming"}, "TRUE AND direction = $1", 1},
		{"both", database.CallLogListFilter{Direction: "outgoing", Search: "555"}, "TRUE AND direction = $1 AND number LIKE $2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := whereClause(tt.filter)
			if where != tt.where || len(args) != tt.nargs {
				t.Errorf("whereClause() = %q %v, want %q with %d args", where, args, tt.where, tt.nargs)
			}
		})
	}
}

// TestStore runs against a live server when FLOWPHONE_TEST_PG_DSN is set.
func TestStore(t *testing.T) {
	dsn := os.Getenv("FLOWPHONE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("FLOWPHONE_TEST_PG_DSN not set")
	}

	s, err := New(dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id := "test-" + uuid.NewString()
	started := time.Now().UTC().Truncate(time.Second)
	entry := &models.CallLog{
		RecordID:    id,
		Number:      "+15551234567",
		Direction:   "outgoing",
		StartedAt:   started,
		EndedAt:     started.Add(time.Minute),
		SimSlot:     -1,
		Disposition: "no_answer",
	}
	if err := s.Create(ctx, entry); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if entry.ID == 0 {
		t.Error("Create() did not set ID")
	}
	if err := s.Create(ctx, entry); err != nil {
		t.Fatalf("duplicate Create() error: %v", err)
	}

	got, err := s.GetByRecordID(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("GetByRecordID() = %v, %v", got, err)
	}
	if !got.StartedAt.Equal(started) || got.ConnectedAt != nil {
		t.Errorf("got = %+v", got)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM call_log WHERE record_id = $1`, id); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}
