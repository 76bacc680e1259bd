package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu      sync.Mutex
	entries []*models.CallLog
	err     error
	block   chan struct{}
}

func (m *memStore) Create(_ context.Context, c *models.CallLog) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, c)
	return nil
}

func (m *memStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func entry(id string) call.HistoryEntry {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	connected := start.Add(5 * time.Second)
	return call.HistoryEntry{
		ID:          id,
		Number:      "+15551234567",
		Direction:   call.DirectionIncoming,
		StartedAt:   start,
		ConnectedAt: &connected,
		EndedAt:     start.Add(65 * time.Second),
		Duration:    time.Minute,
		SimSlot:     call.DefaultSimSlot,
		Disposition: "answered",
	}
}

func TestWriter_WritesInOrder(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, testLogger())

	w.Record(entry("a"))
	w.Record(entry("b"))
	w.Close()

	if store.Len() != 2 {
		t.Fatalf("stored %d entries, want 2", store.Len())
	}
	if store.entries[0].RecordID != "a" || store.entries[1].RecordID != "b" {
		t.Errorf("order = %s,%s", store.entries[0].RecordID, store.entries[1].RecordID)
	}
	if written, failed, dropped := w.Stats(); written != 2 || failed != 0 || dropped != 0 {
		t.Errorf("stats = %d/%d/%d", written, failed, dropped)
	}
}

func TestWriter_RecordDoesNotBlock(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewWriter(store, testLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize+10; i++ {
			w.Record(entry("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled store")
	}

	close(store.block)
	w.Close()
	if _, _, dropped := w.Stats(); dropped == 0 {
		t.Error("expected dropped entries")
	}
}

func TestWriter_CountsFailures(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	w := NewWriter(store, testLogger())
	w.Record(entry("a"))
	w.Close()

	if _, failed, _ := w.Stats(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestWriter_SQLiteStore(t *testing.T) {
	db, err := database.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()
	repo := database.NewCallLogRepository(db)

	w := NewWriter(repo, testLogger())
	w.Record(entry("rec-1"))
	w.Close()

	got, err := repo.GetByRecordID(context.Background(), "rec-1")
	if err != nil || got == nil {
		t.Fatalf("GetByRecordID() = %v, %v", got, err)
	}
	if got.Duration() != time.Minute || got.Disposition != "answered" || got.Direction != "incoming" {
		t.Errorf("stored entry = %+v", got)
	}
}

type fakePruner struct {
	cutoff time.Time
	n      int64
}

func (p *fakePruner) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	p.cutoff = before
	return p.n, nil
}

func TestPrune(t *testing.T) {
	p := &fakePruner{n: 3}
	cutoff := time.Now().Add(-24 * time.Hour)
	prune(context.Background(), p, cutoff, testLogger())
	if !p.cutoff.Equal(cutoff) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, cutoff)
	}
}
