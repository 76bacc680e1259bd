// Package history persists completed calls to the call log.
package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database/models"
)

const (
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

// Store is the call log the writer persists to.
type Store interface {
	Create(ctx context.Context, entry *models.CallLog) error
}

// Writer is a call.HistorySink that writes entries on its own goroutine.
// Record never blocks; entries that do not fit in the queue are dropped.
type Writer struct {
	store  Store
	logger *slog.Logger
	queue  chan call.HistoryEntry

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

var _ call.HistorySink = (*Writer)(nil)

// NewWriter creates a writer and starts its worker. Call Close to flush.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  store,
		logger: logger.With("subsystem", "call-history"),
		queue:  make(chan call.HistoryEntry, queueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Record queues entry for writing.
func (w *Writer) Record(entry call.HistoryEntry) {
	select {
	case w.queue <- entry:
	default:
		w.dropped.Add(1)
		w.logger.Warn("history queue full, dropping entry", "record_id", entry.ID)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.store.Create(ctx, ToCallLog(entry))
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("writing call log entry failed", "record_id", entry.ID, "error", err)
			continue
		}
		w.written.Add(1)
		w.logger.Debug("call log entry written", "record_id", entry.ID, "disposition", entry.Disposition)
	}
}

// Close stops accepting entries and waits for queued ones to be written.
// Record must not be called after Close.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
}

// Stats returns written, failed and dropped counts.
func (w *Writer) Stats() (written, failed, dropped uint64) {
	return w.written.Load(), w.failed.Load(), w.dropped.Load()
}

// ToCallLog converts a terminal call snapshot to its stored form.
func ToCallLog(e call.HistoryEntry) *models.CallLog {
	c := &models.CallLog{
		RecordID:    e.ID,
		Number:      e.Number,
		Direction:   string(e.Direction),
		StartedAt:   e.StartedAt,
		EndedAt:     e.EndedAt,
		DurationMs:  e.Duration.Milliseconds(),
		SimSlot:     e.SimSlot,
		Disposition: e.Disposition,
	}
	if e.ConnectedAt != nil {
		at := *e.ConnectedAt
		c.ConnectedAt = &at
	}
	return c
}
