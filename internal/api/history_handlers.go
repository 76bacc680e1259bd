package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/models"
)

// historyEntry is the API representation of a call log row.
type historyEntry struct {
	ID          int64      `json:"id"`
	RecordID    string     `json:"record_id"`
	Number      string     `json:"number"`
	Direction   string     `json:"direction"`
	StartedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`
	DurationMs  int64      `json:"duration_ms"`
	SimSlot     int        `json:"sim_slot"`
	Disposition string     `json:"disposition"`
}

func toHistoryEntry(c models.CallLog) historyEntry {
	return historyEntry{
		ID:          c.ID,
		RecordID:    c.RecordID,
		Number:      c.Number,
		Direction:   c.Direction,
		StartedAt:   c.StartedAt,
		ConnectedAt: c.ConnectedAt,
		EndedAt:     c.EndedAt,
		DurationMs:  c.DurationMs,
		SimSlot:     c.SimSlot,
		Disposition: c.Disposition,
	}
}

// handleListHistory returns a page of the call log, newest first.
// Optional filters: direction (incoming|outgoing) and search (number
// substring).
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history is not available")
		return
	}

	page, msg := parsePagination(r)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	q := r.URL.Query()
	filter := database.CallLogListFilter{
		Direction: q.Get("direction"),
		Search:    q.Get("search"),
		Limit:     page.Limit,
		Offset:    page.Offset,
	}
	switch call.Direction(filter.Direction) {
	case "", call.DirectionIncoming, call.DirectionOutgoing:
	default:
		writeError(w, http.StatusBadRequest, "direction must be incoming or outgoing")
		return
	}
	if msg := validateStringLen("search", filter.Search, maxNumberLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rows, total, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing call history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call history")
		return
	}

	items := make([]historyEntry, len(rows))
	for i, row := range rows {
		items[i] = toHistoryEntry(row)
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// handleGetFallback returns the fallback listener's model of the phone.
func (s *Server) handleGetFallback(w http.ResponseWriter, r *http.Request) {
	if s.fallback == nil {
		writeError(w, http.StatusServiceUnavailable, "fallback listener is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.fallback.State())
}
