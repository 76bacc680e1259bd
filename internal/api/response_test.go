package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/session"
)

func decodeRaw(t *testing.T, rr *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return raw
}

func TestWriteJSON_CallSnapshot(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, call.Snapshot{
		Seq:   7,
		State: call.StateRinging,
		Record: &call.CallRecord{
			ID:        "rec-7",
			Number:    "+61400000000",
			Direction: call.DirectionIncoming,
			State:     call.StateRinging,
		},
	})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	raw := decodeRaw(t, rr)
	if _, ok := raw["error"]; ok {
		t.Errorf("success envelope carries error: %s", raw["error"])
	}

	var snap struct {
		Seq    uint64 `json:"seq"`
		State  string `json:"state"`
		Record struct {
			ID        string `json:"id"`
			Direction string `json:"direction"`
		} `json:"record"`
	}
	if err := json.Unmarshal(raw["data"], &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Seq != 7 || snap.State != "ringing" {
		t.Errorf("snapshot = %+v, want seq 7 ringing", snap)
	}
	if snap.Record.ID != "rec-7" || snap.Record.Direction != "incoming" {
		t.Errorf("record = %+v", snap.Record)
	}
}

func TestWriteJSON_SessionStatus(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		status     session.Status
		wantState  string
		wantSince  string
		sinceOmits bool
	}{
		{
			name: "ringing",
			status: session.Status{
				ID:     "sess-1",
				State:  session.StateRingingAlert,
				Intent: session.Intent{Direction: call.DirectionIncoming, Number: "+61400000000", RingingSince: since},
			},
			wantState: "ringing_alert",
			wantSince: "2026-03-01T09:00:00Z",
		},
		{
			name: "outgoing",
			status: session.Status{
				ID:     "sess-2",
				State:  session.StateLive,
				Intent: session.Intent{Direction: call.DirectionOutgoing, Number: "100"},
			},
			wantState:  "live",
			sinceOmits: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeJSON(rr, http.StatusOK, tt.status)

			var data struct {
				State  string                     `json:"state"`
				Intent map[string]json.RawMessage `json:"intent"`
			}
			if err := json.Unmarshal(decodeRaw(t, rr)["data"], &data); err != nil {
				t.Fatal(err)
			}
			if data.State != tt.wantState {
				t.Errorf("state = %q, want %q", data.State, tt.wantState)
			}
			got, ok := data.Intent["ringing_since"]
			if tt.sinceOmits {
				if ok {
					t.Errorf("ringing_since = %s, want omitted", got)
				}
				return
			}
			if string(got) != `"`+tt.wantSince+`"` {
				t.Errorf("ringing_since = %s, want %q", got, tt.wantSince)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusConflict, "no call to answer")

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	raw := decodeRaw(t, rr)
	if string(raw["data"]) != "null" {
		t.Errorf("data = %s, want null", raw["data"])
	}
	if string(raw["error"]) != `"no call to answer"` {
		t.Errorf("error = %s", raw["error"])
	}
}

func TestWriteEnvelope_ErrorWithDetail(t *testing.T) {
	// Rejected placements carry both a message and a typed code.
	rr := httptest.NewRecorder()
	writeEnvelope(rr, http.StatusServiceUnavailable, envelope{
		Data:  placeCallError{Code: "provider_unavailable", Message: "not registered"},
		Error: "provider_unavailable: not registered",
	})

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	raw := decodeRaw(t, rr)
	var detail placeCallError
	if err := json.Unmarshal(raw["data"], &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Code != "provider_unavailable" {
		t.Errorf("code = %q", detail.Code)
	}
	if !strings.Contains(string(raw["error"]), "not registered") {
		t.Errorf("error = %s", raw["error"])
	}
}

func placeRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/v1/call/place", strings.NewReader(body))
}

func TestReadJSON_PlaceCall(t *testing.T) {
	atCap := `{"number":"` + strings.Repeat("1", maxRequestBodySize-len(`{"number":""}`)) + `"}`
	overCap := `{"number":"` + strings.Repeat("1", maxRequestBodySize) + `"}`

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"number only", `{"number":"+61400000000"}`, ""},
		{"with sim slot", `{"number":"100","sim_slot":1}`, ""},
		{"exactly at size cap", atCap, ""},
		{"empty", "", "request body must not be empty"},
		{"malformed", `{"number":`, "malformed json"},
		{"not json", `number=100`, "malformed json"},
		{"unknown field", `{"number":"100","video":true}`, `unknown field "video"`},
		{"wrong type", `{"number":"100","sim_slot":"one"}`, "invalid value for field sim_slot"},
		{"two objects", `{"number":"1"}{"number":"2"}`, "request body must contain a single json object"},
		{"over size cap", overCap, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req placeCallRequest
			if got := readJSON(placeRequest(tt.body), &req); got != tt.wantMsg {
				t.Fatalf("readJSON() = %q, want %q", got, tt.wantMsg)
			}
		})
	}

	var req placeCallRequest
	if msg := readJSON(placeRequest(`{"number":"100","sim_slot":1}`), &req); msg != "" {
		t.Fatal(msg)
	}
	if req.Number != "100" || req.SimSlot == nil || *req.SimSlot != 1 {
		t.Errorf("decoded = %+v", req)
	}
}

func TestReadOptionalJSON_Reject(t *testing.T) {
	t.Run("no body", func(t *testing.T) {
		req := rejectCallRequest{Text: "unchanged"}
		r := httptest.NewRequest(http.MethodPost, "/api/v1/call/reject", nil)
		if msg := readOptionalJSON(r, &req); msg != "" {
			t.Fatalf("readOptionalJSON() = %q", msg)
		}
		if req.Text != "unchanged" || req.WithMessage {
			t.Errorf("request modified without a body: %+v", req)
		}
	})

	t.Run("chunked empty body", func(t *testing.T) {
		var req rejectCallRequest
		r := httptest.NewRequest(http.MethodPost, "/api/v1/call/reject", strings.NewReader(""))
		r.ContentLength = -1
		if msg := readOptionalJSON(r, &req); msg != "" {
			t.Fatalf("readOptionalJSON() = %q, want no error", msg)
		}
	})

	t.Run("message", func(t *testing.T) {
		var req rejectCallRequest
		r := httptest.NewRequest(http.MethodPost, "/api/v1/call/reject",
			strings.NewReader(`{"with_message":true,"text":"In a meeting"}`))
		if msg := readOptionalJSON(r, &req); msg != "" {
			t.Fatalf("readOptionalJSON() = %q", msg)
		}
		if !req.WithMessage || req.Text != "In a meeting" {
			t.Errorf("decoded = %+v", req)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		var req rejectCallRequest
		r := httptest.NewRequest(http.MethodPost, "/api/v1/call/reject", strings.NewReader(`{"with_message":`))
		if msg := readOptionalJSON(r, &req); msg != "malformed json" {
			t.Errorf("readOptionalJSON() = %q, want malformed json", msg)
		}
	})
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query   string
		want    pagination
		wantMsg string
	}{
		{"", pagination{Limit: defaultLimit}, ""},
		{"limit=5&offset=10", pagination{Limit: 5, Offset: 10}, ""},
		{"limit=500", pagination{Limit: maxLimit}, ""},
		{"offset=0", pagination{Limit: defaultLimit}, ""},
		{"limit=0", pagination{}, "limit must be a positive integer"},
		{"limit=-3", pagination{}, "limit must be a positive integer"},
		{"limit=ten", pagination{}, "limit must be a positive integer"},
		{"offset=-1", pagination{}, "offset must be a non-negative integer"},
		{"offset=x", pagination{}, "offset must be a non-negative integer"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/history?"+tt.query, nil)
			got, msg := parsePagination(r)
			if msg != tt.wantMsg {
				t.Fatalf("message = %q, want %q", msg, tt.wantMsg)
			}
			if msg == "" && got != tt.want {
				t.Errorf("pagination = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPaginatedResponse_HistoryPage(t *testing.T) {
	connected := time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)
	page := PaginatedResponse{
		Items: []historyEntry{{
			RecordID:    "rec-1",
			Number:      "+61400000000",
			Direction:   "incoming",
			StartedAt:   connected.Add(-10 * time.Second),
			ConnectedAt: &connected,
			EndedAt:     connected.Add(time.Minute),
			DurationMs:  60_000,
			SimSlot:     -1,
			Disposition: "answered",
		}},
		Total:  41,
		Limit:  1,
		Offset: 40,
	}

	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, page)

	var got struct {
		Items  []map[string]any `json:"items"`
		Total  int              `json:"total"`
		Limit  int              `json:"limit"`
		Offset int              `json:"offset"`
	}
	if err := json.Unmarshal(decodeRaw(t, rr)["data"], &got); err != nil {
		t.Fatal(err)
	}
	if got.Total != 41 || got.Limit != 1 || got.Offset != 40 || len(got.Items) != 1 {
		t.Fatalf("page = %+v", got)
	}
	item := got.Items[0]
	if item["record_id"] != "rec-1" || item["duration_ms"] != float64(60_000) {
		t.Errorf("item = %v", item)
	}
	if item["connected_at"] != "2026-03-01T09:00:10Z" {
		t.Errorf("connected_at = %v", item["connected_at"])
	}
}
