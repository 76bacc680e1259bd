package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/flowphone/internal/call"
)

type placeCallRequest struct {
	Number string `json:"number"`
	// SimSlot selects the outgoing account; omitted means the default.
	SimSlot *int `json:"sim_slot,omitempty"`
}

type placeCallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rejectCallRequest struct {
	WithMessage bool   `json:"with_message"`
	Text        string `json:"text"`
}

type routeRequest struct {
	Route string `json:"route"`
}

type dtmfRequest struct {
	Digit string `json:"digit"`
}

// handleGetCall returns the controller's current snapshot.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// handlePlaceCall dials a number. Placement failures carry the controller's
// error code so clients can tell a denied permission from a bad number.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateDialString("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	slot := call.DefaultSimSlot
	if req.SimSlot != nil {
		if *req.SimSlot < 0 {
			writeError(w, http.StatusBadRequest, "sim_slot must be a non-negative integer")
			return
		}
		slot = *req.SimSlot
	}

	if err := s.calls.PlaceCall(r.Context(), req.Number, slot); err != nil {
		s.writePlaceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.calls.Snapshot())
}

func (s *Server) writePlaceError(w http.ResponseWriter, err error) {
	var pe *call.PlaceError
	if !errors.As(err, &pe) {
		s.logger.Error("place call failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusConflict
	switch pe.Code {
	case call.CodePermissionDenied:
		status = http.StatusForbidden
	case call.CodeInvalidNumber:
		status = http.StatusUnprocessableEntity
	case call.CodeProviderUnavailable:
		status = http.StatusServiceUnavailable
	}

	writeEnvelope(w, status, envelope{
		Data:  placeCallError{Code: pe.Code.String(), Message: pe.Message},
		Error: pe.Error(),
	})
}

// writeOpResult answers a boolean controller operation. The controller
// already logged why a refused operation failed; clients get 409.
func (s *Server) writeOpResult(w http.ResponseWriter, op string, ok bool) {
	if !ok {
		writeError(w, http.StatusConflict, op+" not possible in the current call state")
		return
	}
	writeJSON(w, http.StatusAccepted, s.calls.Snapshot())
}

func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, "answer", s.calls.AnswerCall(r.Context()))
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, "end", s.calls.EndCall(r.Context()))
}

func (s *Server) handleToggleHold(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, "hold", s.calls.ToggleHold(r.Context()))
}

func (s *Server) handleToggleMute(w http.ResponseWriter, r *http.Request) {
	s.writeOpResult(w, "mute", s.calls.ToggleMute(r.Context()))
}

// handleRejectCall declines the ringing call. The body is optional.
func (s *Server) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	var req rejectCallRequest
	if msg := readOptionalJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("text", req.Text, maxRejectTextLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("text", req.Text); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Text != "" && !req.WithMessage {
		writeError(w, http.StatusBadRequest, "text requires with_message")
		return
	}

	s.writeOpResult(w, "reject", s.calls.RejectCall(r.Context(), req.WithMessage, req.Text))
}

func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	route, err := call.ParseRoute(req.Route)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeOpResult(w, "route", s.calls.SetAudioRoute(r.Context(), route))
}

func (s *Server) handleSendDtmf(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	digit, msg := validateDigit("digit", req.Digit)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	s.writeOpResult(w, "dtmf", s.calls.SendDtmf(r.Context(), digit))
}

// handleListSims returns the cached SIM inventory.
func (s *Server) handleListSims(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.SimAccounts())
}

// handleRefreshSims reloads the SIM inventory from the provider.
func (s *Server) handleRefreshSims(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.RefreshSimAccounts(r.Context()); err != nil {
		s.logger.Warn("sim inventory refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "sim inventory refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, s.calls.SimAccounts())
}
