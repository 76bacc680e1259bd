package api

import (
	"errors"
	"net/http"

	"github.com/flowpbx/flowphone/internal/notify"
	"github.com/flowpbx/flowphone/internal/session"
)

type sessionActionRequest struct {
	Token string `json:"token"`
}

type sessionActionResponse struct {
	Action  notify.ActionName `json:"action"`
	OK      bool              `json:"ok"`
	Session session.Status    `json:"session"`
}

// handleGetSession returns the call session's status.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Status())
}

// handleSessionAction performs a notification action. The signed token is
// the only credential: it names the action and binds it to one session, so
// a stale notification cannot act on a later call.
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("token", req.Token, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	status := s.session.Status()
	if status.ID == "" || status.State == session.StateIdle || status.State == session.StateStopped {
		writeError(w, http.StatusConflict, "no active call session")
		return
	}

	action, err := s.actions.Verify(req.Token, status.ID)
	if err != nil {
		s.logger.Info("notification action rejected", "session_id", status.ID, "error", err)
		switch {
		case errors.Is(err, notify.ErrWrongSession):
			writeError(w, http.StatusConflict, "action belongs to another call session")
		case errors.Is(err, notify.ErrUnknownAction):
			writeError(w, http.StatusBadRequest, "unknown action")
		default:
			writeError(w, http.StatusUnauthorized, "invalid or expired action token")
		}
		return
	}

	ctx := r.Context()
	ok := true
	switch action {
	case notify.ActionAnswer:
		ok = s.session.Answer(ctx)
	case notify.ActionDecline:
		ok = s.session.Reject(ctx)
	case notify.ActionSilence:
		s.session.Silence()
	case notify.ActionEnd:
		ok = s.session.End(ctx)
	}

	s.logger.Info("notification action performed", "session_id", status.ID, "action", action, "ok", ok)

	code := http.StatusOK
	if !ok {
		code = http.StatusConflict
	}
	writeJSON(w, code, sessionActionResponse{
		Action:  action,
		OK:      ok,
		Session: s.session.Status(),
	})
}
