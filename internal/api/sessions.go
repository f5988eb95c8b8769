package api

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"iattend/pkg/types"
)

// SessionResponse is a session with live counters
type SessionResponse struct {
	Session         *types.Session `json:"session"`
	Present         int            `json:"present"`
	Enrolled        int            `json:"enrolled"`
	ConnectionCount int            `json:"connection_count"`
}

// ListSessionsResponse lists active sessions
type ListSessionsResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

// SubmitResponse is what a student sees after a claim
type SubmitResponse struct {
	Accepted bool               `json:"accepted"`
	Message  string             `json:"message"`
	Reason   types.RejectReason `json:"reason,omitempty"`
}

// visibleSession hides the code from callers who do not manage the session
// FUNCTIONAL DISCOVERY: Students learn the code from the room, never from the API
func visibleSession(caller types.Caller, s *types.Session) *types.Session {
	if s == nil || caller.CanManage(s) {
		return s
	}
	view := *s
	view.Code = ""
	return &view
}

// FUNCTIONAL DISCOVERY: POST /api/sessions - Open a session with a fresh code
func (s *Server) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller types.Caller) {
	var req CreateSessionRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.attendance.OpenSession(r.Context(), caller, req.CourseID, req.DurationSeconds)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, session)
}

// FUNCTIONAL DISCOVERY: GET /api/sessions - List active sessions, optionally for one course
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller types.Caller) {
	sessions, err := s.attendance.ActiveSessions(r.Context(), r.URL.Query().Get("course_id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	out := make([]*types.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, visibleSession(caller, sess))
	}
	s.sendJSON(w, http.StatusOK, ListSessionsResponse{Sessions: out})
}

// FUNCTIONAL DISCOVERY: GET /api/sessions/:id - Session detail with present count and watchers
func (s *Server) getSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	sessionID := ps.ByName("id")
	detail, err := s.attendance.Detail(r.Context(), sessionID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	resp := SessionResponse{
		Session:  visibleSession(caller, detail.Session),
		Present:  detail.Present,
		Enrolled: detail.Enrolled,
	}
	if s.registry != nil {
		resp.ConnectionCount = s.registry.Count(types.SessionChannel(sessionID))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// FUNCTIONAL DISCOVERY: POST /api/sessions/:id/end - End now and finalize; repeat calls return the ended session
func (s *Server) endSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	session, err := s.attendance.EndSession(r.Context(), caller, ps.ByName("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, session)
}

// POST /api/sessions/:id/cancel
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	session, err := s.attendance.CancelSession(r.Context(), caller, ps.ByName("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, session)
}

// FUNCTIONAL DISCOVERY: POST /api/sessions/:id/submit - Rejections are business outcomes and answer 200
func (s *Server) submitAttendance(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	if !caller.Can(types.CapSubmitAttendance) {
		s.sendDomainError(w, types.ErrForbidden)
		return
	}
	if !s.limiter.Allow(caller.UserID) {
		s.sendError(w, "Too many submissions, slow down", http.StatusTooManyRequests)
		return
	}

	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}

	sessionID := ps.ByName("id")
	result, err := s.attendance.SubmitAttendance(r.Context(), sessionID, caller.UserID, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.logger.Debug("claim processed",
		zap.String("session_id", sessionID),
		zap.String("student_id", caller.UserID),
		zap.Bool("accepted", result.Accepted),
		zap.String("reason", string(result.Reason)))

	s.sendJSON(w, http.StatusOK, SubmitResponse{
		Accepted: result.Accepted,
		Message:  result.Message,
		Reason:   result.Reason,
	})
}

// POST /api/sessions/:id/override
func (s *Server) overrideAttendance(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	var req OverrideRequest
	if !s.decode(w, r, &req) {
		return
	}

	entry, err := s.attendance.ManualOverride(r.Context(), caller, ps.ByName("id"), req.StudentID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

// GET /api/sessions/:id/entries
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	entries, err := s.attendance.Entries(r.Context(), caller, ps.ByName("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []*types.AttendanceEntry{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GET /api/sessions/:id/attempts
func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	attempts, err := s.attendance.Attempts(r.Context(), caller, ps.ByName("id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*types.InvalidAttempt{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}
