package api

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"iattend/pkg/types"
)

// EngagementResponse is a student's points, streak and badges
type EngagementResponse struct {
	State  *types.EngagementState `json:"state"`
	Badges []*types.BadgeAward    `json:"badges"`
}

// GET /api/students/:id/engagement - students see their own, staff see anyone's
func (s *Server) getEngagement(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	studentID := ps.ByName("id")
	if studentID != caller.UserID && !caller.Can(types.CapViewAudit) {
		s.sendDomainError(w, types.ErrForbidden)
		return
	}

	state, err := s.engagement.Engagement(r.Context(), studentID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	badges, err := s.engagement.Badges(r.Context(), studentID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	if badges == nil {
		badges = []*types.BadgeAward{}
	}
	s.sendJSON(w, http.StatusOK, EngagementResponse{State: state, Badges: badges})
}

// GET /api/badges
func (s *Server) listBadges(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ types.Caller) {
	badges, err := s.engagement.Catalog(r.Context())
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"badges": badges})
}

// GET /api/notifications?limit=
func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller types.Caller) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.notifications.List(r.Context(), caller.UserID, limit)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	if list == nil {
		list = []*types.Notification{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"notifications": list})
}

// GET /api/notifications/unread-count
func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request, _ httprouter.Params, caller types.Caller) {
	count, err := s.notifications.UnreadCount(r.Context(), caller.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"count": count})
}

// POST /api/notifications/:id/read
func (s *Server) markRead(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	if err := s.notifications.MarkRead(r.Context(), caller.UserID, ps.ByName("id")); err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /api/notifications/read-all
func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller) {
	if ps.ByName("id") != "read-all" {
		s.sendError(w, "Route not found", http.StatusNotFound)
		return
	}
	n, err := s.notifications.MarkAllRead(r.Context(), caller.UserID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"marked": n})
}
