// Package api exposes the attendance core over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"iattend/internal/attendance"
	"iattend/internal/session"
	"iattend/pkg/types"
)

// Attendance is the core facade the handlers call
type Attendance interface {
	SubmitAttendance(ctx context.Context, sessionID, studentID, code, clientIP, deviceInfo string) (*attendance.SubmitResult, error)
	OpenSession(ctx context.Context, caller types.Caller, courseID string, durationSeconds int) (*types.Session, error)
	EndSession(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error)
	CancelSession(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error)
	ManualOverride(ctx context.Context, caller types.Caller, sessionID, studentID string) (*types.AttendanceEntry, error)
	ActiveSessions(ctx context.Context, courseID string) ([]*types.Session, error)
	Detail(ctx context.Context, sessionID string) (*attendance.Detail, error)
	Entries(ctx context.Context, caller types.Caller, sessionID string) ([]*types.AttendanceEntry, error)
	Attempts(ctx context.Context, caller types.Caller, sessionID string) ([]*types.InvalidAttempt, error)
	OwnedSession(ctx context.Context, caller types.Caller, sessionID string) (*types.Session, error)
}

// Engagement is the read side of gamification
type Engagement interface {
	Engagement(ctx context.Context, studentID string) (*types.EngagementState, error)
	Badges(ctx context.Context, studentID string) ([]*types.BadgeAward, error)
	Catalog(ctx context.Context) ([]*types.Badge, error)
}

// Notifications is the notification center
type Notifications interface {
	List(ctx context.Context, userID string, limit int) ([]*types.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	Count(channel string) int
	GetStats() map[string]int
}

// Realtime serves the websocket endpoints
type Realtime interface {
	HandleSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params)
	HandleNotifications(w http.ResponseWriter, r *http.Request, ps httprouter.Params)
}

// HealthChecker verifies the store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider reports component statistics for /health
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// CallerResolver identifies the user behind a request
type CallerResolver interface {
	Resolve(r *http.Request) (types.Caller, error)
}

// Deps wires the server
type Deps struct {
	Attendance    Attendance
	Engagement    Engagement
	Notifications Notifications
	Registry      Registry
	Realtime      Realtime
	Health        HealthChecker
	Stats         map[string]StatsProvider
	Callers       CallerResolver
	SubmitLimiter *RateLimiter
	Logger        *zap.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	attendance    Attendance
	engagement    Engagement
	notifications Notifications
	registry      Registry
	realtime      Realtime
	health        HealthChecker
	stats         map[string]StatsProvider
	callers       CallerResolver
	limiter       *RateLimiter
	validator     *requestValidator
	router        *httprouter.Router
	started       time.Time
	logger        *zap.Logger
}

// authedHandle is an httprouter handle that runs after the caller is resolved
type authedHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, caller types.Caller)

// NewServer creates the API server and its routes
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.SubmitLimiter == nil {
		deps.SubmitLimiter = NewRateLimiter(DefaultSubmitLimit, DefaultSubmitWindow)
	}
	s := &Server{
		attendance:    deps.Attendance,
		engagement:    deps.Engagement,
		notifications: deps.Notifications,
		registry:      deps.Registry,
		realtime:      deps.Realtime,
		health:        deps.Health,
		stats:         deps.Stats,
		callers:       deps.Callers,
		limiter:       deps.SubmitLimiter,
		validator:     newRequestValidator(),
		router:        httprouter.New(),
		started:       time.Now(),
		logger:        deps.Logger.Named("api"),
	}

	s.setupRoutes()
	return s
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions; CORS preflight is
// answered globally by the router
func (s *Server) setupRoutes() {
	r := s.router
	r.HandleOPTIONS = true
	r.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		setCORSHeaders(w)
		w.WriteHeader(http.StatusOK)
	})
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "Route not found", http.StatusNotFound)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	r.GET("/health", s.plain(s.healthCheck))

	r.POST("/api/sessions", s.authed(s.createSession))
	r.GET("/api/sessions", s.authed(s.listSessions))
	r.GET("/api/sessions/:id", s.authed(s.getSession))
	r.POST("/api/sessions/:id/end", s.authed(s.endSession))
	r.POST("/api/sessions/:id/cancel", s.authed(s.cancelSession))
	r.POST("/api/sessions/:id/submit", s.authed(s.submitAttendance))
	r.POST("/api/sessions/:id/override", s.authed(s.overrideAttendance))
	r.GET("/api/sessions/:id/entries", s.authed(s.listEntries))
	r.GET("/api/sessions/:id/attempts", s.authed(s.listAttempts))
	r.GET("/api/sessions/:id/qr", s.authed(s.handleSessionQR))

	r.GET("/api/students/:id/engagement", s.authed(s.getEngagement))
	r.GET("/api/badges", s.authed(s.listBadges))

	r.GET("/api/notifications", s.authed(s.listNotifications))
	r.GET("/api/notifications/unread-count", s.authed(s.unreadCount))
	// TECHNICAL DISCOVERY: httprouter rejects a static segment next to a wildcard,
	// so read-all is matched as an :id and checked in the handler
	r.POST("/api/notifications/:id", s.authed(s.markAllRead))
	r.POST("/api/notifications/:id/read", s.authed(s.markRead))

	if s.realtime != nil {
		r.GET("/ws/sessions/:id", s.realtime.HandleSession)
		r.GET("/ws/notifications", s.realtime.HandleNotifications)
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CleanupRateLimits drops idle rate-limit state
func (s *Server) CleanupRateLimits() int {
	return s.limiter.Cleanup()
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string                            `json:"status"`
	Timestamp   time.Time                         `json:"timestamp"`
	Uptime      string                            `json:"uptime"`
	Database    string                            `json:"database"`
	Connections map[string]int                    `json:"connections"`
	Components  map[string]map[string]interface{} `json:"components,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	resp := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  dbStatus,
	}
	if s.registry != nil {
		resp.Connections = s.registry.GetStats()
	}
	if len(s.stats) > 0 {
		resp.Components = make(map[string]map[string]interface{}, len(s.stats))
		for name, p := range s.stats {
			resp.Components[name] = p.GetStats()
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// plain applies the CORS and JSON headers
func (s *Server) plain(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		setCORSHeaders(w)
		w.Header().Set("Content-Type", "application/json")
		next(w, r, ps)
	}
}

// authed resolves the caller before running next
func (s *Server) authed(next authedHandle) httprouter.Handle {
	return s.plain(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		caller, err := s.callers.Resolve(r)
		if err != nil {
			s.sendError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r, ps, caller)
	})
}

// ARCHITECTURAL DISCOVERY: CORS headers enable web client access
// Allows all origins; deployments behind a gateway restrict this upstream
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-User-Role")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if fields := s.validator.Struct(dst); fields != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(ErrorResponse{
			Error:   http.StatusText(http.StatusBadRequest),
			Code:    http.StatusBadRequest,
			Message: "Validation failed",
			Fields:  fields,
		})
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// sendDomainError maps core errors onto status codes
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		s.sendError(w, "Internal error", code)
		return
	}
	s.sendError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrUnknownSession),
		errors.Is(err, types.ErrUnknownCourse),
		errors.Is(err, types.ErrNotificationMissing):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnknownStudent),
		errors.Is(err, types.ErrUnknownUser),
		errors.Is(err, types.ErrInvalidDuration),
		errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrNotEnrolled):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrSessionCancelled),
		errors.Is(err, session.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, types.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientIP prefers the first X-Forwarded-For hop
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
