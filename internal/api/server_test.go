package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iattend/internal/api"
	"iattend/internal/attendance"
	"iattend/internal/codegen"
	"iattend/internal/gamification"
	"iattend/internal/hub"
	"iattend/internal/notify"
	"iattend/internal/session"
	"iattend/internal/testutil"
	"iattend/internal/websocket"
	"iattend/pkg/types"
)

type testAPI struct {
	url   string
	class *testutil.Classroom
}

func newTestAPI(t *testing.T, limiter *api.RateLimiter) *testAPI {
	t.Helper()

	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "bio", 3)

	h := hub.NewHub(0, 0, nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	broadcaster := hub.NewBroadcaster(h, store, time.Now, nil)
	notifier := notify.NewRouter(store, broadcaster, time.Now, nil)
	engine, err := gamification.NewEngine(gamification.DefaultConfig(), store, time.Now, nil)
	require.NoError(t, err)
	codes, err := codegen.NewGenerator(codegen.DefaultConfig(), store)
	require.NoError(t, err)

	sessions := session.NewManager(session.DefaultConfig(), session.Deps{
		Store:     store,
		Codes:     codes,
		Publisher: broadcaster,
		Finalizer: session.NewPipeline(store, engine, time.Now),
		Events:    notifier,
	})
	t.Cleanup(sessions.Wait)

	validator := attendance.NewValidator(attendance.Deps{
		Sessions: sessions,
		Store:    store,
		Awarder:  engine,
		Updates:  broadcaster,
		Events:   notifier,
	})
	service := attendance.NewService(sessions, validator, store)

	auth := api.NewAuthenticator("", "")
	registry := websocket.NewRegistry(nil)

	server := api.NewServer(api.Deps{
		Attendance:    service,
		Engagement:    engine,
		Notifications: notifier,
		Registry:      registry,
		Realtime:      websocket.NewHandler(registry, h, service, auth, nil),
		Health:        store,
		Stats:         map[string]api.StatsProvider{"hub": h, "sessions": sessions},
		Callers:       auth,
		SubmitLimiter: limiter,
	})

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return &testAPI{url: srv.URL, class: class}
}

func (a *testAPI) student(i int) types.Caller {
	return types.NewCaller(a.class.StudentIDs[i], types.RoleStudent)
}

// do sends a JSON request as caller and decodes the response into out when given
func (a *testAPI) do(t *testing.T, method, path string, caller *types.Caller, body interface{}, out interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, a.url+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "api-test")
	if caller != nil {
		req.Header.Set("X-User-ID", caller.UserID)
		req.Header.Set("X-User-Role", string(caller.Role))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (a *testAPI) open(t *testing.T) *types.Session {
	t.Helper()
	teacher := a.class.Teacher()
	var s types.Session
	resp := a.do(t, http.MethodPost, "/api/sessions", &teacher,
		api.CreateSessionRequest{CourseID: a.class.CourseID, DurationSeconds: 120}, &s)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return &s
}

func TestAPI_SubmitHappyPath(t *testing.T) {
	a := newTestAPI(t, nil)
	teacher := a.class.Teacher()
	alice := a.student(0)

	s := a.open(t)
	assert.Len(t, s.Code, codegen.DefaultLength)
	assert.Equal(t, types.SessionActive, s.Status)

	// students can list sessions but never see the code
	var listed api.ListSessionsResponse
	resp := a.do(t, http.MethodGet, "/api/sessions?course_id="+a.class.CourseID, &alice, nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, listed.Sessions, 1)
	assert.Empty(t, listed.Sessions[0].Code)

	var result api.SubmitResponse
	resp = a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/submit", &alice, api.SubmitRequest{Code: "ZZZZZ"}, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, result.Accepted)
	assert.Equal(t, types.ReasonWrongCode, result.Reason)

	resp = a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/submit", &alice, api.SubmitRequest{Code: s.Code}, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Accepted)
	assert.NotEmpty(t, result.Message)

	a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/submit", &alice, api.SubmitRequest{Code: s.Code}, &result)
	assert.False(t, result.Accepted)
	assert.Equal(t, types.ReasonDuplicate, result.Reason)

	var detail api.SessionResponse
	resp = a.do(t, http.MethodGet, "/api/sessions/"+s.ID, &teacher, nil, &detail)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, detail.Present)
	assert.Equal(t, 3, detail.Enrolled)
	assert.Equal(t, s.Code, detail.Session.Code)

	var entries struct {
		Entries []*types.AttendanceEntry `json:"entries"`
	}
	a.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/entries", &teacher, nil, &entries)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, alice.UserID, entries.Entries[0].StudentID)
	assert.Equal(t, "api-test", entries.Entries[0].DeviceInfo)
	assert.NotEmpty(t, entries.Entries[0].ClientIP)

	var attempts struct {
		Attempts []*types.InvalidAttempt `json:"attempts"`
	}
	a.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/attempts", &teacher, nil, &attempts)
	require.Len(t, attempts.Attempts, 1)
	assert.Equal(t, types.ReasonWrongCode, attempts.Attempts[0].Reason)

	var engagement api.EngagementResponse
	resp = a.do(t, http.MethodGet, "/api/students/"+alice.UserID+"/engagement", &alice, nil, &engagement)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 10, engagement.State.TotalPoints)
	assert.Equal(t, 1, engagement.State.StreakDays)
	require.Len(t, engagement.Badges, 1)
	assert.Equal(t, "first-timer", engagement.Badges[0].BadgeID)

	// session started, attendance marked, first badge
	var unread map[string]int
	a.do(t, http.MethodGet, "/api/notifications/unread-count", &alice, nil, &unread)
	assert.Equal(t, 3, unread["count"])

	var marked map[string]int
	resp = a.do(t, http.MethodPost, "/api/notifications/read-all", &alice, nil, &marked)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, marked["marked"])

	a.do(t, http.MethodGet, "/api/notifications/unread-count", &alice, nil, &unread)
	assert.Equal(t, 0, unread["count"])

	var ended types.Session
	resp = a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/end", &teacher, nil, &ended)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SessionEnded, ended.Status)

	resp = a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/end", &teacher, nil, &ended)
	require.Equal(t, http.StatusOK, resp.StatusCode, "ending twice is a no-op")
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := newTestAPI(t, nil)
	teacher := a.class.Teacher()
	alice := a.student(0)
	stranger := types.NewCaller("other_teacher", types.RoleTeacher)
	s := a.open(t)

	tests := []struct {
		name   string
		method string
		path   string
		caller *types.Caller
		body   interface{}
		status int
		field  string
	}{
		{"anonymous", http.MethodGet, "/api/sessions", nil, nil, http.StatusUnauthorized, ""},
		{"unknown session", http.MethodPost, "/api/sessions/nope/submit", &alice, api.SubmitRequest{Code: "AB12"}, http.StatusNotFound, ""},
		{"student opens session", http.MethodPost, "/api/sessions", &alice, api.CreateSessionRequest{CourseID: a.class.CourseID}, http.StatusForbidden, ""},
		{"missing course", http.MethodPost, "/api/sessions", &teacher, map[string]int{"duration_seconds": 10}, http.StatusBadRequest, "course_id"},
		{"duration too long", http.MethodPost, "/api/sessions", &teacher, api.CreateSessionRequest{CourseID: a.class.CourseID, DurationSeconds: 9999}, http.StatusBadRequest, ""},
		{"unknown course", http.MethodPost, "/api/sessions", &teacher, api.CreateSessionRequest{CourseID: "chem_course"}, http.StatusNotFound, ""},
		{"blank code", http.MethodPost, "/api/sessions/" + s.ID + "/submit", &alice, api.SubmitRequest{Code: "   "}, http.StatusBadRequest, "code"},
		{"teacher submits", http.MethodPost, "/api/sessions/" + s.ID + "/submit", &teacher, api.SubmitRequest{Code: s.Code}, http.StatusForbidden, ""},
		{"stranger ends", http.MethodPost, "/api/sessions/" + s.ID + "/end", &stranger, nil, http.StatusForbidden, ""},
		{"student reads audit", http.MethodGet, "/api/sessions/" + s.ID + "/attempts", &alice, nil, http.StatusForbidden, ""},
		{"override unknown student", http.MethodPost, "/api/sessions/" + s.ID + "/override", &teacher, api.OverrideRequest{StudentID: "ghost"}, http.StatusBadRequest, ""},
		{"other student's engagement", http.MethodGet, "/api/students/" + a.class.StudentIDs[1] + "/engagement", &alice, nil, http.StatusForbidden, ""},
		{"unknown notification", http.MethodPost, "/api/notifications/missing/read", &alice, nil, http.StatusNotFound, ""},
		{"bogus notification action", http.MethodPost, "/api/notifications/everything", &alice, nil, http.StatusNotFound, ""},
		{"bad limit", http.MethodGet, "/api/notifications?limit=-1", &alice, nil, http.StatusBadRequest, ""},
		{"unknown route", http.MethodGet, "/api/nothing", &alice, nil, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body api.ErrorResponse
			resp := a.do(t, tt.method, tt.path, tt.caller, tt.body, &body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.status, body.Code)
			assert.NotEmpty(t, body.Message)
			if tt.field != "" {
				assert.Contains(t, body.Fields, tt.field)
			}
		})
	}
}

func TestAPI_CancelThenEndConflicts(t *testing.T) {
	a := newTestAPI(t, nil)
	teacher := a.class.Teacher()
	s := a.open(t)

	var cancelled types.Session
	resp := a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/cancel", &teacher, nil, &cancelled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.SessionCancelled, cancelled.Status)

	var body api.ErrorResponse
	resp = a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/end", &teacher, nil, &body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ManualOverride(t *testing.T) {
	a := newTestAPI(t, nil)
	teacher := a.class.Teacher()
	s := a.open(t)

	var entry types.AttendanceEntry
	resp := a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/override", &teacher,
		api.OverrideRequest{StudentID: a.class.StudentIDs[2]}, &entry)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, entry.IsValid)
	assert.True(t, entry.ManuallyAdded)
	require.NotNil(t, entry.AddedBy)
	assert.Equal(t, teacher.UserID, *entry.AddedBy)
}

func TestAPI_SubmitRateLimit(t *testing.T) {
	a := newTestAPI(t, api.NewRateLimiter(2, time.Minute))
	s := a.open(t)
	alice, bob := a.student(0), a.student(1)

	for i := 0; i < 2; i++ {
		resp := a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/submit", &alice, api.SubmitRequest{Code: "NOPE"}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var body api.ErrorResponse
	resp := a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/submit", &alice, api.SubmitRequest{Code: s.Code}, &body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// limits are per student
	var result api.SubmitResponse
	resp = a.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/submit", &bob, api.SubmitRequest{Code: s.Code}, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, result.Accepted)
}

func TestAPI_SessionQR(t *testing.T) {
	a := newTestAPI(t, nil)
	teacher := a.class.Teacher()
	alice := a.student(0)
	s := a.open(t)

	resp := a.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/qr", &teacher, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	resp = a.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/qr", &alice, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_HealthAndBadges(t *testing.T) {
	a := newTestAPI(t, nil)
	alice := a.student(0)

	var health api.HealthResponse
	resp := a.do(t, http.MethodGet, "/health", nil, nil, &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Components, "hub")
	assert.Contains(t, health.Components, "sessions")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var catalog struct {
		Badges []*types.Badge `json:"badges"`
	}
	resp = a.do(t, http.MethodGet, "/api/badges", &alice, nil, &catalog)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, catalog.Badges, 5)
}

func TestAPI_Preflight(t *testing.T) {
	a := newTestAPI(t, nil)

	resp := a.do(t, http.MethodOptions, "/api/sessions", nil, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
