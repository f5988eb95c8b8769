package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iattend/internal/app"
	"iattend/internal/config"
	"iattend/pkg/types"
)

// server is a running application bound to a free local port
type server struct {
	app  *app.Application
	base string
	stop func()
}

// startServer runs the full application on dbPath until the test ends or stop is called
func startServer(t *testing.T, dbPath string) *server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.DatabasePath = dbPath
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.Sweeper.Enabled = false

	application, err := app.NewApplication(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	select {
	case <-application.Ready():
	case err := <-done:
		t.Fatalf("application exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("application did not start")
	}

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(20 * time.Second):
			t.Fatal("application did not stop")
		}
	}
	t.Cleanup(stop)

	return &server{app: application, base: "http://" + application.Addr(), stop: stop}
}

func tempDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "integration.db")
}

// call sends a JSON request in header identity mode and decodes the reply into out
func (s *server) call(t *testing.T, method, path string, caller types.Caller, body, out interface{}) int {
	t.Helper()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, s.base+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", caller.UserID)
	req.Header.Set("X-User-Role", string(caller.Role))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *server) open(t *testing.T, teacher types.Caller, courseID string, seconds int) *types.Session {
	t.Helper()
	var session types.Session
	status := s.call(t, http.MethodPost, "/api/sessions", teacher,
		map[string]interface{}{"course_id": courseID, "duration_seconds": seconds}, &session)
	require.Equal(t, http.StatusCreated, status)
	return &session
}

type submitReply struct {
	Accepted bool               `json:"accepted"`
	Reason   types.RejectReason `json:"reason"`
}

func (s *server) submit(t *testing.T, sessionID, studentID, code string) submitReply {
	t.Helper()
	var reply submitReply
	status := s.call(t, http.MethodPost, "/api/sessions/"+sessionID+"/submit",
		types.NewCaller(studentID, types.RoleStudent), map[string]string{"code": code}, &reply)
	require.Equal(t, http.StatusOK, status)
	return reply
}
