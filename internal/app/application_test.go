package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"iattend/internal/app"
	"iattend/internal/config"
	"iattend/internal/testutil"
	"iattend/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.DatabasePath = filepath.Join(t.TempDir(), "app.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	return cfg
}

func request(t *testing.T, method, url string, caller types.Caller, body interface{}, out interface{}) int {
	t.Helper()

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(raw))
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

func TestApplication_RunServesAndShutsDown(t *testing.T) {
	application, err := app.NewApplication(context.Background(), testConfig(t), nil)
	require.NoError(t, err)

	class := testutil.NewClassroom(t, application.Store(), "app", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	select {
	case <-application.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("application did not start")
	}
	base := "http://" + application.Addr()

	var session types.Session
	status := request(t, http.MethodPost, base+"/api/sessions", class.Teacher(),
		map[string]interface{}{"course_id": class.CourseID, "duration_seconds": 60}, &session)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, session.Code)

	student := types.NewCaller(class.StudentIDs[0], types.RoleStudent)
	var result struct {
		Accepted bool `json:"accepted"`
	}
	status = request(t, http.MethodPost, base+"/api/sessions/"+session.ID+"/submit", student,
		map[string]string{"code": session.Code}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, result.Accepted)

	var health map[string]interface{}
	status = request(t, http.MethodGet, base+"/health", student, nil, &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health["status"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("application did not stop")
	}

	assert.Error(t, application.Store().HealthCheck(context.Background()), "store is closed after shutdown")
	assert.NoError(t, application.Stop(context.Background()), "stop is idempotent")
}

func TestApplication_StopClosesConnectionsThatNeverSpeak(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.ShutdownTimeout = 300 * time.Millisecond
	application, err := app.NewApplication(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	select {
	case <-application.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("application did not start")
	}

	// a client that connects and never sends a request keeps the connection
	// in the new state, which graceful shutdown waits on
	conn, err := net.Dial("tcp", application.Addr())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	time.Sleep(200 * time.Millisecond)

	started := time.Now()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "a drain deadline is not a failed stop")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Less(t, time.Since(started), 3*time.Second)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "the server closes the connection")
	} else {
		assert.Error(t, err)
	}
}

func TestApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Codegen.Length = 1

	_, err := app.NewApplication(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApplication_StartFailsOnBusyPort(t *testing.T) {
	first, err := app.NewApplication(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	cfg := testConfig(t)
	_, port, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	cfg.HTTP.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	second, err := app.NewApplication(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Stop(context.Background()) })

	assert.Error(t, second.Start(context.Background()))
}

func TestNewLogger(t *testing.T) {
	logger, err := app.NewLogger("production", "warn")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = app.NewLogger("development", "loud")
	assert.Error(t, err)
}
