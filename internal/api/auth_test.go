package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iattend/pkg/types"
)

func TestAuthenticator_TokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator("s3cret", "iattend")
	require.False(t, auth.TrustsHeaders())

	token, err := auth.IssueToken("prof_1", types.RoleTeacher, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	caller, err := auth.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "prof_1", caller.UserID)
	assert.True(t, caller.Can(types.CapOpenSession))
	assert.False(t, caller.Can(types.CapSubmitAttendance))

	// websocket clients pass the token as a query parameter
	req = httptest.NewRequest(http.MethodGet, "/ws/notifications?token="+token, nil)
	caller, err = auth.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "prof_1", caller.UserID)
}

func TestAuthenticator_RejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator("s3cret", "iattend")

	expired := NewAuthenticator("s3cret", "iattend")
	expired.clock = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	oldToken, err := expired.IssueToken("stu_1", types.RoleStudent, time.Hour)
	require.NoError(t, err)

	forged, err := NewAuthenticator("other", "iattend").IssueToken("stu_1", types.RoleStudent, time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewAuthenticator("s3cret", "elsewhere").IssueToken("stu_1", types.RoleStudent, time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             types.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "root", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"expired":      "Bearer " + oldToken,
		"forged":       "Bearer " + forged,
		"wrong issuer": "Bearer " + wrongIssuer,
		"alg none":     "Bearer " + unsigned,
		"not bearer":   "Basic abc",
		"garbage":      "Bearer abc.def.ghi",
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", header)
			_, err := auth.Resolve(req)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = auth.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAuthenticator_HeaderMode(t *testing.T) {
	auth := NewAuthenticator("", "")
	require.True(t, auth.TrustsHeaders())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "stu_1")
	req.Header.Set("X-User-Role", "student")
	caller, err := auth.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, types.NewCaller("stu_1", types.RoleStudent), caller)

	caller, err = auth.Resolve(httptest.NewRequest(http.MethodGet, "/ws/notifications?user_id=root&role=admin", nil))
	require.NoError(t, err)
	assert.True(t, caller.Can(types.CapAdmin))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "stu_1")
	req.Header.Set("X-User-Role", "janitor")
	_, err = auth.Resolve(req)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "bad id!")
	req.Header.Set("X-User-Role", "student")
	_, err = auth.Resolve(req)
	assert.ErrorIs(t, err, types.ErrInvalidUserID)

	_, err = auth.IssueToken("stu_1", types.RoleStudent, time.Hour)
	assert.Error(t, err, "no secret, no tokens")
}
