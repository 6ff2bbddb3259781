package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator([]byte(strings.Repeat("a", 32)))
	require.NoError(t, err)
	return v
}

func TestMiddleware(t *testing.T) {
	v := newValidator(t)
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CallerID(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	strict := NewMiddleware(v, MiddlewareOptions{PublicPaths: []string{"/health"}})(inner)
	optional := NewMiddleware(v, MiddlewareOptions{Optional: true})(inner)

	valid, err := v.Issue("alice", []string{"requester"}, time.Hour)
	require.NoError(t, err)
	expired, err := v.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }).Issue("alice", nil, time.Hour)
	require.NoError(t, err)
	v.WithClock(time.Now)

	tests := []struct {
		name    string
		handler http.Handler
		path    string
		header  string
		code    int
		caller  string
	}{
		{"valid token", strict, "/v1/invoke/x", "Bearer " + valid, http.StatusOK, "alice"},
		{"public path", strict, "/health", "", http.StatusOK, ""},
		{"missing header", strict, "/v1/invoke/x", "", http.StatusUnauthorized, ""},
		{"wrong scheme", strict, "/v1/invoke/x", "Basic abc", http.StatusUnauthorized, ""},
		{"expired", strict, "/v1/invoke/x", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"garbage", strict, "/v1/invoke/x", "Bearer x.y.z", http.StatusUnauthorized, ""},
		{"optional anonymous", optional, "/v1/invoke/x", "", http.StatusOK, ""},
		{"optional still validates", optional, "/v1/invoke/x", "Bearer x.y.z", http.StatusUnauthorized, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			tc.handler.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
			assert.Equal(t, tc.caller, seen)
		})
	}
}

func TestValidate_RejectsOtherSecret(t *testing.T) {
	other, err := NewJWTValidator([]byte(strings.Repeat("b", 32)))
	require.NoError(t, err)
	tok, err := other.Issue("mallory", nil, time.Hour)
	require.NoError(t, err)

	_, err = newValidator(t).Validate(tok)
	assert.Error(t, err)
}

func TestNewJWTValidator_ShortSecret(t *testing.T) {
	_, err := NewJWTValidator([]byte("short"))
	assert.Error(t, err)
}

func TestPrincipal_HasRole(t *testing.T) {
	p := Principal{ID: "ops", Roles: []string{"operator"}}
	assert.True(t, p.HasRole("operator"))
	assert.False(t, p.HasRole("admin"))
}
