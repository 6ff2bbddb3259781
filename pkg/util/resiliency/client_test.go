package resiliency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	c := NewClient("test", time.Second, WithHeader("X-Api-Key", "secret"))
	var out map[string]string
	require.NoError(t, c.PostJSON(context.Background(), srv.URL, "key-1", map[string]string{"msg": "hi"}, &out))
	assert.Equal(t, "hi", out["echo"])
}

func TestClient_ClassifiesStatus(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := NewClient("test", time.Second)
	err := c.PostJSON(context.Background(), srv.URL, "", struct{}{}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "nope", se.Body)
	assert.False(t, IsRetryable(err))

	status = http.StatusServiceUnavailable
	err = c.PostJSON(context.Background(), srv.URL, "", struct{}{}, nil)
	assert.True(t, IsRetryable(err))
}

func TestClient_TimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient("slow", 20*time.Millisecond)
	err := c.PostJSON(context.Background(), srv.URL, "", struct{}{}, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("dep", 2, time.Second)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.Failure()
	assert.True(t, cb.Allow())
	cb.Failure()
	assert.True(t, cb.Open())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow(), "half-open probe")
	assert.False(t, cb.Allow(), "only one probe")
	cb.Success()
	assert.True(t, cb.Allow())
	assert.False(t, cb.Open())
}

func TestClient_OpenBreakerShortCircuits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("flaky", time.Second, WithBreaker(NewCircuitBreaker("flaky", 1, time.Hour)))
	_ = c.PostJSON(context.Background(), srv.URL, "", struct{}{}, nil)
	err := c.PostJSON(context.Background(), srv.URL, "", struct{}{}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, calls)
}
