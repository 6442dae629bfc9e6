package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHeartbeat struct {
	at time.Time
}

func (f fakeHeartbeat) Heartbeat() time.Time { return f.at }

func (f fakeHeartbeat) Healthy(maxAge time.Duration) bool {
	return !f.at.IsZero() && time.Since(f.at) <= maxAge
}

func ok(context.Context) error { return nil }

func serve(t *testing.T, c *Checker, path string) (int, map[string]any) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		c := NewChecker(map[string]Pinger{"database": PingFunc(ok)}, fakeHeartbeat{at: time.Now()}, time.Minute, "test")
		code, body := serve(t, c, "/api/v1/health")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("failing dependency", func(t *testing.T) {
		c := NewChecker(map[string]Pinger{
			"database": PingFunc(ok),
			"redis":    PingFunc(func(context.Context) error { return errors.New("refused") }),
		}, nil, time.Minute, "test")
		code, body := serve(t, c, "/api/v1/health")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", body["status"])
	})

	t.Run("ready needs startup", func(t *testing.T) {
		c := NewChecker(nil, nil, time.Minute, "test")
		code, _ := serve(t, c, "/api/v1/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)

		c.SetReady(true)
		code, _ = serve(t, c, "/api/v1/health/ready")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("ready needs a fresh discovery sweep", func(t *testing.T) {
		c := NewChecker(nil, fakeHeartbeat{at: time.Now().Add(-time.Hour)}, time.Minute, "test")
		c.SetReady(true)
		code, _ := serve(t, c, "/api/v1/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("live", func(t *testing.T) {
		code, body := serve(t, NewChecker(nil, nil, 0, "test"), "/api/v1/health/live")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "alive", body["status"])
	})
}
