package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Pinger is anything with a connectivity check: the database, Redis, the graph driver.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Heartbeat reports whether background discovery is still sweeping.
type Heartbeat interface {
	Heartbeat() time.Time
	Healthy(maxAge time.Duration) bool
}

// Checker handles health check endpoints
type Checker struct {
	checks    map[string]Pinger
	discovery Heartbeat
	maxAge    time.Duration
	version   string
	startTime time.Time
	ready     atomic.Bool
}

// NewChecker creates a new health checker. discovery may be nil when background linking is
// disabled; otherwise readiness also requires a sweep within maxAge.
func NewChecker(checks map[string]Pinger, discovery Heartbeat, maxAge time.Duration, version string) *Checker {
	return &Checker{
		checks:    checks,
		discovery: discovery,
		maxAge:    maxAge,
		version:   version,
		startTime: time.Now(),
	}
}

// SetReady sets the readiness state
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// RegisterRoutes registers health check endpoints
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/v1/health", c.Health)
	e.GET("/api/v1/health/live", c.Live)
	e.GET("/api/v1/health/ready", c.Ready)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Uptime     string                  `json:"uptime"`
	Checks     map[string]*CheckResult `json:"checks"`
	ReportedAt time.Time               `json:"reported_at"`
}

// CheckResult represents an individual check result
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

func (c *Checker) run(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:     "healthy",
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     make(map[string]*CheckResult),
		ReportedAt: time.Now(),
	}

	for name, check := range c.checks {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check.Ping(pingCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = &CheckResult{
				Status:  "unhealthy",
				Message: err.Error(),
				Latency: time.Since(start).String(),
			}
			continue
		}
		status.Checks[name] = &CheckResult{
			Status:  "healthy",
			Latency: time.Since(start).String(),
		}
	}

	if c.discovery != nil {
		if c.discovery.Healthy(c.maxAge) {
			status.Checks["discovery"] = &CheckResult{Status: "healthy"}
		} else {
			status.Status = "unhealthy"
			result := &CheckResult{Status: "unhealthy", Message: "no discovery sweep yet"}
			if hb := c.discovery.Heartbeat(); !hb.IsZero() {
				result.Message = "last discovery sweep " + time.Since(hb).Round(time.Second).String() + " ago"
			}
			status.Checks["discovery"] = result
		}
	}

	return status
}

// Health returns the overall health status
func (c *Checker) Health(ctx echo.Context) error {
	status := c.run(ctx.Request().Context())

	httpStatus := http.StatusOK
	if status.Status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}

	return ctx.JSON(httpStatus, status)
}

// Live returns the liveness status (is the service running)
func (c *Checker) Live(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "alive"})
}

// Ready returns the readiness status: started, dependencies reachable and discovery sweeping.
func (c *Checker) Ready(ctx echo.Context) error {
	if !c.ready.Load() {
		return ctx.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	status := c.run(ctx.Request().Context())
	if status.Status == "unhealthy" {
		return ctx.JSON(http.StatusServiceUnavailable, status)
	}
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
