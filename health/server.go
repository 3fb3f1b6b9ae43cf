// Package health serves liveness and readiness probes for a pipeline
// service.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/octabyte/fulltext-pipeline/connection"
	otelecho "github.com/octabyte/fulltext-pipeline/otel/echo"
	"github.com/octabyte/fulltext-pipeline/queue"
	"github.com/octabyte/fulltext-pipeline/utils/logger"
)

const (
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"

	checkTimeout = 5 * time.Second
)

// Check reports a problem with a dependency, or nil when it is usable.
type Check func(ctx context.Context) error

type Status struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Server struct {
	echo *echo.Echo
	addr string
}

// New builds a probe server for service. Nil checks always pass.
func New(service, addr string, live, ready Check) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(service))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Status >= http.StatusBadRequest {
				logger.LogWarn("Probe failed",
					zap.String("uri", v.URI),
					zap.Int("status", v.Status),
					zap.Error(v.Error),
				)
			}
			return nil
		},
	}))

	e.GET(LivenessPath, probe(live))
	e.GET(ReadinessPath, probe(ready))

	return &Server{echo: e, addr: addr}
}

func probe(check Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, Status{Status: "unavailable", Error: err.Error()})
			}
		}
		return c.JSON(http.StatusOK, Status{Status: "ok"})
	}
}

// Handler exposes the routes without binding a port.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logger.LogInfo("Health server listening", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// All passes when every check passes and reports the first failure.
func All(checks ...Check) Check {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ConnectionOpen is a liveness check on the broker connection.
func ConnectionOpen(conn *connection.Connection) Check {
	return func(context.Context) error {
		if !conn.IsOpen() {
			return fmt.Errorf("broker connection is %s", conn.State())
		}
		return nil
	}
}

// TopologyReady is a readiness check that every queue in params exists with
// its dead-letter wiring.
func TopologyReady(conn *connection.Connection, params ...queue.Params) Check {
	return func(context.Context) error {
		for _, p := range params {
			if !queue.Probe(conn, p) {
				return fmt.Errorf("queue %s is not ready", p.QueueName)
			}
		}
		return nil
	}
}
