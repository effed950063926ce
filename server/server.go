// Package server wires the HTTP surface around the session core: routing,
// middleware, and lifecycle of the registry and the TTL reaper.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/motiveproxy/internal/metrics"
	"github.com/hrygo/motiveproxy/internal/profile"
	"github.com/hrygo/motiveproxy/server/router/anthropic"
	"github.com/hrygo/motiveproxy/server/router/openai"
	"github.com/hrygo/motiveproxy/session"
)

// Server owns the echo instance, the session registry, and the reaper.
type Server struct {
	Profile *profile.Profile

	echoServer *echo.Echo
	registry   *session.Registry
	reaper     *session.Reaper
	collector  *metrics.Collector

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewServer constructs the server: registry and reaper from the profile,
// middleware chain, and all routes.
func NewServer(_ context.Context, instanceProfile *profile.Profile) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	collector := metrics.NewCollector(metrics.DefaultConfig())
	registry := session.NewRegistry(
		instanceProfile.HandshakeTimeout,
		instanceProfile.TurnTimeout,
		instanceProfile.MaxSessions,
	)
	registry.SetGauge(collector.SessionsActive())

	reaper := session.NewReaper(registry, instanceProfile.SessionTTL, instanceProfile.CleanupInterval)
	reaper.OnReap = collector.RecordReaped

	s := &Server{
		Profile:    instanceProfile,
		echoServer: e,
		registry:   registry,
		reaper:     reaper,
		collector:  collector,
	}

	e.HTTPErrorHandler = s.errorHandler
	s.registerMiddleware(e)
	s.registerRoutes(e)

	return s, nil
}

// opsSkipper exempts liveness and metrics scraping from the security chain.
func opsSkipper(c echo.Context) bool {
	p := c.Request().URL.Path
	return p == "/health" || p == "/metrics"
}

func (s *Server) registerMiddleware(e *echo.Echo) {
	p := s.Profile

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			slog.LogAttrs(c.Request().Context(), level, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("correlation_id", v.RequestID),
			)
			return nil
		},
	}))
	e.Use(s.metricsMiddleware)
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimitWithConfig(middleware.BodyLimitConfig{
		Skipper: opsSkipper,
		Limit:   fmt.Sprintf("%dB", p.MaxPayloadSize),
	}))

	if p.RateLimitEnabled {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: opsSkipper,
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(p.RateLimitPerMinute) / 60.0),
				Burst:     p.RateLimitBurst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	if len(p.APIKeys) > 0 {
		validKeys := make(map[string]struct{}, len(p.APIKeys))
		for _, k := range p.APIKeys {
			validKeys[k] = struct{}{}
		}
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Skipper: opsSkipper,
			Validator: func(key string, _ echo.Context) (bool, error) {
				_, ok := validKeys[key]
				return ok, nil
			},
			ErrorHandler: func(_ error, _ echo.Context) error {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			},
		}))
	}
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.health)
	e.GET("/admin/sessions", s.adminSessions)
	e.GET("/metrics", echo.WrapHandler(s.collector.Handler()))

	v1 := e.Group("/v1")
	openai.NewHandler(s.registry, s.collector).Register(v1)
	anthropic.NewHandler(s.registry, s.collector).Register(v1)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// adminSessions returns the redacted registry snapshot.
func (s *Server) adminSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]session.Metadata{
		"sessions": s.registry.List(),
	})
}

// metricsMiddleware records per-route request counters and latency.
func (s *Server) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Commit the error response so the recorded status is final; the
			// outer handler skips committed responses.
			c.Error(err)
		}
		path := c.Path()
		if path == "" {
			path = c.Request().URL.Path
		}
		s.collector.RecordRequest(path, c.Response().Status, time.Since(start))
		return err
	}
}

// errorHandler renders every unhandled error in the OpenAI error shape so
// middleware rejections (body limit, rate limit, auth) look uniform on the
// wire.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
	}

	errType := "server_error"
	code := ""
	switch status {
	case http.StatusBadRequest, http.StatusNotFound,
		http.StatusMethodNotAllowed, http.StatusUnprocessableEntity:
		errType = "invalid_request_error"
	case http.StatusUnauthorized:
		errType, code = "security_error", "invalid_api_key"
	case http.StatusRequestEntityTooLarge:
		errType, code = "security_error", "payload_too_large"
	case http.StatusTooManyRequests:
		errType, code = "security_error", "rate_limit_exceeded"
	case http.StatusRequestTimeout:
		errType, code = "timeout_error", "timeout"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"error", err,
			"correlation_id", c.Response().Header().Get(echo.HeaderXRequestID),
			"uri", c.Request().RequestURI,
		)
	}

	if jsonErr := c.JSON(status, openai.ErrorResponse{Error: openai.ErrorDetails{
		Message: message,
		Type:    errType,
		Code:    code,
	}}); jsonErr != nil {
		slog.Error("failed to write error response", "error", jsonErr)
	}
}

// Start launches the reaper and the HTTP listener. It returns immediately;
// listen failures are logged by the serving goroutine.
func (s *Server) Start(ctx context.Context) error {
	reaperCtx, cancel := context.WithCancel(ctx)
	s.reaperCancel = cancel
	s.reaperDone = make(chan struct{})
	go func() {
		defer close(s.reaperDone)
		s.reaper.Run(reaperCtx)
	}()

	addr := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
		}
	}()
	slog.Info("motiveproxy serving", "addr", addr, "mode", s.Profile.Mode)
	return nil
}

// Shutdown stops the reaper, fails any still-suspended waiters so in-flight
// handlers drain deterministically, and closes the listener.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.reaperCancel != nil {
		s.reaperCancel()
	}
	s.registry.Shutdown()
	if err := s.echoServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown server gracefully", "error", err)
	}
	if s.reaperDone != nil {
		<-s.reaperDone
	}
	slog.Info("motiveproxy stopped")
}

// Echo exposes the underlying echo instance for in-process tests.
func (s *Server) Echo() *echo.Echo {
	return s.echoServer
}

// Registry exposes the session registry for in-process tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}
