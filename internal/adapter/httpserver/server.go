// Package httpserver exposes the gateway over HTTP with echo: the pairing pages, the
// send and logout API, the status stream and the operational endpoints.
package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/adapter/metrics"
	"github.com/codesabhinav/whatsapp-me/internal/adapter/websocket"
	"github.com/codesabhinav/whatsapp-me/internal/app"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/codesabhinav/whatsapp-me/internal/platform/config"
	"github.com/codesabhinav/whatsapp-me/web"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

type appService interface {
	Register(ctx context.Context, userID string) (domain.Session, error)
	Status(ctx context.Context, userID string) (domain.SessionStatus, error)
	Send(ctx context.Context, userID string, req app.SendRequest) (*app.SendResponse, error)
	Logout(ctx context.Context, userID string) error
}

type qrRenderer interface {
	DataURL(ctx context.Context, payload string) (string, error)
}

type statusStream interface {
	Serve(userID string, conn *ws.Conn) error
}

// Deps bundles the optional collaborators of the server.
type Deps struct {
	Stream         statusStream
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler
	HealthChecks   []HealthCheck
	Clock          clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app      appService
	renderer qrRenderer
	stream   statusStream
	upgrader ws.Upgrader

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler

	templates    *template.Template
	healthChecks []HealthCheck
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg *config.Config, app appService, renderer qrRenderer, deps Deps) (*Server, error) {
	templates, err := template.ParseFS(web.TemplateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:           e,
		config:         cfg,
		app:            app,
		renderer:       renderer,
		stream:         deps.Stream,
		upgrader:       newUpgrader(cfg),
		httpMetrics:    deps.HTTPMetrics,
		metricsHandler: deps.MetricsHandler,
		templates:      templates,
		healthChecks:   deps.HealthChecks,
		clock:          clock,
		startTime:      clock.Now(),
	}

	srv.registerRoutes()

	return srv, nil
}

func newUpgrader(cfg *config.Config) ws.Upgrader {
	return ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     websocket.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
	}
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) renderTemplate(c echo.Context, name string, data any) error {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("Template execution failed", "path", c.Request().URL.Path, "error", err)
		if err := c.String(http.StatusInternalServerError, "Failed to render page"); err != nil {
			return fmt.Errorf("failed to send error response: %w", err)
		}
		return nil
	}
	if err := c.HTMLBlob(http.StatusOK, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send HTML response: %w", err)
	}
	return nil
}
