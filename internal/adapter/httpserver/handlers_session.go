package httpserver

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/app"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	apperrors "github.com/codesabhinav/whatsapp-me/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

const pendingRefreshSeconds = 3

func (s *Server) registerSessionRoutes(limiter echo.MiddlewareFunc) {
	s.echo.GET("/register/:userId", s.handleRegister, limiter)
	s.echo.POST("/send/:userId", s.handleSend, limiter)
	s.echo.GET("/logout/:userId", s.handleLogout)
	s.echo.GET("/status/:userId", s.handleStatus)
	s.echo.GET("/ws/:userId", s.handleStatusStream)
}

type registerPage struct {
	Title          string
	UserID         string
	QRCode         template.URL
	UpdatedAt      string
	LastError      string
	RefreshSeconds int
}

// handleRegister starts (or reuses) the caller's session and renders the page matching
// its readiness: a confirmation, the QR code to scan, a retry notice, or a failure.
func (s *Server) handleRegister(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("userId")

	session, err := s.app.Register(ctx, userID)
	if err != nil {
		return err
	}

	page := registerPage{
		Title:          "WhatsApp pairing for " + userID,
		UserID:         userID,
		UpdatedAt:      session.UpdatedAt.Format(time.RFC3339Nano),
		LastError:      session.LastError,
		RefreshSeconds: pendingRefreshSeconds,
	}

	switch {
	case session.IsReady():
		return s.renderTemplate(c, "ready.html", page)
	case session.NeedsPairing():
		qr, err := s.renderer.DataURL(ctx, session.PairingPayload)
		if err != nil {
			return apperrors.InternalError("failed to render QR code", err).WithField("user_id", userID)
		}
		page.QRCode = template.URL(qr) //nolint:gosec // renderer only emits data:image/png URLs
		return s.renderTemplate(c, "pairing.html", page)
	case session.Readiness == domain.ReadinessFailed:
		return s.renderTemplate(c, "failed.html", page)
	default:
		return s.renderTemplate(c, "pending.html", page)
	}
}

func (s *Server) handleSend(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("userId")

	// A malformed body is reported by shape validation, which runs after the
	// readiness check.
	var req app.SendRequest
	if err := c.Bind(&req); err != nil {
		slog.DebugContext(ctx, "Failed to decode send request", "user_id", userID, "error", err)
		req = app.SendRequest{}
	}

	resp, err := s.app.Send(ctx, userID, req)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLogout(c echo.Context) error {
	userID := c.Param("userId")

	if err := s.app.Logout(c.Request().Context(), userID); err != nil {
		return err
	}

	response := map[string]string{"status": "logged_out", "userId": userID}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.app.Status(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, status); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleStatusStream upgrades to a websocket and streams the user's status snapshots
// until the client goes away. The user does not need a session yet: the first snapshot
// arrives once one is registered.
func (s *Server) handleStatusStream(c echo.Context) error {
	if s.stream == nil {
		return apperrors.UnavailableError("status stream disabled")
	}
	userID := c.Param("userId")

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.DebugContext(c.Request().Context(), "Websocket upgrade failed", "user_id", userID, "error", err)
		return nil
	}

	if err := s.stream.Serve(userID, conn); err != nil {
		slog.WarnContext(c.Request().Context(), "Status stream rejected", "user_id", userID, "error", err)
	}
	return nil
}
