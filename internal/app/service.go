package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	apperrors "github.com/codesabhinav/whatsapp-me/internal/platform/errors"
)

const (
	maxUserIDLength       = 128
	defaultLogoutTimeout  = 30 * time.Second
	defaultDestroyTimeout = 10 * time.Second

	errSendBodyShape = "Request body must include: numbers (array) and message (string)"
)

// SessionRegistry is the subset of *session.Registry the service needs.
type SessionRegistry interface {
	GetOrCreate(ctx context.Context, userID string) (domain.Session, error)
	Get(ctx context.Context, userID string) (domain.Session, bool, error)
	Remove(ctx context.Context, userID string) (domain.Session, bool, error)
	Count(ctx context.Context) (int, error)
}

// SendRequest carries the decoded but unvalidated send body. Fields are untyped so the
// readiness check can run before shape validation.
type SendRequest struct {
	Numbers any `json:"numbers"`
	Message any `json:"message"`
}

type SendResponse struct {
	UserID  string              `json:"userId"`
	Results []domain.SendResult `json:"results"`
}

// Service is the application layer. It orchestrates all use cases.
type Service struct {
	sessions   SessionRegistry
	bindings   domain.DeviceBindingRepository
	dispatcher *Dispatcher

	logoutTimeout  time.Duration
	destroyTimeout time.Duration
}

// NewService creates the application service. bindings may be nil when device
// credentials are not persisted.
func NewService(sessions SessionRegistry, bindings domain.DeviceBindingRepository, dispatcher *Dispatcher) *Service {
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	return &Service{
		sessions:       sessions,
		bindings:       bindings,
		dispatcher:     dispatcher,
		logoutTimeout:  defaultLogoutTimeout,
		destroyTimeout: defaultDestroyTimeout,
	}
}

// Register returns the session for userID, creating it on first use. A failed session
// is rebuilt by the registry, so repeated calls are the retry path for the pairing flow.
func (s *Service) Register(ctx context.Context, userID string) (domain.Session, error) {
	if err := validateUserID(userID); err != nil {
		return domain.Session{}, err
	}

	session, err := s.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return domain.Session{}, apperrors.InternalError("failed to get or create session", err).WithField("user_id", userID)
	}
	return session, nil
}

func (s *Service) Status(ctx context.Context, userID string) (domain.SessionStatus, error) {
	session, ok, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return domain.SessionStatus{}, apperrors.InternalError("failed to look up session", err).WithField("user_id", userID)
	}
	if !ok {
		return domain.SessionStatus{}, notFound(userID)
	}
	return session.Status(), nil
}

// Send delivers req.Message to every number in req.Numbers through userID's session.
// Readiness is checked before the request shape, so an unknown user always yields
// an unavailable error.
func (s *Service) Send(ctx context.Context, userID string, req SendRequest) (*SendResponse, error) {
	session, ok, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, apperrors.InternalError("failed to look up session", err).WithField("user_id", userID)
	}
	if !ok || !session.IsReady() || session.Client == nil {
		return nil, apperrors.UnavailableError(fmt.Sprintf("Client not ready for %s", userID)).WithCause(domain.ErrSessionNotReady)
	}

	numbers, isList := req.Numbers.([]any)
	message, isString := req.Message.(string)
	if !isList || len(numbers) == 0 || !isString {
		return nil, apperrors.ValidationError(errSendBodyShape)
	}

	results := s.dispatcher.Dispatch(ctx, session.Client, numbers, message)

	sent := 0
	for _, r := range results {
		if r.Status == domain.SendStatusSent {
			sent++
		}
	}
	slog.InfoContext(ctx, "Messages dispatched", "user_id", userID, "destinations", len(results), "sent", sent)

	return &SendResponse{UserID: userID, Results: results}, nil
}

// Logout unlinks userID's device and forgets the session. The registry entry is removed
// whether or not the network logout succeeds; only the returned error differs.
func (s *Service) Logout(ctx context.Context, userID string) error {
	session, ok, err := s.sessions.Remove(ctx, userID)
	if err != nil {
		return apperrors.InternalError("failed to remove session", err).WithField("user_id", userID)
	}
	if !ok {
		return notFound(userID)
	}

	var logoutErr error
	if session.Client != nil {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.logoutTimeout)
		logoutErr = session.Client.Logout(logoutCtx)
		cancel()

		destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.destroyTimeout)
		if err := session.Client.Destroy(destroyCtx); err != nil {
			slog.WarnContext(ctx, "Failed to destroy automation client after logout", "user_id", userID, "error", err)
		}
		cancel()
	}

	if logoutErr != nil {
		slog.ErrorContext(ctx, "Logout failed", "user_id", userID, "session_id", session.ID, "error", logoutErr)
		return apperrors.InternalError("Logout failed", logoutErr).WithDetails(logoutErr.Error())
	}

	// The binding survives a failed logout so the still-linked device can be reused.
	if s.bindings != nil {
		if err := s.bindings.Delete(ctx, userID); err != nil {
			slog.WarnContext(ctx, "Failed to delete device binding", "user_id", userID, "error", err)
		}
	}

	slog.InfoContext(ctx, "Session logged out", "user_id", userID, "session_id", session.ID)
	return nil
}

// SessionCount reports how many sessions the registry holds.
func (s *Service) SessionCount(ctx context.Context) (int, error) {
	return s.sessions.Count(ctx)
}

func notFound(userID string) *apperrors.Error {
	return apperrors.NotFoundError(fmt.Sprintf("No session found for %s", userID)).WithCause(domain.ErrSessionNotFound)
}

// validateUserID guards keys that end up in log lines and redis channel names.
func validateUserID(userID string) error {
	if userID == "" {
		return apperrors.ValidationError("user id is required")
	}
	if len(userID) > maxUserIDLength {
		return apperrors.ValidationError(fmt.Sprintf("user id must be at most %d characters", maxUserIDLength))
	}
	for _, r := range userID {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return apperrors.ValidationError("user id contains invalid characters").WithField("user_id", userID)
		}
	}
	return nil
}
