package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codesabhinav/whatsapp-me/internal/app"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/codesabhinav/whatsapp-me/internal/platform/config"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockAppService struct {
	registerFn func(ctx context.Context, userID string) (domain.Session, error)
	statusFn   func(ctx context.Context, userID string) (domain.SessionStatus, error)
	sendFn     func(ctx context.Context, userID string, req app.SendRequest) (*app.SendResponse, error)
	logoutFn   func(ctx context.Context, userID string) error
}

func (m *mockAppService) Register(ctx context.Context, userID string) (domain.Session, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, userID)
	}
	return domain.Session{}, errors.New("not implemented")
}

func (m *mockAppService) Status(ctx context.Context, userID string) (domain.SessionStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, userID)
	}
	return domain.SessionStatus{}, errors.New("not implemented")
}

func (m *mockAppService) Send(ctx context.Context, userID string, req app.SendRequest) (*app.SendResponse, error) {
	if m.sendFn != nil {
		return m.sendFn(ctx, userID, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) Logout(ctx context.Context, userID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, userID)
	}
	return nil
}

type mockRenderer struct {
	dataURLFn func(ctx context.Context, payload string) (string, error)
}

func (m *mockRenderer) DataURL(ctx context.Context, payload string) (string, error) {
	if m.dataURLFn != nil {
		return m.dataURLFn(ctx, payload)
	}
	return "data:image/png;base64,UVI=", nil
}

type mockStream struct {
	serveFn func(userID string, conn *ws.Conn) error
}

func (m *mockStream) Serve(userID string, conn *ws.Conn) error {
	if m.serveFn != nil {
		return m.serveFn(userID, conn)
	}
	return nil
}

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:             "development",
		Port:               "3000",
		RateLimitPerSecond: 1000,
		RateLimitBurst:     1000,
	}
}

func newTestServer(t *testing.T, svc appService, opts ...func(*Deps)) *Server {
	t.Helper()
	return newTestServerWithRenderer(t, svc, &mockRenderer{}, opts...)
}

func newTestServerWithRenderer(t *testing.T, svc appService, renderer qrRenderer, opts ...func(*Deps)) *Server {
	t.Helper()

	deps := Deps{Clock: clockwork.NewFakeClock()}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := NewServer(testConfig(), svc, renderer, deps)
	require.NoError(t, err)
	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Deps) {
	return func(d *Deps) {
		d.HealthChecks = checks
	}
}

func withStream(s statusStream) func(*Deps) {
	return func(d *Deps) {
		d.Stream = s
	}
}

// serve runs a request through the full middleware stack.
func serve(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}
