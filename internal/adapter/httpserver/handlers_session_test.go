package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/app"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	apperrors "github.com/codesabhinav/whatsapp-me/internal/platform/errors"
	"github.com/codesabhinav/whatsapp-me/internal/session"
	"github.com/codesabhinav/whatsapp-me/internal/session/sessiontest"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionIn(readiness domain.Readiness) func(context.Context, string) (domain.Session, error) {
	return func(_ context.Context, userID string) (domain.Session, error) {
		s := domain.Session{ID: "s1", UserID: userID, Readiness: readiness, UpdatedAt: time.Unix(1700000000, 0).UTC()}
		if readiness == domain.ReadinessAwaitingPairing {
			s.PairingPayload = "2@pairing-token"
		}
		if readiness == domain.ReadinessFailed {
			s.LastError = "pairing rejected"
		}
		return s, nil
	}
}

// --- GET /register/:userId ---

func TestHandleRegister_ReadyPageHasNoImage(t *testing.T) {
	srv := newTestServer(t, &mockAppService{registerFn: sessionIn(domain.ReadinessReady)})

	rec := serve(srv, http.MethodGet, "/register/alice", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "WhatsApp already connected for alice")
	assert.NotContains(t, rec.Body.String(), "<img")
}

func TestHandleRegister_AwaitingPairingEmbedsQRCode(t *testing.T) {
	var rendered string
	renderer := &mockRenderer{dataURLFn: func(_ context.Context, payload string) (string, error) {
		rendered = payload
		return "data:image/png;base64,QUJD", nil
	}}
	srv := newTestServerWithRenderer(t, &mockAppService{registerFn: sessionIn(domain.ReadinessAwaitingPairing)}, renderer)

	rec := serve(srv, http.MethodGet, "/register/alice", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2@pairing-token", rendered)
	body := rec.Body.String()
	assert.Contains(t, body, "Scan the QR with WhatsApp (alice)")
	assert.Contains(t, body, `<img src="data:image/png;base64,QUJD"`)
	assert.Contains(t, body, "/ws/")
	assert.NotContains(t, body, "2@pairing-token", "the raw pairing token must not leak into the page")
}

func TestHandleRegister_NotYetPaired(t *testing.T) {
	for _, readiness := range []domain.Readiness{domain.ReadinessPending, domain.ReadinessDisconnected} {
		t.Run(string(readiness), func(t *testing.T) {
			srv := newTestServer(t, &mockAppService{registerFn: sessionIn(readiness)})

			rec := serve(srv, http.MethodGet, "/register/alice", "")

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "QR not ready. Please try again...")
			assert.NotContains(t, rec.Body.String(), "<img")
		})
	}
}

func TestHandleRegister_FailedSession(t *testing.T) {
	srv := newTestServer(t, &mockAppService{registerFn: sessionIn(domain.ReadinessFailed)})

	rec := serve(srv, http.MethodGet, "/register/alice", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Authentication failed for alice")
	assert.Contains(t, rec.Body.String(), "pairing rejected")
}

func TestHandleRegister_RenderFailure(t *testing.T) {
	renderer := &mockRenderer{dataURLFn: func(context.Context, string) (string, error) {
		return "", errors.New("encoder exploded")
	}}
	srv := newTestServerWithRenderer(t, &mockAppService{registerFn: sessionIn(domain.ReadinessAwaitingPairing)}, renderer)

	rec := serve(srv, http.MethodGet, "/register/alice", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to render QR code")
}

func TestHandleRegister_InvalidUserID(t *testing.T) {
	srv := newTestServer(t, &mockAppService{registerFn: func(context.Context, string) (domain.Session, error) {
		return domain.Session{}, apperrors.ValidationError("user id contains invalid characters")
	}})

	rec := serve(srv, http.MethodGet, "/register/a%20b", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- POST /send/:userId ---

func TestHandleSend_Success(t *testing.T) {
	var got app.SendRequest
	svc := &mockAppService{sendFn: func(_ context.Context, userID string, req app.SendRequest) (*app.SendResponse, error) {
		got = req
		return &app.SendResponse{UserID: userID, Results: []domain.SendResult{
			{Number: "919876543210", Address: "919876543210@c.us", Status: domain.SendStatusSent},
			{Number: float64(42), Status: domain.SendStatusSkipped, Error: "Invalid number format"},
		}}, nil
	}}
	srv := newTestServer(t, svc)

	rec := serve(srv, http.MethodPost, "/send/alice", `{"numbers":["919876543210",42],"message":"Hello!"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"919876543210", float64(42)}, got.Numbers)
	assert.Equal(t, "Hello!", got.Message)
	assert.JSONEq(t, `{
		"userId": "alice",
		"results": [
			{"number": "919876543210", "address": "919876543210@c.us", "status": "sent"},
			{"number": 42, "status": "skipped", "error": "Invalid number format"}
		]
	}`, rec.Body.String())
}

func TestHandleSend_MalformedBodyStillReachesService(t *testing.T) {
	called := false
	svc := &mockAppService{sendFn: func(_ context.Context, _ string, req app.SendRequest) (*app.SendResponse, error) {
		called = true
		assert.Nil(t, req.Numbers)
		return nil, apperrors.ValidationError("Request body must include: numbers (array) and message (string)")
	}}
	srv := newTestServer(t, svc)

	rec := serve(srv, http.MethodPost, "/send/alice", `{"numbers":`)

	assert.True(t, called)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// newGatewayServer wires the real service and registry behind the HTTP layer.
func newGatewayServer(t *testing.T) (*Server, *session.Registry, *sessiontest.Factory) {
	t.Helper()
	factory := sessiontest.NewFactory()
	registry := session.NewRegistry(factory)
	t.Cleanup(registry.Stop)
	svc := app.NewService(registry, nil, app.NewDispatcher())
	return newTestServer(t, svc), registry, factory
}

func readyUser(t *testing.T, registry *session.Registry, factory *sessiontest.Factory, userID string) *sessiontest.Client {
	t.Helper()
	ctx := context.Background()
	_, err := registry.GetOrCreate(ctx, userID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := factory.Latest(userID)
		return c != nil && c.Initialized()
	}, 2*time.Second, 5*time.Millisecond)
	client := factory.Latest(userID)
	client.Emit(domain.Event{Kind: domain.EventReady})

	require.Eventually(t, func() bool {
		s, ok, err := registry.Get(ctx, userID)
		return err == nil && ok && s.IsReady()
	}, 2*time.Second, 5*time.Millisecond)
	return client
}

func TestSend_UnknownUserIsUnavailable(t *testing.T) {
	srv, _, _ := newGatewayServer(t)

	rec := serve(srv, http.MethodPost, "/send/ghost", `{"numbers":["1234"],"message":"hi"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Client not ready for ghost", resp["error"])
}

func TestSend_EmptyNumbersIsBadRequest(t *testing.T) {
	srv, registry, factory := newGatewayServer(t)
	client := readyUser(t, registry, factory, "alice")

	rec := serve(srv, http.MethodPost, "/send/alice", `{"numbers":[],"message":"hi"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Request body must include: numbers (array) and message (string)", resp["error"])
	assert.Empty(t, client.Sent())
}

func TestSend_DeliversNormalizedAddresses(t *testing.T) {
	srv, registry, factory := newGatewayServer(t)
	client := readyUser(t, registry, factory, "alice")

	rec := serve(srv, http.MethodPost, "/send/alice", `{"numbers":["+91 98765-43210","abc@c.us","none",7],"message":"Hello!"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp app.SendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 4)
	assert.Equal(t, domain.SendStatusSent, resp.Results[0].Status)
	assert.Equal(t, "919876543210@c.us", resp.Results[0].Address)
	assert.Equal(t, domain.SendStatusSent, resp.Results[1].Status)
	assert.Equal(t, "abc@c.us", resp.Results[1].Address)
	assert.Equal(t, domain.SendStatusSkipped, resp.Results[2].Status)
	assert.Equal(t, domain.SendStatusSkipped, resp.Results[3].Status)
	assert.Equal(t, "Invalid number format", resp.Results[3].Error)

	assert.ElementsMatch(t, []sessiontest.SentMessage{
		{Address: "919876543210@c.us", Body: "Hello!"},
		{Address: "abc@c.us", Body: "Hello!"},
	}, client.Sent())
}

// --- GET /logout/:userId ---

func TestLogout_UnknownUserIsNotFound(t *testing.T) {
	srv, _, _ := newGatewayServer(t)

	rec := serve(srv, http.MethodGet, "/logout/ghost", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "No session found for ghost", resp["error"])
}

func TestLogout_RemovesSession(t *testing.T) {
	srv, registry, factory := newGatewayServer(t)
	client := readyUser(t, registry, factory, "alice")

	rec := serve(srv, http.MethodGet, "/logout/alice", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"logged_out","userId":"alice"}`, rec.Body.String())
	assert.True(t, client.LoggedOut())

	_, ok, err := registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	rec = serve(srv, http.MethodPost, "/send/alice", `{"numbers":["1"],"message":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLogout_FailureStillRemovesSession(t *testing.T) {
	srv, registry, factory := newGatewayServer(t)
	factory.Configure = func(c *sessiontest.Client) { c.LogoutErr = errors.New("stream closed") }
	readyUser(t, registry, factory, "alice")

	rec := serve(srv, http.MethodGet, "/logout/alice", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Logout failed", resp["error"])
	assert.Equal(t, "stream closed", resp["details"])

	_, ok, err := registry.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- GET /status/:userId ---

func TestHandleStatus(t *testing.T) {
	srv, registry, factory := newGatewayServer(t)
	readyUser(t, registry, factory, "alice")

	rec := serve(srv, http.MethodGet, "/status/alice", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "alice", status.UserID)
	assert.Equal(t, domain.ReadinessReady, status.Readiness)
	assert.True(t, status.Connected)
	assert.False(t, status.NeedsQR)

	rec = serve(srv, http.MethodGet, "/status/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- GET /ws/:userId ---

func TestHandleStatusStream(t *testing.T) {
	served := make(chan string, 1)
	stream := &mockStream{serveFn: func(userID string, conn *ws.Conn) error {
		served <- userID
		return conn.WriteMessage(ws.TextMessage, []byte(`{"userId":"alice"}`))
	}}
	srv := newTestServer(t, &mockAppService{}, withStream(stream))

	httpSrv := httptest.NewServer(srv.echo)
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/alice"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	assert.Equal(t, "alice", <-served)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"alice"}`, string(msg))
}

func TestHandleStatusStream_Disabled(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := serve(srv, http.MethodGet, "/ws/alice", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
