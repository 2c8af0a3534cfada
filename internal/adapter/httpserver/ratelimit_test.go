package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceAddr = "1.2.3.4:1234"
	bobAddr   = "5.6.7.8:5678"
)

// limitedHandler wraps an always-OK handler in a fresh limiter and returns a function
// that fires one POST /send from remoteAddr.
func limitedHandler(t *testing.T, ratePerSecond float64, burst int) func(remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	handler := newRateLimiter(ratePerSecond, burst)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	return func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/send/alice", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		require.NoError(t, handler(e.NewContext(req, rec)))
		return rec
	}
}

func TestRateLimiter_AllowsBurst(t *testing.T) {
	fire := limitedHandler(t, 10, 3)

	for i := range 3 {
		assert.Equal(t, http.StatusOK, fire(aliceAddr).Code, "request %d", i)
	}
}

func TestRateLimiter_RejectsOverBurst(t *testing.T) {
	fire := limitedHandler(t, 0.01, 1)

	require.Equal(t, http.StatusOK, fire(aliceAddr).Code)

	rec := fire(aliceAddr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestRateLimiter_BucketsPerIP(t *testing.T) {
	fire := limitedHandler(t, 0.01, 1)

	assert.Equal(t, http.StatusOK, fire(aliceAddr).Code)
	assert.Equal(t, http.StatusOK, fire(bobAddr).Code)
	assert.Equal(t, http.StatusTooManyRequests, fire(aliceAddr).Code)
	assert.Equal(t, http.StatusTooManyRequests, fire(bobAddr).Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[float64]int{
		5:    1,
		1:    1,
		0.5:  2,
		0.3:  4,
		0.01: 100,
	}
	for rate, want := range tests {
		assert.Equal(t, want, retryAfterSeconds(rate), "rate %v", rate)
	}
}
