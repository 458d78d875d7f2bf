package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/ratelimit"
)

func serve(e *echo.Echo, remote string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestClientRateLimit(t *testing.T) {
	e := echo.New()
	e.Use(ClientRateLimitMiddleware(ratelimit.NewRateLimiter(0.001, 1, logger.Discard())))
	e.GET("/x", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	assert.Equal(t, http.StatusOK, serve(e, "10.0.0.1:1234", nil).Code)

	rec := serve(e, "10.0.0.1:1234", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, serve(e, "10.0.0.2:1234", nil).Code)
}

func TestRequestID(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/x", func(c echo.Context) error {
		id, _ := c.Request().Context().Value(logger.RequestIDKey).(string)
		return c.String(http.StatusOK, id)
	})

	rec := serve(e, "10.0.0.1:1", http.Header{RequestIDHeader: []string{"abc"}})
	assert.Equal(t, "abc", rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	rec = serve(e, "10.0.0.1:1", nil)
	assert.NotEmpty(t, rec.Body.String())
	assert.Equal(t, rec.Body.String(), rec.Header().Get(RequestIDHeader))
}
