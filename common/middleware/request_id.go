package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/common/logger"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// RequestID propagates the caller's X-Request-ID, or a fresh one, into the
// request context and the response
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(c.Request().Context(), logger.RequestIDKey, id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
