package server

import (
	"github.com/isgasho/otto-1/internal/platform/correlation"
	"github.com/labstack/echo/v4"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware tags each request context with a correlation ID, keeping one that is
// already present, and echoes it in the response header.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.Ensure(c.Request().Context())
		c.SetRequest(c.Request().WithContext(ctx))
		if id, ok := correlation.ID(ctx); ok {
			c.Response().Header().Set(correlationHeader, id)
		}
		return next(c)
	}
}
