package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context and runs the handler
// on the calling goroutine. Database calls made with that context are
// cancelled when it expires, which rolls back any open transaction. A handler
// that fails after the deadline without having written a response gets 504.
//
// Health probes are excluded so a slow pool does not mask itself.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || c.Path() == "/health" || c.Path() == "/health/db" {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return timeoutResponse(c, err)
			}
			return err
		}
	}
}

func timeoutResponse(c echo.Context, cause error) error {
	if c.Response().Committed {
		return cause
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"message":    "request processing exceeded the allowed time limit",
		"request_id": requestID(c),
	})
}
