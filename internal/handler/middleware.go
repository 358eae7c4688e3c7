package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/haatos/merge-train/internal"
	"github.com/labstack/echo/v4"
)

// WebhookKeyMiddleware rejects requests whose webhook key header does not
// match key. An empty key disables the check.
func WebhookKeyMiddleware(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			got := c.Request().Header.Get(internal.WebhookKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return newError(nil, http.StatusUnauthorized, "invalid webhook key")
			}
			return next(c)
		}
	}
}
