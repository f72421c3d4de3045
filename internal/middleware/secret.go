package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// WebhookSecretHeader carries the shared secret of webhook deliveries.
const WebhookSecretHeader = "X-Webhook-Secret"

// RequireSecret rejects requests whose WebhookSecretHeader does not match
// secret.  An empty secret closes the route entirely.
func RequireSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "webhooks are not configured"})
			}
			got := c.Request().Header.Get(WebhookSecretHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid webhook secret"})
			}
			return next(c)
		}
	}
}
