// Package router registers the HTTP routes of the API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/escrow-reservation/internal/handler"
	"github.com/iliyamo/escrow-reservation/internal/middleware"
)

// Handlers bundles everything the routes dispatch to.  SlotCache and
// SlotCacheBust are optional; SlotCacheBust wraps every route that can
// change slot availability.
type Handlers struct {
	Health        echo.HandlerFunc
	Auth          *handler.AuthHandler
	Slots         *handler.SlotHandler
	Reservations  *handler.ReservationHandler
	Webhooks      *handler.WebhookHandler
	SlotCache     echo.MiddlewareFunc
	SlotCacheBust echo.MiddlewareFunc
}

// Secrets authenticate the protected route groups.
type Secrets struct {
	JWT     string
	Webhook string
}

// RegisterRoutes registers every route on e.
func RegisterRoutes(e *echo.Echo, h Handlers, s Secrets) {
	e.GET("/healthz", h.Health)
	RegisterAuth(e, h.Auth)
	RegisterPublic(e, h.Slots, h.SlotCache)
	RegisterReservations(e, h.Reservations, s.JWT, h.SlotCacheBust)
	RegisterWebhooks(e, h.Webhooks, s.Webhook, h.SlotCacheBust)
}

// RegisterAuth registers the wallet login endpoints.  They do not require
// a session.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler) {
	g := e.Group("/v1/auth")
	g.POST("/nonce", a.Nonce)
	g.POST("/verify", a.Verify)
}

// RegisterPublic registers unauthenticated browse endpoints.
func RegisterPublic(e *echo.Echo, s *handler.SlotHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/providers/:id/slots", s.List, optional(cache)...)
}

func optional(mw echo.MiddlewareFunc) []echo.MiddlewareFunc {
	if mw == nil {
		return nil
	}
	return []echo.MiddlewareFunc{mw}
}

// RegisterReservations registers the reservation endpoints.  All of them
// require a valid access token.
func RegisterReservations(e *echo.Echo, r *handler.ReservationHandler, jwtSecret string, bust echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	writes := optional(bust)
	g.POST("/reservations", r.Create, writes...)
	g.GET("/reservations/my", r.ListMine)
	g.GET("/reservations/:id", r.Get)
	g.POST("/reservations/:id/confirm", r.Confirm)
	g.POST("/reservations/:id/cancel", r.Cancel, writes...)
	g.POST("/reservations/:id/complete", r.Complete)
	g.POST("/reservations/:id/no-show", r.NoShow)
	g.GET("/providers/:id/reservations", r.ListForProvider)
}

// RegisterWebhooks registers ledger notification ingress, guarded by the
// shared webhook secret.
func RegisterWebhooks(e *echo.Echo, w *handler.WebhookHandler, secret string, bust echo.MiddlewareFunc) {
	g := e.Group("/v1/webhooks", append([]echo.MiddlewareFunc{middleware.RequireSecret(secret)}, optional(bust)...)...)
	g.POST("/ledger", w.Ledger)
	g.POST("/sync/:id", w.Sync)
}
