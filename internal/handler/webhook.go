package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/escrow-reservation/internal/reconcile"
)

// WebhookHandler feeds ledger notifications into the reconciler.  Routes
// are guarded by middleware.RequireSecret.
type WebhookHandler struct {
	rec *reconcile.Service
}

func NewWebhookHandler(rec *reconcile.Service) *WebhookHandler {
	return &WebhookHandler{rec: rec}
}

// Ledger handles POST /v1/webhooks/ledger.
func (h *WebhookHandler) Ledger(c echo.Context) error {
	var ev reconcile.WebhookEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	out, err := h.rec.HandleWebhook(ctx, ev)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"outcomes": out})
}

// Sync handles POST /v1/webhooks/sync/:id.  The body may name the
// transaction to pull; otherwise the stored settlement reference is used.
func (h *WebhookHandler) Sync(c echo.Context) error {
	var body struct {
		TransactionRef string `json:"transactionRef"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
		}
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	out, err := h.rec.Sync(ctx, c.Param("id"), body.TransactionRef)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"outcomes": out})
}
