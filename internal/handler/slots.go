package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/escrow-reservation/internal/service"
)

// SlotHandler serves the public availability listing.
type SlotHandler struct {
	svc *service.ReservationService
}

func NewSlotHandler(svc *service.ReservationService) *SlotHandler {
	return &SlotHandler{svc: svc}
}

// List handles GET /v1/providers/:id/slots?serviceId=&date=YYYY-MM-DD.
func (h *SlotHandler) List(c echo.Context) error {
	providerID := c.Param("id")
	serviceID := c.QueryParam("serviceId")
	date := c.QueryParam("date")
	if serviceID == "" || date == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "serviceId and date are required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	slots, err := h.svc.AvailableSlots(ctx, providerID, serviceID, date)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"providerId": providerID,
		"serviceId":  serviceID,
		"date":       date,
		"slots":      nonNil(slots),
	})
}
