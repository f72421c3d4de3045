package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/escrow-reservation/internal/model"
	"github.com/iliyamo/escrow-reservation/internal/service"
	"github.com/iliyamo/escrow-reservation/internal/settlement"
)

// ReservationHandler exposes the reservation lifecycle to authenticated
// wallets.  JWTAuth must run first.
type ReservationHandler struct {
	svc *service.ReservationService
}

func NewReservationHandler(svc *service.ReservationService) *ReservationHandler {
	return &ReservationHandler{svc: svc}
}

type createReq struct {
	ProviderID      string `json:"providerId"`
	ServiceID       string `json:"serviceId"`
	AppointmentTime string `json:"appointmentTime"` // RFC 3339
	SettlementTxRef string `json:"settlementTxRef"`
}

type transitionReq struct {
	SettlementTxRef string `json:"settlementTxRef"`
}

// transitionResp carries the settlement computed by the transition, if
// any.
type transitionResp struct {
	Reservation *model.Reservation `json:"reservation"`
	Settlement  *settlementPart    `json:"settlement,omitempty"`
}

type settlementPart struct {
	*settlement.Split
	HoursUntilAppointment *int64 `json:"hoursUntilAppointment,omitempty"`
}

// Create handles POST /v1/reservations.
func (h *ReservationHandler) Create(c echo.Context) error {
	actor, ok := caller(c)
	if !ok {
		return unauthorized(c)
	}
	var req createReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	appt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.AppointmentTime))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "appointmentTime must be RFC 3339"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	r, err := h.svc.Create(ctx, actor, service.CreateRequest{
		ProviderID:      strings.TrimSpace(req.ProviderID),
		ServiceID:       strings.TrimSpace(req.ServiceID),
		AppointmentTime: appt,
		SettlementTxRef: strings.TrimSpace(req.SettlementTxRef),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"item": r})
}

// ListMine handles GET /v1/reservations/my?status=.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	actor, ok := caller(c)
	if !ok {
		return unauthorized(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	items, err := h.svc.ListMine(ctx, actor, statusParam(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": nonNil(items)})
}

// ListForProvider handles GET /v1/providers/:id/reservations?status= for
// the provider's owner.
func (h *ReservationHandler) ListForProvider(c echo.Context) error {
	actor, ok := caller(c)
	if !ok {
		return unauthorized(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	items, err := h.svc.ListForProvider(ctx, actor, c.Param("id"), statusParam(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": nonNil(items)})
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	actor, ok := caller(c)
	if !ok {
		return unauthorized(c)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	r, err := h.svc.Get(ctx, actor, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"item": r})
}

// Confirm handles POST /v1/reservations/:id/confirm.
func (h *ReservationHandler) Confirm(c echo.Context) error { return h.transition(c, h.svc.Confirm) }

// Cancel handles POST /v1/reservations/:id/cancel and reports the refund
// breakdown.
func (h *ReservationHandler) Cancel(c echo.Context) error { return h.transition(c, h.svc.Cancel) }

// Complete handles POST /v1/reservations/:id/complete.
func (h *ReservationHandler) Complete(c echo.Context) error { return h.transition(c, h.svc.Complete) }

// NoShow handles POST /v1/reservations/:id/no-show.
func (h *ReservationHandler) NoShow(c echo.Context) error { return h.transition(c, h.svc.MarkNoShow) }

type transitionFunc func(context.Context, service.Actor, service.TransitionRequest) (*service.Result, error)

func (h *ReservationHandler) transition(c echo.Context, apply transitionFunc) error {
	actor, ok := caller(c)
	if !ok {
		return unauthorized(c)
	}
	var req transitionReq
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
		}
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	res, err := apply(ctx, actor, service.TransitionRequest{
		ReservationID:   c.Param("id"),
		SettlementTxRef: strings.TrimSpace(req.SettlementTxRef),
	})
	if err != nil {
		return writeError(c, err)
	}
	out := transitionResp{Reservation: res.Reservation}
	if res.Split != nil {
		out.Settlement = &settlementPart{Split: res.Split}
		if res.Reservation.Status == model.StatusCancelled {
			hours := res.Split.HoursUntil()
			out.Settlement.HoursUntilAppointment = &hours
		}
	}
	return c.JSON(http.StatusOK, out)
}

func statusParam(c echo.Context) model.ReservationStatus {
	return model.ReservationStatus(strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
