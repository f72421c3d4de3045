package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/escrow-reservation/internal/middleware"
	"github.com/iliyamo/escrow-reservation/internal/service"
)

// requestTimeout bounds the work done for one request.
const requestTimeout = 10 * time.Second

// errorStatus maps service errors onto HTTP statuses.
var errorStatus = []struct {
	err    error
	status int
}{
	{service.ErrNotFound, http.StatusNotFound},
	{service.ErrUnauthorized, http.StatusForbidden},
	{service.ErrConflict, http.StatusConflict},
	{service.ErrInvalidState, http.StatusConflict},
	{service.ErrValidation, http.StatusBadRequest},
	{service.ErrVerificationFailed, http.StatusBadRequest},
	{service.ErrExternalService, http.StatusBadGateway},
}

// writeError renders err as {"error": ...}.  Errors the service does not
// classify are logged and reported as 500 without detail.
func writeError(c echo.Context, err error) error {
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			return c.JSON(m.status, echo.Map{"error": err.Error()})
		}
	}
	c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// caller returns the authenticated actor.
func caller(c echo.Context) (service.Actor, bool) {
	w := middleware.Wallet(c)
	if w == "" {
		return service.Actor{}, false
	}
	return service.Caller(w), true
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}
