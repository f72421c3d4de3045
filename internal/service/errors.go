package service

import (
	"errors"

	"github.com/iliyamo/escrow-reservation/internal/repository"
)

// Errors returned by ReservationService.  They are wrapped with context
// and should be matched with errors.Is.
var (
	ErrNotFound           = repository.ErrNotFound
	ErrConflict           = repository.ErrConflict
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid state")
	ErrValidation         = errors.New("validation error")
	ErrVerificationFailed = errors.New("verification failed")
	ErrExternalService    = errors.New("external service error")
)
