// Package repository persists providers, services, availability windows
// and reservations.  The sentinel values below let higher layers tell
// storage outcomes apart without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when the requested row does not exist.  It
// replaces sql.ErrNoRows at the package boundary.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with existing state, such
// as a reservation overlapping an active booking of the same provider.
// Handlers translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")
