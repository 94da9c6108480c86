package models

import (
	"errors"
	"fmt"
)

// Structured error taxonomy of the engine. Callers match with errors.Is and
// map each value to a localized message; the engine never returns
// free-text-only errors for validation failures.
var (
	// ErrConflict: an active slot already exists for the person, date and
	// half-day being written.
	ErrConflict = errors.New("slot already exists for this person, date and half-day")

	// ErrAbsent: the person has an approved absence covering the target date.
	ErrAbsent = errors.New("person is absent on the target date")

	// ErrRequiresFullDay: a responsibility role was requested on a slot that
	// does not span the full day at a single site.
	ErrRequiresFullDay = errors.New("role flags require a full-day assignment")

	// ErrNothingToExchange: one of the exchange parties has no active slot
	// covering the requested scope.
	ErrNothingToExchange = errors.New("no assignment to exchange for the requested scope")

	// ErrNotFound: no matching slot or reference record.
	ErrNotFound = errors.New("not found")

	// ErrClosedSite: the target site is closed and cannot take assignments.
	ErrClosedSite = errors.New("site is closed")

	// ErrStorage wraps persistence failures. Multi-row commits roll back
	// fully before this is surfaced.
	ErrStorage = errors.New("storage failure")
)

// StorageErr tags a low-level persistence error with ErrStorage so callers
// can classify it without inspecting driver error types.
func StorageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStorage, err)
}
