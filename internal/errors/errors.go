package errors

import (
	"errors"
)

// Moderation error taxonomy. Handlers resolve these locally by re-prompting
// or rejecting the triggering action; none of them is retried automatically.
var (
	// ErrNotFound covers stale or invalid report/appeal/user references.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInProgress is returned when a staff member triggers a second
	// approval while their approving guard is still held.
	ErrAlreadyInProgress = errors.New("already in progress")

	// ErrAlreadyProcessed is returned when approving or denying an appeal
	// that another staff member has resolved already.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrDuplicateReport is returned when a report re-adds a proof location
	// already recorded on the user.
	ErrDuplicateReport = errors.New("duplicate report")

	// ErrNotListed is returned when removing a user who is not denylisted.
	ErrNotListed = errors.New("user is not listed")

	// ErrValidation covers user input outside an accepted range or format.
	ErrValidation = errors.New("invalid input")
)
