package appointment

import "errors"

var (
	// ErrNotFound means no appointment exists with the requested id.
	ErrNotFound = errors.New("appointment not found")

	// ErrForbidden means the actor is not a participant of the appointment
	// or the operation belongs to the other role.
	ErrForbidden = errors.New("actor is not allowed to perform this operation")

	// ErrInvalidTransition means the requested status change is not legal
	// from the appointment's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict means the requested slot overlaps an existing pending or
	// accepted appointment of a participant.
	ErrConflict = errors.New("time slot conflicts with an existing appointment")

	// ErrValidation means the request payload failed a field-level check.
	ErrValidation = errors.New("validation failed")

	// ErrCalendarNotConnected means the mentor has no active Google Calendar
	// credential. Calendar sync degrades to a recorded no-op on this error.
	ErrCalendarNotConnected = errors.New("mentor calendar not connected")
)
