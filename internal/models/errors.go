package models

import "errors"

var (
	ErrNotFound          = errors.New("trip not found")
	ErrAlreadyAccepted   = errors.New("trip already accepted")
	ErrTripInProgress    = errors.New("trip in progress")
	ErrTripFinished      = errors.New("trip already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBadPayload        = errors.New("bad payload")
	ErrNotParticipant    = errors.New("not a participant of this trip")
)

// UserMessage maps err to the text shown to participants. Anything that is not
// a domain condition collapses to a generic message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyAccepted):
		return "Trip already accepted by another driver"
	case errors.Is(err, ErrTripInProgress):
		return "Cannot cancel trip in progress"
	case errors.Is(err, ErrTripFinished):
		return "Trip already finished"
	case errors.Is(err, ErrNotFound):
		return "Trip not found"
	case errors.Is(err, ErrInvalidTransition):
		return "Action not allowed in the current trip state"
	case errors.Is(err, ErrNotParticipant):
		return "Not a participant of this trip"
	case errors.Is(err, ErrBadPayload):
		return err.Error()
	}
	return "Internal error"
}

// IsDomain reports whether err is an expected business condition rather than a fault.
func IsDomain(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyAccepted) ||
		errors.Is(err, ErrTripInProgress) ||
		errors.Is(err, ErrTripFinished) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrBadPayload) ||
		errors.Is(err, ErrNotParticipant)
}
