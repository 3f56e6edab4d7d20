package types

import "errors"

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrDuplicateActiveRSVP    = errors.New("account already has an active rsvp for this offer")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrOperationNotFound      = errors.New("operation not found")
	ErrOfferNotFound          = errors.New("offer not found")
	ErrNoActiveRSVP           = errors.New("no active rsvp for this offer")
	ErrEventStarted           = errors.New("event already started")
	ErrEventNotStarted        = errors.New("event has not started yet")
	ErrOwnOffer               = errors.New("authors cannot rsvp to their own offer")
	ErrOfferCancelled         = errors.New("offer is cancelled")
	ErrInvalidAmount          = errors.New("amount must be positive")
)
