package store

import "errors"

var (
	ErrBranchNotFound  = errors.New("branch not found")
	ErrShopClosed      = errors.New("shop closed")
	ErrLinkNotFound    = errors.New("link not found")
	ErrLinkExpired     = errors.New("link expired")
	ErrLinkUsed        = errors.New("link already used")
	ErrBookingNotFound = errors.New("booking not found")
	ErrMissingFields   = errors.New("required booking fields missing")
	ErrInvalidState    = errors.New("invalid booking state")
	ErrServiceBusy     = errors.New("another booking is in service")
	ErrBadPosition     = errors.New("position out of range")
	ErrForbidden       = errors.New("branch access denied")
	ErrSessionNotFound = errors.New("session not found")
	ErrConflict        = errors.New("concurrent update conflict")
)
