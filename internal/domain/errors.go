package domain

import "errors"

var (
	ErrMalformedKey        = errors.New("malformed VAPID key")
	ErrUnknownToken        = errors.New("unknown loyalty token")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrNoFreeCuts          = errors.New("no free cuts available")
	ErrInvalidSubscription = errors.New("invalid push subscription")
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
)
