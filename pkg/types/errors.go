package types

import "errors"

var (
	// ErrInvalidEventIDLength is returned when an event id string has the wrong length.
	ErrInvalidEventIDLength = errors.New("invalid event id length")

	// ErrInvalidEventIDCharacter is returned when an event id string contains a non-base32 character.
	ErrInvalidEventIDCharacter = errors.New("invalid event id character")
)
