package types

import "errors"

var (
	// ErrInvalidULIDLength is returned when a ULID string or byte slice has the wrong length.
	ErrInvalidULIDLength = errors.New("invalid ULID length")

	// ErrInvalidULIDCharacter is returned when a ULID string is not Crockford Base32
	// or overflows 128 bits.
	ErrInvalidULIDCharacter = errors.New("invalid ULID character")
)
