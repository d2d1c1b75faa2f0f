package token

import "errors"

var (
	// ErrTokenExpired is returned when a token is structurally valid and
	// correctly signed but past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenMalformed is returned when the signature does not verify or
	// required claims are missing.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid token config")
)
