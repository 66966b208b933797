package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession means no usable session exists. Authenticated operations
	// become no-ops.
	ErrNoSession = errors.New("no session")

	// ErrSessionExpired means the provider rejected the refresh token. The
	// persisted session has been cleared and the user must reconnect.
	ErrSessionExpired = errors.New("session expired")
)

// AuthErrorKind classifies a failed Authenticate call.
type AuthErrorKind int

const (
	Unknown AuthErrorKind = iota
	InvalidCredential
	RateLimited
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredential:
		return "InvalidCredential"
	case RateLimited:
		return "RateLimited"
	case Unknown:
		return "Unknown"
	default:
		return fmt.Sprintf("AuthErrorKind(%d)", int(k))
	}
}

// AuthError is the only error meant to reach the user verbatim, as the
// result of an explicit connect.
type AuthError struct {
	Kind AuthErrorKind

	// Message is the provider's message, if any.
	Message string
}

func (e *AuthError) Error() string {
	switch e.Kind {
	case InvalidCredential:
		return "Invalid handle or app password"
	case RateLimited:
		return "Too many attempts. Please try again later."
	default:
		if e.Message != "" {
			return e.Message
		}
		return "Authentication failed"
	}
}

// IsAuthError reports whether err is an *AuthError of the given kind.
func IsAuthError(err error, kind AuthErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}
