package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrAuthFailed           = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrForbidden            = errors.New("forbidden")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrDeliveryFailure      = errors.New("delivery failure")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrAuthInProgress       = errors.New("authentication already in progress")
	ErrInvalidRoom          = errors.New("invalid room")
	ErrUnknownEventType     = errors.New("unknown event type")
)

// AuthError is returned when a credential is rejected or the verifier does not
// answer in time. It is terminal for the connection.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", ErrAuthFailed, e.Err)
}

func (e *AuthError) Unwrap() []error {
	return []error{ErrAuthFailed, e.Err}
}
