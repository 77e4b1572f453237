package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnreachable indicates the backend could not be contacted.
var ErrUnreachable = errors.New("identity: backend unreachable")

const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeEmailNotConfirmed  = "email_not_confirmed"
	CodeUserAlreadyExists  = "user_already_exists"
	CodeWeakPassword       = "weak_password"
	CodeRateLimited        = "over_request_rate_limit"
	CodeValidationFailed   = "validation_failed"
	CodeSessionNotFound    = "session_not_found"
	CodeUnexpectedFailure  = "unexpected_failure"
)

// Error is a failure reported by the identity backend.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("identity: %d %s", e.Status, e.Message)
	}
	return fmt.Sprintf("identity: %d %s: %s", e.Status, e.Code, e.Message)
}

// NewError constructs a backend error.
func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// AsError extracts the backend error from err.
func AsError(err error) (*Error, bool) {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr, true
	}
	return nil, false
}

// IsDatabaseFailure reports whether err is the 500-class "Database error" the provisioning
// trigger produces, as opposed to a validation failure.
func IsDatabaseFailure(err error) bool {
	backendErr, ok := AsError(err)
	if !ok {
		return false
	}
	return backendErr.Status >= 500 && strings.Contains(strings.ToLower(backendErr.Message), "database error")
}

// HasCode reports whether err is a backend error carrying code.
func HasCode(err error, code string) bool {
	backendErr, ok := AsError(err)
	return ok && backendErr.Code == code
}
