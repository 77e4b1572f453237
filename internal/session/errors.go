package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
)

// Kind is the failure class of an AuthError.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindTriggerProvisioning Kind = "trigger_provisioning"
	KindProfileConsistency  Kind = "profile_consistency"
	KindNetwork             Kind = "network"
	KindStorage             Kind = "storage"
	KindUnknown             Kind = "unknown"
)

const (
	opInitialize     = "session.initialize"
	opSignUp         = "session.sign_up"
	opSignIn         = "session.sign_in"
	opSignOut        = "session.sign_out"
	opResetPassword  = "session.reset_password"
	opUpdatePassword = "session.update_password"
	opUpdateEmail    = "session.update_email"
	opResend         = "session.resend"
	opRefresh        = "session.refresh"
	opExchange       = "session.exchange"
	opFetchProfile   = "session.fetch_profile"
	opUpdateProfile  = "session.update_profile"
)

var (
	errNotSignedIn   = errors.New("no signed-in user")
	errInvalidEmail  = errors.New("email address is invalid")
	errWeakPassword  = errors.New("password must be at least 6 characters")
	errMissingName   = errors.New("first and last name are required")
	errMissingTokens = errors.New("access and refresh tokens are required")
)

// AuthError is the single failure type surfaced by Manager operations.
type AuthError struct {
	kind    Kind
	code    string
	message string
	err     error
}

func (e *AuthError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

// Kind returns the failure class.
func (e *AuthError) Kind() Kind {
	return e.kind
}

// Code returns the operation.reason code.
func (e *AuthError) Code() string {
	return e.code
}

// UserMessage returns the text shown to the user.
func (e *AuthError) UserMessage() string {
	return e.message
}

func newAuthError(kind Kind, operation, reason, message string, cause error) *AuthError {
	return &AuthError{
		kind:    kind,
		code:    fmt.Sprintf("%s.%s", operation, reason),
		message: message,
		err:     cause,
	}
}

// KindOf classifies any error returned by this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.kind
	}
	return classify("", err).kind
}

// classify maps a backend failure to the error taxonomy.
func classify(operation string, err error) *AuthError {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	if isNetworkError(err) {
		return newAuthError(KindNetwork, operation, "network", "Unable to reach the server. Check your connection and try again.", err)
	}
	if identity.IsDatabaseFailure(err) {
		return newAuthError(KindTriggerProvisioning, operation, "database_error", "We couldn't create your account right now. Please try again later.", err)
	}
	backendErr, ok := identity.AsError(err)
	if !ok {
		return newAuthError(KindUnknown, operation, "unexpected", "Something went wrong. Please try again.", err)
	}
	switch backendErr.Code {
	case identity.CodeInvalidCredentials:
		return newAuthError(KindValidation, operation, "invalid_credentials", "Invalid email or password.", err)
	case identity.CodeEmailNotConfirmed:
		return newAuthError(KindValidation, operation, "email_not_confirmed", "Please verify your email before signing in.", err)
	case identity.CodeUserAlreadyExists:
		return newAuthError(KindValidation, operation, "user_already_exists", "An account with this email already exists.", err)
	case identity.CodeWeakPassword:
		return newAuthError(KindValidation, operation, "weak_password", "Password is too weak. Use at least 6 characters.", err)
	case identity.CodeRateLimited:
		return newAuthError(KindValidation, operation, "rate_limited", "Too many attempts. Please wait a moment and try again.", err)
	case identity.CodeValidationFailed, identity.CodeSessionNotFound:
		return newAuthError(KindValidation, operation, backendErr.Code, backendErr.Message, err)
	}
	if backendErr.Status >= 400 && backendErr.Status < 500 {
		return newAuthError(KindValidation, operation, "rejected", backendErr.Message, err)
	}
	return newAuthError(KindUnknown, operation, "unexpected", "Something went wrong. Please try again.", err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, identity.ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
