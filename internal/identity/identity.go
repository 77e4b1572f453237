package identity

import (
	"context"
	"strings"
	"time"
)

// User is the backend's authentication record.
type User struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	Metadata         UserMetadata `json:"user_metadata"`
	EmailConfirmedAt *time.Time   `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Confirmed reports whether the user completed email verification.
func (u User) Confirmed() bool {
	return u.EmailConfirmedAt != nil
}

// UserMetadata mirrors the raw metadata submitted at sign-up.
type UserMetadata struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
}

// Empty reports whether no metadata field is set.
func (m UserMetadata) Empty() bool {
	return strings.TrimSpace(m.FirstName) == "" &&
		strings.TrimSpace(m.LastName) == "" &&
		strings.TrimSpace(m.FullName) == ""
}

// Session is the access/refresh token pair issued by the backend.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// EventType enumerates auth-change notifications.
type EventType string

const (
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// AuthEvent is one external session transition. Session is nil after sign-out.
type AuthEvent struct {
	Type    EventType
	Session *Session
}

// LinkType classifies the flow a redirect target resumes.
type LinkType string

const (
	LinkSignup      LinkType = "signup"
	LinkRecovery    LinkType = "recovery"
	LinkEmailChange LinkType = "email_change"
)

// SignUpRequest carries sign-up credentials. Metadata is nil for a bare sign-up.
type SignUpRequest struct {
	Email      string
	Password   string
	Metadata   *UserMetadata
	RedirectTo string
}

// SignUpResult holds the created identity. Session is nil when email confirmation is pending.
type SignUpResult struct {
	User    User
	Session *Session
}

// UserUpdate carries at most one credential change plus optional metadata.
type UserUpdate struct {
	Password string
	Email    string
	Data     *UserMetadata
}

// ResendRequest asks the backend to re-send an activation email.
type ResendRequest struct {
	Type       LinkType
	Email      string
	RedirectTo string
}

// Backend is the identity provider consumed by the session manager.
type Backend interface {
	SignUp(ctx context.Context, request SignUpRequest) (SignUpResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context) error
	// GetSession returns the stored session, or nil when none exists.
	GetSession(ctx context.Context) (*Session, error)
	// Subscribe streams auth-change events until ctx ends or cleanup runs.
	Subscribe(ctx context.Context) (<-chan AuthEvent, func())
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, update UserUpdate, redirectTo string) (User, error)
	RefreshSession(ctx context.Context) (Session, error)
	// SetSession exchanges deep-link token material for a live session.
	SetSession(ctx context.Context, accessToken, refreshToken string) (Session, error)
	Resend(ctx context.Context, request ResendRequest) error
}
