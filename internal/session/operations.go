package session

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/cache"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"go.uber.org/zap"
)

const minPasswordLength = 6

// SignIn authenticates with email and password. The profile is fetched by the
// auth-change subscription once the backend announces the new session.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	m.begin()
	defer m.end()

	current, err := m.backend.SignInWithPassword(ctx, normalizeEmail(email), password)
	if err != nil {
		m.logError(opSignIn, "backend_rejected", err)
		return m.fail(classify(opSignIn, err), "Sign in failed")
	}
	m.commitSession(current)
	m.notifier.Show(notify.Success("Welcome back", "You are now signed in."))
	return nil
}

// SignOut ends the session. Local state and the cached profile are cleared even
// when the backend call fails.
func (m *Manager) SignOut(ctx context.Context) error {
	m.begin()
	defer m.end()

	err := m.backend.SignOut(ctx)
	m.clearLocal(ctx)
	if err != nil {
		m.logError(opSignOut, "backend_failed", err)
		return m.fail(classify(opSignOut, err), "Sign out failed")
	}
	m.notifier.Show(notify.Success("Signed out", "You have been signed out."))
	return nil
}

func (m *Manager) clearLocal(ctx context.Context) {
	m.commitSignedOut()
	if err := cache.EvictProfile(context.WithoutCancel(ctx), m.cache); err != nil {
		m.logStorage(opSignOut, err)
	}
}

// ResetPassword sends a recovery email whose link resumes the password-reset flow.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	m.begin()
	defer m.end()

	normalized := normalizeEmail(email)
	if !validEmail(normalized) {
		return m.fail(newAuthError(KindValidation, opResetPassword, "invalid_email", "Please enter a valid email address.", errInvalidEmail), "Reset failed")
	}
	if err := m.backend.ResetPasswordForEmail(ctx, normalized, m.redirects.For(identity.LinkRecovery)); err != nil {
		m.logError(opResetPassword, "backend_failed", err)
		return m.fail(classify(opResetPassword, err), "Reset failed")
	}
	m.notifier.Show(notify.Success("Check your email", "We sent you a link to reset your password."))
	return nil
}

// UpdatePassword changes the password of the signed-in user.
func (m *Manager) UpdatePassword(ctx context.Context, password string) error {
	m.begin()
	defer m.end()

	if len(password) < minPasswordLength {
		return m.fail(newAuthError(KindValidation, opUpdatePassword, "weak_password", "Password must be at least 6 characters.", errWeakPassword), "Update failed")
	}
	if _, err := m.backend.UpdateUser(ctx, identity.UserUpdate{Password: password}, ""); err != nil {
		m.logError(opUpdatePassword, "backend_failed", err)
		return m.fail(classify(opUpdatePassword, err), "Update failed")
	}
	m.notifier.Show(notify.Success("Password updated", "Your password has been changed."))
	return nil
}

// UpdateEmail requests an email change; it completes when the confirmation link is opened.
func (m *Manager) UpdateEmail(ctx context.Context, email string) error {
	m.begin()
	defer m.end()

	normalized := normalizeEmail(email)
	if !validEmail(normalized) {
		return m.fail(newAuthError(KindValidation, opUpdateEmail, "invalid_email", "Please enter a valid email address.", errInvalidEmail), "Update failed")
	}
	if _, err := m.backend.UpdateUser(ctx, identity.UserUpdate{Email: normalized}, m.redirects.For(identity.LinkEmailChange)); err != nil {
		m.logError(opUpdateEmail, "backend_failed", err)
		return m.fail(classify(opUpdateEmail, err), "Update failed")
	}
	m.notifier.Show(notify.Success("Confirm your new email", "We sent a confirmation link to "+normalized+"."))
	return nil
}

// ResendVerification re-sends the sign-up verification email.
func (m *Manager) ResendVerification(ctx context.Context, email string) error {
	m.begin()
	defer m.end()

	normalized := normalizeEmail(email)
	if !validEmail(normalized) {
		return m.fail(newAuthError(KindValidation, opResend, "invalid_email", "Please enter a valid email address.", errInvalidEmail), "Resend failed")
	}
	err := m.backend.Resend(ctx, identity.ResendRequest{
		Type:       identity.LinkSignup,
		Email:      normalized,
		RedirectTo: m.redirects.For(identity.LinkSignup),
	})
	if err != nil {
		m.logError(opResend, "backend_failed", err)
		return m.fail(classify(opResend, err), "Resend failed")
	}
	m.notifier.Show(notify.Success("Email sent", "Check your inbox for the verification link."))
	return nil
}

// RefreshSession exchanges the refresh token for a new session. A failed refresh
// destroys the local session.
func (m *Manager) RefreshSession(ctx context.Context) error {
	m.begin()
	defer m.end()

	refreshed, err := m.backend.RefreshSession(ctx)
	if err != nil {
		m.logError(opRefresh, "backend_failed", err)
		m.clearLocal(ctx)
		return m.fail(classify(opRefresh, err), "Session expired")
	}
	if m.commitSession(refreshed) {
		_ = m.FetchProfile(ctx, refreshed.User.ID)
	}
	return nil
}

// ExchangeTokens turns deep-link token material into the live session.
func (m *Manager) ExchangeTokens(ctx context.Context, accessToken, refreshToken string) (identity.Session, error) {
	m.begin()
	defer m.end()

	if strings.TrimSpace(accessToken) == "" || strings.TrimSpace(refreshToken) == "" {
		return identity.Session{}, newAuthError(KindValidation, opExchange, "missing_tokens", "The link is incomplete.", errMissingTokens)
	}
	exchanged, err := m.backend.SetSession(ctx, accessToken, refreshToken)
	if err != nil {
		m.logError(opExchange, "backend_failed", err)
		return identity.Session{}, classify(opExchange, err)
	}
	m.logger.Info("deep link session established", zap.String("user_id", exchanged.User.ID))
	if m.commitSession(exchanged) {
		_ = m.FetchProfile(ctx, exchanged.User.ID)
	}
	return exchanged, nil
}

// Navigate forwards a route to the configured navigator.
func (m *Manager) Navigate(route Route) {
	m.navigator.Navigate(route)
}

// Notify forwards a notification to the configured sink.
func (m *Manager) Notify(notification notify.Notification) {
	m.notifier.Show(notification)
}
