package session

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/logging"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const sagaSignUp = "sign_up"

// SignUpInput carries the registration form.
type SignUpInput struct {
	Email     string `validate:"required,email"`
	Password  string `validate:"min=6"`
	FirstName string `validate:"required"`
	LastName  string `validate:"required"`
}

// SignUpResult describes a fully provisioned account.
type SignUpResult struct {
	User    identity.User
	Session *identity.Session
	Profile profiles.Profile
	// BareRetry is set when the metadata sign-up hit a trigger failure and the
	// identity was created without metadata.
	BareRetry bool
	// Repaired is set when the profile row was inserted by the client.
	Repaired bool
}

// signUpRun is the state threaded through the sign-up saga.
type signUpRun struct {
	input     SignUpInput
	metadata  identity.UserMetadata
	user      identity.User
	session   *identity.Session
	bareRetry bool

	profile         *profiles.Profile
	profileInserted bool
	repaired        bool
	profileErr      error
}

// SignUp creates the identity and guarantees a profile row exists for it. When the
// backend trigger fails to provision, the profile and settings rows are inserted
// by the client; when that also fails the new session is signed out and a
// profile-consistency error is returned. The saga cannot be cancelled once started.
func (m *Manager) SignUp(ctx context.Context, input SignUpInput) (SignUpResult, error) {
	m.begin()
	defer m.end()

	ctx = context.WithoutCancel(ctx)
	run := &signUpRun{input: normalizeSignUp(input)}
	if err := validateSignUp(run.input); err != nil {
		return SignUpResult{}, m.fail(err, "Sign up failed")
	}
	run.metadata = identity.UserMetadata{
		FirstName: run.input.FirstName,
		LastName:  run.input.LastName,
		FullName:  profiles.JoinName(run.input.FirstName, run.input.LastName),
	}

	if err := m.signUpSaga().run(ctx, run); err != nil {
		authErr := classify(opSignUp, err)
		if authErr.Kind() == KindProfileConsistency {
			m.notifier.Show(notify.Failure("Account setup failed", authErr.UserMessage()))
			return SignUpResult{}, authErr
		}
		return SignUpResult{}, m.fail(authErr, "Sign up failed")
	}

	m.notifier.Show(notify.Success("Account created", "Check your email to verify your account."))
	m.navigator.Navigate(RouteVerifyEmail)
	return SignUpResult{
		User:      run.user,
		Session:   run.session,
		Profile:   *run.profile,
		BareRetry: run.bareRetry,
		Repaired:  run.repaired,
	}, nil
}

func (m *Manager) signUpSaga() saga[signUpRun] {
	return saga[signUpRun]{
		name:   sagaSignUp,
		logger: m.logger,
		steps: []sagaStep[signUpRun]{
			{name: "create_identity", action: m.createIdentity, compensate: m.abandonIdentity},
			{name: "await_provisioning", action: m.awaitProvisioning},
			{name: "repair_profile", action: m.repairProfile},
			{name: "repair_settings", action: m.repairSettings},
			{name: "verify_consistency", action: verifyConsistency},
			{name: "commit", action: m.commitSignUp},
		},
	}
}

// createIdentity signs up with metadata and, on a trigger-class database failure,
// retries once without metadata.
func (m *Manager) createIdentity(ctx context.Context, run *signUpRun) error {
	redirect := m.redirects.For(identity.LinkSignup)
	metadata := run.metadata
	result, err := m.backend.SignUp(ctx, identity.SignUpRequest{
		Email:      run.input.Email,
		Password:   run.input.Password,
		Metadata:   &metadata,
		RedirectTo: redirect,
	})
	if err != nil {
		if !identity.IsDatabaseFailure(err) {
			return classify(opSignUp, err)
		}
		m.logger.Warn("provisioning trigger failed, retrying without metadata",
			logging.Email("email", run.input.Email),
			zap.Error(err))
		run.bareRetry = true
		result, err = m.backend.SignUp(ctx, identity.SignUpRequest{
			Email:      run.input.Email,
			Password:   run.input.Password,
			RedirectTo: redirect,
		})
		if err != nil {
			return classify(opSignUp, err)
		}
	}
	run.user = result.User
	run.session = result.Session
	m.logger.Info("identity created",
		zap.String("user_id", run.user.ID),
		zap.Bool("bare_retry", run.bareRetry),
		zap.Bool("session", run.session != nil))
	return nil
}

// abandonIdentity signs the orphaned identity out so it cannot be used.
func (m *Manager) abandonIdentity(ctx context.Context, run *signUpRun) error {
	err := m.backend.SignOut(ctx)
	m.clearLocal(ctx)
	run.session = nil
	return err
}

// awaitProvisioning gives the backend trigger time to finish, then checks for the
// profile row. A failed check counts as not found.
func (m *Manager) awaitProvisioning(ctx context.Context, run *signUpRun) error {
	policy := m.provisioning
	wait := policy.Delay
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
		wait = policy.Interval

		profile, err := m.profiles.GetProfile(ctx, run.user.ID)
		if err == nil {
			run.profile = &profile
			return nil
		}
		if !errors.Is(err, profiles.ErrProfileNotFound) {
			m.logError(opSignUp, "provisioning_check_failed", err,
				zap.String("user_id", run.user.ID),
				zap.Int("attempt", attempt))
		}
	}
	m.logger.Warn("profile not provisioned by backend", zap.String("user_id", run.user.ID))
	return nil
}

// repairProfile inserts the profile row when the trigger did not. A row that already
// exists counts as success. Failure is recorded, not returned, so the settings
// insert still runs.
func (m *Manager) repairProfile(ctx context.Context, run *signUpRun) error {
	if run.profile != nil {
		return nil
	}
	run.profileInserted = true
	candidate := profiles.NewProfile(run.user.ID, run.input.Email, run.input.FirstName, run.input.LastName, m.clock())
	err := m.profiles.InsertProfile(ctx, candidate)
	switch {
	case err == nil:
		run.profile = &candidate
		run.repaired = true
	case errors.Is(err, profiles.ErrProfileExists):
		existing, getErr := m.profiles.GetProfile(ctx, run.user.ID)
		if getErr != nil {
			existing = candidate
		}
		run.profile = &existing
	default:
		m.logError(opSignUp, "profile_insert_failed", err, zap.String("user_id", run.user.ID))
		run.profileErr = err
	}
	return nil
}

// repairSettings inserts the settings row whenever the client attempted the profile
// insert, whatever its outcome; its failure is never fatal.
func (m *Manager) repairSettings(ctx context.Context, run *signUpRun) error {
	if !run.profileInserted {
		return nil
	}
	err := m.profiles.InsertSettings(ctx, profiles.NewSettings(run.user.ID, m.clock()))
	if err != nil && !errors.Is(err, profiles.ErrSettingsExists) {
		m.logError(opSignUp, "settings_insert_failed", err, zap.String("user_id", run.user.ID))
	}
	return nil
}

func verifyConsistency(_ context.Context, run *signUpRun) error {
	if run.profile != nil {
		return nil
	}
	return newAuthError(KindProfileConsistency, opSignUp, "profile_missing",
		"Your account could not be set up. Please try again with a different email or contact support.",
		run.profileErr)
}

func (m *Manager) commitSignUp(_ context.Context, run *signUpRun) error {
	if run.session == nil {
		return nil
	}
	m.commitSession(*run.session)
	m.commitProfile(*run.profile)
	return nil
}

func normalizeSignUp(input SignUpInput) SignUpInput {
	return SignUpInput{
		Email:     normalizeEmail(input.Email),
		Password:  input.Password,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
	}
}

func validateSignUp(input SignUpInput) *AuthError {
	err := inputValidator.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return newAuthError(KindValidation, opSignUp, "invalid_input", "Please check the form and try again.", err)
	}
	switch fieldErrors[0].Field() {
	case "Email":
		return newAuthError(KindValidation, opSignUp, "invalid_email", "Please enter a valid email address.", errInvalidEmail)
	case "Password":
		return newAuthError(KindValidation, opSignUp, "weak_password", "Password must be at least 6 characters.", errWeakPassword)
	default:
		return newAuthError(KindValidation, opSignUp, "missing_name", "Please enter your first and last name.", errMissingName)
	}
}
