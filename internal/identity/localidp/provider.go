package localidp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/broadcast"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/cache"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/logging"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SessionKey is the LocalCache key holding the persisted session.
const SessionKey = "campus.auth_session"

const (
	defaultSiteURL     = "campusmarket://auth/callback"
	defaultEventBuffer = 16
	minPasswordLength  = 6
)

// TriggerMode selects how the provisioning trigger behaves on identity creation.
type TriggerMode string

const (
	// TriggerHealthy creates the profile and settings rows with the identity.
	TriggerHealthy TriggerMode = "healthy"
	// TriggerSilent creates the identity and provisions nothing.
	TriggerSilent TriggerMode = "silent"
	// TriggerRejectMetadata fails sign-ups that carry metadata with a database
	// error; bare sign-ups succeed without provisioning.
	TriggerRejectMetadata TriggerMode = "reject_metadata"
)

// ParseTriggerMode maps a configuration value to a TriggerMode.
func ParseTriggerMode(value string) (TriggerMode, error) {
	switch mode := TriggerMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "", TriggerHealthy:
		return TriggerHealthy, nil
	case TriggerSilent, TriggerRejectMetadata:
		return mode, nil
	default:
		return "", fmt.Errorf("localidp: unknown trigger mode %q", value)
	}
}

// Config describes the dependencies of the provider.
type Config struct {
	Database                 *gorm.DB
	Profiles                 profiles.Store
	Sessions                 cache.Store
	Tokens                   *TokenIssuer
	Trigger                  TriggerMode
	RequireEmailConfirmation bool
	SiteURL                  string
	Clock                    func() time.Time
	Logger                   *zap.Logger
}

// Provider is a self-contained identity backend on SQLite. It issues JWT access
// tokens, persists the current session in LocalCache and records activation
// emails in an outbox table.
type Provider struct {
	db       *gorm.DB
	profiles profiles.Store
	sessions cache.Store
	tokens   *TokenIssuer
	trigger  TriggerMode
	confirm  bool
	siteURL  string
	clock    func() time.Time
	logger   *zap.Logger
	events   *broadcast.Dispatcher[identity.AuthEvent]

	mu      sync.Mutex
	current *identity.Session
	loaded  bool
}

// New constructs a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Database == nil {
		return nil, errors.New("localidp: database connection required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("localidp: token issuer required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("localidp: session storage required")
	}
	trigger := cfg.Trigger
	if trigger == "" {
		trigger = TriggerHealthy
	}
	if trigger == TriggerHealthy && cfg.Profiles == nil {
		return nil, errors.New("localidp: profile store required for the healthy trigger")
	}
	siteURL := strings.TrimSpace(cfg.SiteURL)
	if siteURL == "" {
		siteURL = defaultSiteURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		db:       cfg.Database,
		profiles: cfg.Profiles,
		sessions: cfg.Sessions,
		tokens:   cfg.Tokens,
		trigger:  trigger,
		confirm:  cfg.RequireEmailConfirmation,
		siteURL:  siteURL,
		clock:    clock,
		logger:   logger,
		events:   broadcast.NewDispatcher[identity.AuthEvent](defaultEventBuffer),
	}, nil
}

// Close releases event subscribers.
func (p *Provider) Close() {
	p.events.Close()
}

// SignUp creates an identity and runs the provisioning trigger.
func (p *Provider) SignUp(ctx context.Context, request identity.SignUpRequest) (identity.SignUpResult, error) {
	email := normalizeEmail(request.Email)
	if email == "" || !strings.Contains(email, "@") {
		return identity.SignUpResult{}, identity.NewError(422, identity.CodeValidationFailed, "Unable to validate email address: invalid format")
	}
	if len(request.Password) < minPasswordLength {
		return identity.SignUpResult{}, identity.NewError(422, identity.CodeWeakPassword, "Password should be at least 6 characters.")
	}
	if p.trigger == TriggerRejectMetadata && request.Metadata != nil && !request.Metadata.Empty() {
		p.logger.Warn("provisioning trigger rejected sign-up", logging.Email("email", email))
		return identity.SignUpResult{}, identity.NewError(500, identity.CodeUnexpectedFailure, "Database error saving new user")
	}

	existing, err := p.findByEmail(ctx, email)
	if err != nil {
		return identity.SignUpResult{}, err
	}
	if existing != nil {
		return identity.SignUpResult{}, identity.NewError(422, identity.CodeUserAlreadyExists, "User already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), bcrypt.DefaultCost)
	if err != nil {
		return identity.SignUpResult{}, fmt.Errorf("localidp: hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return identity.SignUpResult{}, fmt.Errorf("localidp: generate id: %w", err)
	}
	now := p.clock().UTC()
	account := Account{
		ID:           id.String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if request.Metadata != nil {
		account.FirstName = strings.TrimSpace(request.Metadata.FirstName)
		account.LastName = strings.TrimSpace(request.Metadata.LastName)
		account.FullName = strings.TrimSpace(request.Metadata.FullName)
	}
	if !p.confirm {
		account.EmailConfirmedAt = &now
	}
	if err := p.db.WithContext(ctx).Create(&account).Error; err != nil {
		return identity.SignUpResult{}, fmt.Errorf("localidp: create account: %w", err)
	}

	if err := p.provision(ctx, account); err != nil {
		p.logger.Error("provisioning trigger failed",
			zap.String("user_id", account.ID),
			zap.Error(err))
		if deleteErr := p.db.WithContext(ctx).Delete(&Account{}, "id = ?", account.ID).Error; deleteErr != nil {
			p.logger.Error("rollback of identity failed", zap.String("user_id", account.ID), zap.Error(deleteErr))
		}
		return identity.SignUpResult{}, identity.NewError(500, identity.CodeUnexpectedFailure, "Database error saving new user")
	}

	result := identity.SignUpResult{User: account.user()}
	if p.confirm {
		if err := p.sendLink(ctx, account, identity.LinkSignup, request.RedirectTo); err != nil {
			return identity.SignUpResult{}, err
		}
		return result, nil
	}
	created, err := p.issueSession(ctx, account, "")
	if err != nil {
		return identity.SignUpResult{}, err
	}
	p.install(ctx, created, identity.EventSignedIn)
	result.Session = &created
	return result, nil
}

func (p *Provider) provision(ctx context.Context, account Account) error {
	if p.trigger != TriggerHealthy {
		return nil
	}
	now := p.clock()
	profile := profiles.NewProfile(account.ID, account.Email, account.FirstName, account.LastName, now)
	if err := p.profiles.InsertProfile(ctx, profile); err != nil {
		return err
	}
	return p.profiles.InsertSettings(ctx, profiles.NewSettings(account.ID, now))
}

// SignInWithPassword checks credentials and starts a session.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (identity.Session, error) {
	account, err := p.findByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return identity.Session{}, err
	}
	if account == nil || bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return identity.Session{}, identity.NewError(400, identity.CodeInvalidCredentials, "Invalid login credentials")
	}
	if account.EmailConfirmedAt == nil {
		return identity.Session{}, identity.NewError(400, identity.CodeEmailNotConfirmed, "Email not confirmed")
	}
	created, err := p.issueSession(ctx, *account, "")
	if err != nil {
		return identity.Session{}, err
	}
	p.install(ctx, created, identity.EventSignedIn)
	return created, nil
}

// SignOut revokes the current refresh token and forgets the session.
func (p *Provider) SignOut(ctx context.Context) error {
	current, err := p.GetSession(ctx)
	if err != nil {
		return err
	}
	if current != nil {
		if err := p.revoke(ctx, current.RefreshToken); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.current = nil
	p.loaded = true
	p.mu.Unlock()
	if err := p.sessions.Remove(context.WithoutCancel(ctx), SessionKey); err != nil {
		p.logger.Warn("session storage unavailable", zap.String("operation", "localidp.sign_out"), zap.Error(err))
	}
	p.events.Publish(identity.AuthEvent{Type: identity.EventSignedOut})
	return nil
}

// GetSession returns the persisted session, or nil when none exists.
func (p *Provider) GetSession(ctx context.Context) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		stored, err := p.loadPersisted(ctx)
		if err != nil {
			return nil, err
		}
		p.current = stored
		p.loaded = true
	}
	if p.current == nil {
		return nil, nil
	}
	copied := *p.current
	return &copied, nil
}

// Subscribe streams auth-change events.
func (p *Provider) Subscribe(ctx context.Context) (<-chan identity.AuthEvent, func()) {
	return p.events.Subscribe(ctx)
}

// ResetPasswordForEmail records a recovery link. Unknown addresses succeed silently.
func (p *Provider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	account, err := p.findByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return err
	}
	if account == nil {
		p.logger.Debug("recovery requested for unknown email")
		return nil
	}
	return p.sendLink(ctx, *account, identity.LinkRecovery, redirectTo)
}

// UpdateUser changes the password, requests an email change, or replaces metadata
// for the signed-in user.
func (p *Provider) UpdateUser(ctx context.Context, update identity.UserUpdate, redirectTo string) (identity.User, error) {
	current, err := p.GetSession(ctx)
	if err != nil {
		return identity.User{}, err
	}
	if current == nil {
		return identity.User{}, identity.NewError(401, identity.CodeSessionNotFound, "Auth session missing!")
	}
	account, err := p.findByID(ctx, current.User.ID)
	if err != nil {
		return identity.User{}, err
	}

	updates := map[string]interface{}{"updated_at": p.clock().UTC()}
	if update.Password != "" {
		if len(update.Password) < minPasswordLength {
			return identity.User{}, identity.NewError(422, identity.CodeWeakPassword, "Password should be at least 6 characters.")
		}
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(update.Password), bcrypt.DefaultCost)
		if hashErr != nil {
			return identity.User{}, fmt.Errorf("localidp: hash password: %w", hashErr)
		}
		updates["password_hash"] = string(hash)
	}
	newEmail := normalizeEmail(update.Email)
	if newEmail != "" && newEmail != account.Email {
		taken, findErr := p.findByEmail(ctx, newEmail)
		if findErr != nil {
			return identity.User{}, findErr
		}
		if taken != nil {
			return identity.User{}, identity.NewError(422, identity.CodeUserAlreadyExists, "A user with this email address has already been registered")
		}
		updates["pending_email"] = newEmail
	}
	if update.Data != nil {
		updates["first_name"] = strings.TrimSpace(update.Data.FirstName)
		updates["last_name"] = strings.TrimSpace(update.Data.LastName)
		updates["full_name"] = strings.TrimSpace(update.Data.FullName)
	}
	if err := p.db.WithContext(ctx).Model(&Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		return identity.User{}, fmt.Errorf("localidp: update account: %w", err)
	}
	refreshed, err := p.findByID(ctx, account.ID)
	if err != nil {
		return identity.User{}, err
	}
	if _, pending := updates["pending_email"]; pending {
		target := *refreshed
		target.Email = newEmail
		if err := p.sendLink(ctx, target, identity.LinkEmailChange, redirectTo); err != nil {
			return identity.User{}, err
		}
	}

	next := *current
	next.User = refreshed.user()
	p.install(ctx, next, identity.EventUserUpdated)
	return next.User, nil
}

// RefreshSession rotates the refresh token of the current session.
func (p *Provider) RefreshSession(ctx context.Context) (identity.Session, error) {
	current, err := p.GetSession(ctx)
	if err != nil {
		return identity.Session{}, err
	}
	if current == nil {
		return identity.Session{}, identity.NewError(401, identity.CodeSessionNotFound, "Auth session missing!")
	}
	account, err := p.consumeRefreshToken(ctx, current.RefreshToken, current.User.ID)
	if err != nil {
		return identity.Session{}, err
	}
	refreshed, err := p.issueSession(ctx, account, "")
	if err != nil {
		return identity.Session{}, err
	}
	p.install(ctx, refreshed, identity.EventTokenRefreshed)
	return refreshed, nil
}

// SetSession exchanges link token material for a session and completes the flow
// the link was issued for.
func (p *Provider) SetSession(ctx context.Context, accessToken, refreshToken string) (identity.Session, error) {
	claims, err := p.tokens.Validate(accessToken)
	if err != nil {
		p.logger.Debug("access token rejected", zap.Error(err))
		return identity.Session{}, identity.NewError(401, identity.CodeSessionNotFound, "Invalid or expired token")
	}
	account, err := p.consumeRefreshToken(ctx, refreshToken, claims.Subject)
	if err != nil {
		return identity.Session{}, err
	}

	now := p.clock().UTC()
	updates := map[string]interface{}{}
	switch identity.LinkType(claims.Purpose) {
	case identity.LinkSignup:
		if account.EmailConfirmedAt == nil {
			updates["email_confirmed_at"] = now
		}
	case identity.LinkEmailChange:
		if account.PendingEmail != "" && account.PendingEmail == claims.Email {
			updates["email"] = account.PendingEmail
			updates["pending_email"] = ""
		}
	}
	if len(updates) > 0 {
		updates["updated_at"] = now
		if err := p.db.WithContext(ctx).Model(&Account{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
			return identity.Session{}, fmt.Errorf("localidp: complete %s link: %w", claims.Purpose, err)
		}
		reloaded, findErr := p.findByID(ctx, account.ID)
		if findErr != nil {
			return identity.Session{}, findErr
		}
		account = *reloaded
	}

	created, err := p.issueSession(ctx, account, "")
	if err != nil {
		return identity.Session{}, err
	}
	eventType := identity.EventSignedIn
	if identity.LinkType(claims.Purpose) == identity.LinkRecovery {
		eventType = identity.EventPasswordRecovery
	}
	p.install(ctx, created, eventType)
	return created, nil
}

// Resend records another activation link of the requested type.
func (p *Provider) Resend(ctx context.Context, request identity.ResendRequest) error {
	if request.Type != identity.LinkSignup && request.Type != identity.LinkEmailChange {
		return identity.NewError(400, identity.CodeValidationFailed, "Unsupported resend type")
	}
	account, err := p.findByEmail(ctx, normalizeEmail(request.Email))
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	if request.Type == identity.LinkSignup {
		if account.EmailConfirmedAt != nil {
			return nil
		}
		return p.sendLink(ctx, *account, identity.LinkSignup, request.RedirectTo)
	}
	if account.PendingEmail == "" {
		return nil
	}
	target := *account
	target.Email = account.PendingEmail
	return p.sendLink(ctx, target, identity.LinkEmailChange, request.RedirectTo)
}

// Outbox lists recorded activation links for email, newest first. An empty email
// lists every link.
func (p *Provider) Outbox(ctx context.Context, email string) ([]OutboxLink, error) {
	query := p.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if normalized := normalizeEmail(email); normalized != "" {
		query = query.Where("email = ?", normalized)
	}
	var links []OutboxLink
	if err := query.Find(&links).Error; err != nil {
		return nil, fmt.Errorf("localidp: list outbox: %w", err)
	}
	return links, nil
}

func (p *Provider) issueSession(ctx context.Context, account Account, purpose identity.LinkType) (identity.Session, error) {
	access, expiresAt, err := p.tokens.Issue(account.ID, account.Email, purpose)
	if err != nil {
		return identity.Session{}, fmt.Errorf("localidp: issue access token: %w", err)
	}
	refresh, err := uuid.NewV7()
	if err != nil {
		return identity.Session{}, fmt.Errorf("localidp: generate refresh token: %w", err)
	}
	record := RefreshToken{Token: refresh.String(), UserID: account.ID, CreatedAt: p.clock().UTC()}
	if err := p.db.WithContext(ctx).Create(&record).Error; err != nil {
		return identity.Session{}, fmt.Errorf("localidp: store refresh token: %w", err)
	}
	return identity.Session{
		AccessToken:  access,
		RefreshToken: record.Token,
		ExpiresAt:    expiresAt,
		User:         account.user(),
	}, nil
}

// consumeRefreshToken revokes token and returns its account. The token must belong
// to userID and must not have been used.
func (p *Provider) consumeRefreshToken(ctx context.Context, token, userID string) (Account, error) {
	invalid := identity.NewError(401, identity.CodeSessionNotFound, "Invalid Refresh Token")
	if strings.TrimSpace(token) == "" {
		return Account{}, invalid
	}
	now := p.clock().UTC()
	result := p.db.WithContext(ctx).Model(&RefreshToken{}).
		Where("token = ? AND user_id = ? AND revoked = ?", token, userID, false).
		Updates(map[string]interface{}{"revoked": true, "revoked_at": now})
	if result.Error != nil {
		return Account{}, fmt.Errorf("localidp: consume refresh token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Account{}, invalid
	}
	account, err := p.findByID(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	return *account, nil
}

func (p *Provider) revoke(ctx context.Context, token string) error {
	now := p.clock().UTC()
	return p.db.WithContext(ctx).Model(&RefreshToken{}).
		Where("token = ? AND revoked = ?", token, false).
		Updates(map[string]interface{}{"revoked": true, "revoked_at": now}).Error
}

func (p *Provider) sendLink(ctx context.Context, account Account, linkType identity.LinkType, redirectTo string) error {
	linked, err := p.issueSession(ctx, account, linkType)
	if err != nil {
		return err
	}
	target, err := p.linkURL(redirectTo, linkType, linked.AccessToken, linked.RefreshToken)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("localidp: generate link id: %w", err)
	}
	record := OutboxLink{
		ID:        id.String(),
		Type:      string(linkType),
		Email:     account.Email,
		URL:       target,
		CreatedAt: p.clock().UTC(),
	}
	if err := p.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("localidp: record outbox link: %w", err)
	}
	p.logger.Info("activation link issued",
		zap.String("type", string(linkType)),
		zap.String("user_id", account.ID))
	return nil
}

func (p *Provider) linkURL(redirectTo string, linkType identity.LinkType, accessToken, refreshToken string) (string, error) {
	base := strings.TrimSpace(redirectTo)
	if base == "" {
		base = p.siteURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("localidp: invalid redirect %q: %w", base, err)
	}
	fragment := url.Values{}
	fragment.Set("access_token", accessToken)
	fragment.Set("refresh_token", refreshToken)
	fragment.Set("type", string(linkType))
	parsed.Fragment = ""
	return parsed.String() + "#" + fragment.Encode(), nil
}

func (p *Provider) install(ctx context.Context, next identity.Session, eventType identity.EventType) {
	p.mu.Lock()
	copied := next
	p.current = &copied
	p.loaded = true
	p.mu.Unlock()

	encoded, err := json.Marshal(next)
	if err == nil {
		err = p.sessions.Set(context.WithoutCancel(ctx), SessionKey, string(encoded))
	}
	if err != nil {
		p.logger.Warn("session storage unavailable", zap.String("operation", "localidp.persist"), zap.Error(err))
	}
	p.events.Publish(identity.AuthEvent{Type: eventType, Session: &copied})
}

func (p *Provider) loadPersisted(ctx context.Context) (*identity.Session, error) {
	raw, ok, err := p.sessions.Get(ctx, SessionKey)
	if err != nil {
		p.logger.Warn("session storage unavailable", zap.String("operation", "localidp.load"), zap.Error(err))
		return nil, nil
	}
	if !ok {
		return nil, nil
	}
	var stored identity.Session
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		p.logger.Warn("discarding unreadable session", zap.Error(err))
		return nil, nil
	}
	return &stored, nil
}

func (p *Provider) findByEmail(ctx context.Context, email string) (*Account, error) {
	var account Account
	err := p.db.WithContext(ctx).Where("email = ?", email).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localidp: find account: %w", err)
	}
	return &account, nil
}

func (p *Provider) findByID(ctx context.Context, id string) (*Account, error) {
	var account Account
	err := p.db.WithContext(ctx).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, identity.NewError(404, identity.CodeSessionNotFound, "User not found")
	}
	if err != nil {
		return nil, fmt.Errorf("localidp: find account: %w", err)
	}
	return &account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
