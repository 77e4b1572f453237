package session

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/broadcast"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/cache"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultProvisioningDelay    = time.Second
	defaultProvisioningInterval = 500 * time.Millisecond
	defaultObserverBuffer       = 32
)

var (
	errMissingBackend  = errors.New("session: identity backend required")
	errMissingProfiles = errors.New("session: profile store required")
	errMissingCache    = errors.New("session: local cache required")
)

// Route names a screen the manager asks the UI to show.
type Route string

const (
	RouteVerifyEmail   Route = "verify-email"
	RouteResetPassword Route = "reset-password"
)

// Navigator moves the UI to a route. Navigate must not block.
type Navigator interface {
	Navigate(route Route)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route Route)

func (f NavigatorFunc) Navigate(route Route) {
	f(route)
}

type discardNavigator struct{}

func (discardNavigator) Navigate(Route) {}

// ProvisioningPolicy controls how long sign-up waits for the backend trigger.
// The first check runs after Delay; further checks run every Interval until
// Attempts checks have found nothing.
type ProvisioningPolicy struct {
	Delay    time.Duration
	Attempts int
	Interval time.Duration
}

func (p ProvisioningPolicy) normalized() ProvisioningPolicy {
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Interval <= 0 {
		p.Interval = defaultProvisioningInterval
	}
	return p
}

// DefaultProvisioningPolicy waits one second and checks once.
func DefaultProvisioningPolicy() ProvisioningPolicy {
	return ProvisioningPolicy{Delay: defaultProvisioningDelay, Attempts: 1, Interval: defaultProvisioningInterval}
}

// Redirects builds the deep-link targets embedded in activation emails.
type Redirects struct {
	Base string
}

// For returns the redirect target encoding flow as the type query parameter.
func (r Redirects) For(flow identity.LinkType) string {
	base := strings.TrimSpace(r.Base)
	if base == "" {
		return ""
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return base
	}
	query := parsed.Query()
	query.Set("type", string(flow))
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// ManagerConfig describes the collaborators of the session manager.
type ManagerConfig struct {
	Backend      identity.Backend
	Profiles     profiles.Store
	Cache        cache.Store
	Notifier     notify.Sink
	Navigator    Navigator
	Redirects    Redirects
	Provisioning ProvisioningPolicy
	Clock        func() time.Time
	Sleep        func(ctx context.Context, duration time.Duration) error
	Logger       *zap.Logger
}

// Manager owns the auth state and every operation that changes it.
type Manager struct {
	backend      identity.Backend
	profiles     profiles.Store
	cache        cache.Store
	notifier     notify.Sink
	navigator    Navigator
	redirects    Redirects
	provisioning ProvisioningPolicy
	clock        func() time.Time
	sleep        func(ctx context.Context, duration time.Duration) error
	logger       *zap.Logger

	mu       sync.Mutex
	state    AuthState
	inflight  int
	held      []identity.AuthEvent
	replaying bool

	observers *broadcast.Dispatcher[AuthState]
	fetches   singleflight.Group

	startOnce   sync.Once
	stopEvents  func()
	eventsDone  chan struct{}
	eventCancel context.CancelFunc
}

// NewManager constructs a manager in the uninitialized phase.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	navigator := cfg.Navigator
	if navigator == nil {
		navigator = discardNavigator{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:      cfg.Backend,
		profiles:     cfg.Profiles,
		cache:        cfg.Cache,
		notifier:     notifier,
		navigator:    navigator,
		redirects:    cfg.Redirects,
		provisioning: cfg.Provisioning.normalized(),
		clock:        clock,
		sleep:        sleep,
		logger:       logger,
		state:        uninitializedState(),
		observers:    broadcast.NewDispatcher[AuthState](defaultObserverBuffer),
	}, nil
}

// State returns the current snapshot.
func (m *Manager) State() AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe streams a snapshot after every commit until ctx ends or cleanup runs.
func (m *Manager) Subscribe(ctx context.Context) (<-chan AuthState, func()) {
	return m.observers.Subscribe(ctx)
}

// Start opens the standing auth-change subscription. Call it before Initialize so
// that transitions during the first check are not missed.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		events, stop := m.backend.Subscribe(loopCtx)
		m.eventCancel = cancel
		m.stopEvents = stop
		m.eventsDone = make(chan struct{})
		go m.consumeEvents(loopCtx, events)
	})
}

// Close stops the auth-change subscription and releases observers.
func (m *Manager) Close() {
	if m.stopEvents != nil {
		m.stopEvents()
		m.eventCancel()
		<-m.eventsDone
	}
	m.observers.Close()
}

// Initialize performs the first session check. It runs at most once per manager;
// later calls return immediately.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state.phase != PhaseUninitialized {
		m.mu.Unlock()
		return nil
	}
	m.state = checkingState().withLoading(m.inflight > 0)
	m.mu.Unlock()
	m.publish()

	m.begin()
	defer m.end()

	current, err := m.backend.GetSession(ctx)
	if err != nil {
		m.logError(opInitialize, "get_session_failed", err)
		current = nil
	}
	if current != nil && current.Expired(m.clock()) {
		refreshed, refreshErr := m.backend.RefreshSession(ctx)
		if refreshErr != nil {
			m.logError(opInitialize, "refresh_failed", refreshErr, zap.String("user_id", current.User.ID))
			current = nil
		} else {
			current = &refreshed
		}
	}

	var profile *profiles.Profile
	if current != nil {
		resolved, fetchErr := m.resolveProfile(ctx, current.User.ID)
		if fetchErr == nil {
			profile = &resolved
		}
	}

	m.mu.Lock()
	if current != nil {
		m.state = authenticatedState(*current, profile).withLoading(m.inflight > 0)
	} else {
		m.state = unauthenticatedState().withLoading(m.inflight > 0)
	}
	m.replaying = true
	pending := len(m.held)
	m.mu.Unlock()
	m.publish()

	m.logger.Info("session initialized",
		zap.Bool("authenticated", current != nil),
		zap.Bool("profile", profile != nil),
		zap.Int("held_events", pending))

	m.replayHeld(ctx)
	return nil
}

// replayHeld applies held events in arrival order. Events delivered while the
// replay runs join the queue, so a live transition never overtakes a held one.
func (m *Manager) replayHeld(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.held) == 0 {
			m.held = nil
			m.replaying = false
			m.mu.Unlock()
			return
		}
		event := m.held[0]
		m.held = m.held[1:]
		m.mu.Unlock()
		m.applyEvent(ctx, event)
	}
}

func (m *Manager) consumeEvents(ctx context.Context, events <-chan identity.AuthEvent) {
	defer close(m.eventsDone)
	for event := range events {
		m.handleEvent(ctx, event)
	}
}

func (m *Manager) handleEvent(ctx context.Context, event identity.AuthEvent) {
	m.mu.Lock()
	if !m.state.Initialized() || m.replaying {
		m.held = append(m.held, event)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.applyEvent(ctx, event)
}

// applyEvent commits an external transition and fetches the profile when the user
// changed or has none yet.
func (m *Manager) applyEvent(ctx context.Context, event identity.AuthEvent) {
	m.logger.Debug("auth state change", zap.String("event", string(event.Type)))
	if event.Session == nil {
		m.commitSignedOut()
		return
	}
	needsProfile := m.commitSession(*event.Session)
	if needsProfile {
		_ = m.FetchProfile(ctx, event.Session.User.ID)
	}
}

// commitSession makes session current. The profile is kept only when the user is
// unchanged. It reports whether a profile fetch is needed.
func (m *Manager) commitSession(next identity.Session) bool {
	m.mu.Lock()
	if !m.state.Initialized() {
		m.held = append(m.held, identity.AuthEvent{Type: identity.EventSignedIn, Session: &next})
		m.mu.Unlock()
		return false
	}
	previous := m.state
	m.state = authenticatedState(next, previous.profile).withLoading(m.inflight > 0)
	needsProfile := m.state.profile == nil
	m.mu.Unlock()
	m.publish()
	return needsProfile
}

// commitSignedOut clears session, user and profile.
func (m *Manager) commitSignedOut() {
	m.mu.Lock()
	if !m.state.Initialized() {
		m.held = append(m.held, identity.AuthEvent{Type: identity.EventSignedOut})
		m.mu.Unlock()
		return
	}
	m.state = unauthenticatedState().withLoading(m.inflight > 0)
	m.mu.Unlock()
	m.publish()
}

// commitProfile stores profile when it belongs to the current user; a fetch that
// completes after the user changed is dropped.
func (m *Manager) commitProfile(profile profiles.Profile) bool {
	m.mu.Lock()
	committed := m.state.phase == PhaseAuthenticated && m.state.userID() == profile.ID
	if committed {
		m.state = m.state.withProfile(profile)
	}
	m.mu.Unlock()
	if committed {
		m.publish()
	}
	return committed
}

func (m *Manager) begin() {
	m.mu.Lock()
	m.inflight++
	m.state = m.state.withLoading(true)
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) end() {
	m.mu.Lock()
	if m.inflight > 0 {
		m.inflight--
	}
	m.state = m.state.withLoading(m.inflight > 0)
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) publish() {
	m.observers.Publish(m.State())
}

func (m *Manager) currentUser() (identity.User, bool) {
	return m.State().User()
}

func (m *Manager) fail(err *AuthError, title string) *AuthError {
	m.notifier.Show(notify.Failure(title, err.UserMessage()))
	return err
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("session manager error", attrs...)
}

func (m *Manager) logStorage(operation string, err error) {
	m.logger.Warn("local cache unavailable",
		zap.String("operation", operation),
		zap.Error(err))
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var inputValidator = validator.New(validator.WithRequiredStructEnabled())

func validEmail(email string) bool {
	return inputValidator.Var(email, "required,email") == nil
}
