package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/broadcast"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu     sync.Mutex
	events *broadcast.Dispatcher[identity.AuthEvent]

	current  *identity.Session
	accounts map[string]identity.User
	nextID   int

	issueSessionOnSignUp bool
	onCreate             func(user identity.User, request identity.SignUpRequest)
	sessionGate          chan struct{}

	signUpErrs    []error
	signInErr     error
	signOutErr    error
	getSessionErr error
	refreshErr    error
	setSessionErr error
	updateUserErr error

	signUpRequests   []identity.SignUpRequest
	signOutCalls     int
	getSessionCalls  int
	setSessionCalls  int
	updateUserCalls  []identity.UserUpdate
	resetRedirects   []string
	resendRequests   []identity.ResendRequest
	updateRedirects  []string
	refreshCallCount int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		events:               broadcast.NewDispatcher[identity.AuthEvent](16),
		accounts:             make(map[string]identity.User),
		issueSessionOnSignUp: true,
	}
}

func (b *fakeBackend) newSession(user identity.User) identity.Session {
	return identity.Session{
		AccessToken:  "access-" + user.ID,
		RefreshToken: "refresh-" + user.ID,
		ExpiresAt:    testNow.Add(time.Hour),
		User:         user,
	}
}

func (b *fakeBackend) SignUp(_ context.Context, request identity.SignUpRequest) (identity.SignUpResult, error) {
	b.mu.Lock()
	b.signUpRequests = append(b.signUpRequests, request)
	if len(b.signUpErrs) > 0 {
		err := b.signUpErrs[0]
		b.signUpErrs = b.signUpErrs[1:]
		if err != nil {
			b.mu.Unlock()
			return identity.SignUpResult{}, err
		}
	}
	if _, exists := b.accounts[request.Email]; exists {
		b.mu.Unlock()
		return identity.SignUpResult{}, identity.NewError(422, identity.CodeUserAlreadyExists, "User already registered")
	}
	b.nextID++
	user := identity.User{ID: fmt.Sprintf("user-%d", b.nextID), Email: request.Email, CreatedAt: testNow}
	if request.Metadata != nil {
		user.Metadata = *request.Metadata
	}
	b.accounts[request.Email] = user
	result := identity.SignUpResult{User: user}
	if b.issueSessionOnSignUp {
		created := b.newSession(user)
		b.current = &created
		result.Session = &created
	}
	onCreate := b.onCreate
	b.mu.Unlock()

	if onCreate != nil {
		onCreate(user, request)
	}
	if result.Session != nil {
		b.events.Publish(identity.AuthEvent{Type: identity.EventSignedIn, Session: result.Session})
	}
	return result, nil
}

func (b *fakeBackend) SignInWithPassword(_ context.Context, email, _ string) (identity.Session, error) {
	b.mu.Lock()
	if b.signInErr != nil {
		err := b.signInErr
		b.mu.Unlock()
		return identity.Session{}, err
	}
	user, ok := b.accounts[email]
	if !ok {
		b.mu.Unlock()
		return identity.Session{}, identity.NewError(400, identity.CodeInvalidCredentials, "Invalid login credentials")
	}
	created := b.newSession(user)
	b.current = &created
	b.mu.Unlock()
	b.events.Publish(identity.AuthEvent{Type: identity.EventSignedIn, Session: &created})
	return created, nil
}

func (b *fakeBackend) SignOut(context.Context) error {
	b.mu.Lock()
	b.signOutCalls++
	if b.signOutErr != nil {
		err := b.signOutErr
		b.mu.Unlock()
		return err
	}
	b.current = nil
	b.mu.Unlock()
	b.events.Publish(identity.AuthEvent{Type: identity.EventSignedOut})
	return nil
}

func (b *fakeBackend) GetSession(ctx context.Context) (*identity.Session, error) {
	b.mu.Lock()
	b.getSessionCalls++
	gate := b.sessionGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getSessionErr != nil {
		return nil, b.getSessionErr
	}
	if b.current == nil {
		return nil, nil
	}
	copied := *b.current
	return &copied, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context) (<-chan identity.AuthEvent, func()) {
	return b.events.Subscribe(ctx)
}

func (b *fakeBackend) ResetPasswordForEmail(_ context.Context, _ string, redirectTo string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetRedirects = append(b.resetRedirects, redirectTo)
	return nil
}

func (b *fakeBackend) UpdateUser(_ context.Context, update identity.UserUpdate, redirectTo string) (identity.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateUserCalls = append(b.updateUserCalls, update)
	b.updateRedirects = append(b.updateRedirects, redirectTo)
	if b.updateUserErr != nil {
		return identity.User{}, b.updateUserErr
	}
	if b.current == nil {
		return identity.User{}, identity.NewError(401, identity.CodeSessionNotFound, "no session")
	}
	if update.Data != nil {
		b.current.User.Metadata = *update.Data
	}
	return b.current.User, nil
}

func (b *fakeBackend) RefreshSession(context.Context) (identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCallCount++
	if b.refreshErr != nil {
		return identity.Session{}, b.refreshErr
	}
	if b.current == nil {
		return identity.Session{}, identity.NewError(401, identity.CodeSessionNotFound, "no session")
	}
	refreshed := b.newSession(b.current.User)
	refreshed.AccessToken += "-refreshed"
	b.current = &refreshed
	return refreshed, nil
}

func (b *fakeBackend) SetSession(_ context.Context, accessToken, refreshToken string) (identity.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setSessionCalls++
	if b.setSessionErr != nil {
		return identity.Session{}, b.setSessionErr
	}
	for _, user := range b.accounts {
		if accessToken == "access-"+user.ID {
			created := b.newSession(user)
			created.RefreshToken = refreshToken
			b.current = &created
			return created, nil
		}
	}
	return identity.Session{}, identity.NewError(401, identity.CodeSessionNotFound, "invalid token")
}

func (b *fakeBackend) Resend(_ context.Context, request identity.ResendRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resendRequests = append(b.resendRequests, request)
	return nil
}

func (b *fakeBackend) seedSession(user identity.User) identity.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[user.Email] = user
	created := b.newSession(user)
	b.current = &created
	return created
}

func (b *fakeBackend) hasSession() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

type fakeStore struct {
	mu       sync.Mutex
	profiles map[string]profiles.Profile
	settings map[string]profiles.Settings

	getErrs           []error
	getErr            error
	insertProfileErr  error
	insertSettingsErr error
	updateErr         error

	getGate    chan struct{}
	getEntered chan string

	getCalls            int
	insertProfileCalls  int
	insertSettingsCalls int
	updateCalls         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles: make(map[string]profiles.Profile),
		settings: make(map[string]profiles.Settings),
	}
}

func (s *fakeStore) GetProfile(ctx context.Context, userID string) (profiles.Profile, error) {
	s.mu.Lock()
	gate, entered := s.getGate, s.getEntered
	s.mu.Unlock()
	if entered != nil {
		select {
		case entered <- userID:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return profiles.Profile{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return profiles.Profile{}, err
		}
	}
	if s.getErr != nil {
		return profiles.Profile{}, s.getErr
	}
	profile, ok := s.profiles[userID]
	if !ok {
		return profiles.Profile{}, profiles.ErrProfileNotFound
	}
	return profile, nil
}

func (s *fakeStore) InsertProfile(_ context.Context, profile profiles.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertProfileCalls++
	if s.insertProfileErr != nil {
		return s.insertProfileErr
	}
	if _, exists := s.profiles[profile.ID]; exists {
		return profiles.ErrProfileExists
	}
	s.profiles[profile.ID] = profile
	return nil
}

func (s *fakeStore) UpdateProfile(_ context.Context, userID string, update profiles.Update) (profiles.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	if s.updateErr != nil {
		return profiles.Profile{}, s.updateErr
	}
	current, ok := s.profiles[userID]
	if !ok {
		return profiles.Profile{}, profiles.ErrProfileNotFound
	}
	next := update.Apply(current)
	next.UpdatedAt = testNow
	s.profiles[userID] = next
	return next, nil
}

func (s *fakeStore) GetSettings(_ context.Context, userID string) (profiles.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[userID]
	if !ok {
		return profiles.Settings{}, profiles.ErrSettingsNotFound
	}
	return settings, nil
}

func (s *fakeStore) InsertSettings(_ context.Context, settings profiles.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertSettingsCalls++
	if s.insertSettingsErr != nil {
		return s.insertSettingsErr
	}
	if _, exists := s.settings[settings.ID]; exists {
		return profiles.ErrSettingsExists
	}
	s.settings[settings.ID] = settings
	return nil
}

func (s *fakeStore) blockFetches(gate chan struct{}, entered chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getGate = gate
	s.getEntered = entered
}

func (s *fakeStore) put(profile profiles.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = profile
}

func (s *fakeStore) has(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.profiles[userID]
	return ok
}

type memoryCache struct {
	mu      sync.Mutex
	values  map[string]string
	failAll error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return "", false, c.failAll
	}
	value, ok := c.values[key]
	return value, ok, nil
}

func (c *memoryCache) Set(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return c.failAll
	}
	c.values[key] = value
	return nil
}

func (c *memoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return c.failAll
	}
	delete(c.values, key)
	return nil
}

func (c *memoryCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.values[key]
	return ok
}

type recordingSink struct {
	mu            sync.Mutex
	notifications []notify.Notification
}

func (s *recordingSink) Show(notification notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification)
}

func (s *recordingSink) kinds() []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]notify.Kind, 0, len(s.notifications))
	for _, notification := range s.notifications {
		kinds = append(kinds, notification.Kind)
	}
	return kinds
}

func (s *recordingSink) last() notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.notifications) == 0 {
		return notify.Notification{}
	}
	return s.notifications[len(s.notifications)-1]
}

type recordingNavigator struct {
	mu     sync.Mutex
	routes []Route
}

func (n *recordingNavigator) Navigate(route Route) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

func (n *recordingNavigator) visited() []Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Route(nil), n.routes...)
}

type harness struct {
	manager   *Manager
	backend   *fakeBackend
	store     *fakeStore
	cache     *memoryCache
	sink      *recordingSink
	navigator *recordingNavigator
	sleeps    []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend:   newFakeBackend(),
		store:     newFakeStore(),
		cache:     newMemoryCache(),
		sink:      &recordingSink{},
		navigator: &recordingNavigator{},
	}
	manager, err := NewManager(ManagerConfig{
		Backend:      h.backend,
		Profiles:     h.store,
		Cache:        h.cache,
		Notifier:     h.sink,
		Navigator:    h.navigator,
		Redirects:    Redirects{Base: "campusmarket://auth/callback"},
		Provisioning: ProvisioningPolicy{Delay: 1500 * time.Millisecond, Attempts: 1},
		Clock:        func() time.Time { return testNow },
		Sleep: func(_ context.Context, duration time.Duration) error {
			h.sleeps = append(h.sleeps, duration)
			return nil
		},
	})
	require.NoError(t, err)
	h.manager = manager
	t.Cleanup(manager.Close)
	return h
}

func (h *harness) heldEvents() int {
	h.manager.mu.Lock()
	defer h.manager.mu.Unlock()
	return len(h.manager.held)
}

func (h *harness) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Initialize(context.Background()))
}
