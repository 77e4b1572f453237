package deeplink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	recoveryURL    = "campusmarket://auth/callback#access_token=access-1&refresh_token=refresh-1&type=recovery"
	signupURL      = "campusmarket://auth/callback?type=signup#access_token=access-2&refresh_token=refresh-2"
	emailChangeURL = "campusmarket://auth/callback#access_token=access-3&refresh_token=refresh-3&type=email_change"
)

type fakeSession struct {
	mu            sync.Mutex
	gate          chan struct{}
	exchangeErr   error
	exchanges     []string
	fetches       []string
	routes        []session.Route
	notifications []notify.Notification
}

func (s *fakeSession) ExchangeTokens(ctx context.Context, accessToken, refreshToken string) (identity.Session, error) {
	s.mu.Lock()
	s.exchanges = append(s.exchanges, accessToken)
	gate := s.gate
	err := s.exchangeErr
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return identity.Session{}, err
	}
	return identity.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         identity.User{ID: "user-1", Email: "ada@campus.edu"},
	}, nil
}

func (s *fakeSession) FetchProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, userID)
	return nil
}

func (s *fakeSession) Navigate(route session.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, route)
}

func (s *fakeSession) Notify(notification notify.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, notification)
}

func (s *fakeSession) exchangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

func newTestRouter(t *testing.T, fake *fakeSession) *Router {
	t.Helper()
	router, err := NewRouter(RouterConfig{Session: fake})
	require.NoError(t, err)
	return router
}

func TestRouterRecoveryRoutesToPasswordReset(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)

	outcome := router.Handle(context.Background(), recoveryURL)

	assert.Equal(t, OutcomeRecovery, outcome)
	assert.Equal(t, []string{"access-1"}, fake.exchanges)
	assert.Equal(t, []session.Route{session.RouteResetPassword}, fake.routes)
	assert.Empty(t, fake.notifications)
}

func TestRouterSignupNotifiesVerification(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)

	outcome := router.Handle(context.Background(), signupURL)

	assert.Equal(t, OutcomeSignup, outcome)
	require.Len(t, fake.notifications, 1)
	assert.Equal(t, notify.KindSuccess, fake.notifications[0].Kind)
	assert.Empty(t, fake.routes)
	assert.Empty(t, fake.fetches)
}

func TestRouterEmailChangeRefreshesProfile(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)

	outcome := router.Handle(context.Background(), emailChangeURL)

	assert.Equal(t, OutcomeEmailChange, outcome)
	assert.Equal(t, []string{"user-1"}, fake.fetches)
	require.Len(t, fake.notifications, 1)
	assert.Equal(t, "Email updated", fake.notifications[0].Title)
}

func TestRouterSwallowsExchangeFailure(t *testing.T) {
	fake := &fakeSession{exchangeErr: errors.New("token expired")}
	router := newTestRouter(t, fake)

	outcome := router.Handle(context.Background(), recoveryURL)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, fake.routes)
	assert.Empty(t, fake.notifications)
}

func TestRouterReportsProviderErrorWithoutExchange(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)

	outcome := router.Handle(context.Background(), "campusmarket://auth/callback#error=access_denied&error_description=Link+expired")

	assert.Equal(t, OutcomeRejected, outcome)
	assert.Zero(t, fake.exchangeCount())
	require.Len(t, fake.notifications, 1)
	assert.Equal(t, notify.KindError, fake.notifications[0].Kind)
	assert.Equal(t, "Link expired", fake.notifications[0].Message)
}

func TestRouterIgnoresUnrelatedLinks(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)

	assert.Equal(t, OutcomeIgnored, router.Handle(context.Background(), "campusmarket://listings/42"))
	assert.Zero(t, fake.exchangeCount())
}

func TestRouterExchangesOnceAcrossDeliveryPaths(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)
	events := make(chan string, 2)
	events <- signupURL
	events <- "campusmarket://auth/callback?type=signup#refresh_token=refresh-2&access_token=access-2"
	close(events)

	router.Run(context.Background(), signupURL, events)

	assert.Equal(t, 1, fake.exchangeCount())
	assert.Len(t, fake.notifications, 1)
}

func TestRouterCollapsesConcurrentDeliveries(t *testing.T) {
	fake := &fakeSession{gate: make(chan struct{})}
	router := newTestRouter(t, fake)

	const deliveries = 4
	outcomes := make(chan Outcome, deliveries)
	var wg sync.WaitGroup
	for index := 0; index < deliveries; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- router.Handle(context.Background(), recoveryURL)
		}()
	}
	require.Eventually(t, func() bool { return fake.exchangeCount() == 1 }, time.Second, 5*time.Millisecond)
	close(fake.gate)
	wg.Wait()
	close(outcomes)

	counts := make(map[Outcome]int)
	for outcome := range outcomes {
		counts[outcome]++
	}
	assert.Equal(t, 1, fake.exchangeCount())
	assert.Equal(t, 1, counts[OutcomeRecovery])
	assert.Equal(t, deliveries-1, counts[OutcomeDuplicate])
	assert.Len(t, fake.routes, 1)
}

func TestRouterForgetsOldestLinksBeyondCapacity(t *testing.T) {
	fake := &fakeSession{}
	router, err := NewRouter(RouterConfig{Session: fake, SeenCapacity: 1})
	require.NoError(t, err)

	router.Handle(context.Background(), recoveryURL)
	router.Handle(context.Background(), signupURL)
	router.Handle(context.Background(), recoveryURL)

	assert.Equal(t, 3, fake.exchangeCount())
}

func TestRouterStopsWhenContextEnds(t *testing.T) {
	fake := &fakeSession{}
	router := newTestRouter(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		router.Run(ctx, "", make(chan string))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}

func TestNewRouterRequiresSession(t *testing.T) {
	_, err := NewRouter(RouterConfig{})
	assert.Error(t, err)
}
