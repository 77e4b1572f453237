package deeplink

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultSeenCapacity = 64

var errMissingSession = errors.New("deeplink: session required")

// Outcome describes what the router did with a delivered URL.
type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRejected    Outcome = "rejected"
	OutcomeFailed      Outcome = "exchange_failed"
	OutcomeRecovery    Outcome = "recovery"
	OutcomeSignup      Outcome = "signup_verified"
	OutcomeEmailChange Outcome = "email_changed"
)

// Session is the part of the session manager the router drives.
type Session interface {
	ExchangeTokens(ctx context.Context, accessToken, refreshToken string) (identity.Session, error)
	FetchProfile(ctx context.Context, userID string) error
	Navigate(route session.Route)
	Notify(notification notify.Notification)
}

// RouterConfig describes the collaborators of the router.
type RouterConfig struct {
	Session      Session
	Logger       *zap.Logger
	SeenCapacity int
}

// Router turns activation URLs into session exchanges. Each logical link is
// exchanged at most once, whichever delivery path reports it first.
type Router struct {
	session  Session
	logger   *zap.Logger
	capacity int

	flights singleflight.Group

	mu    sync.Mutex
	seen  map[string]Outcome
	order []string
}

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := cfg.SeenCapacity
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &Router{
		session:  cfg.Session,
		logger:   logger,
		capacity: capacity,
		seen:     make(map[string]Outcome),
	}, nil
}

// Run handles the cold-start URL and then every URL received on events until
// ctx ends or events closes.
func (r *Router) Run(ctx context.Context, initialURL string, events <-chan string) {
	if strings.TrimSpace(initialURL) != "" {
		r.Handle(ctx, initialURL)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, raw)
		}
	}
}

// Handle processes one delivery of raw.
func (r *Router) Handle(ctx context.Context, raw string) Outcome {
	link, err := Parse(raw)
	if err != nil {
		r.logger.Debug("deep link ignored", zap.Error(err))
		return OutcomeIgnored
	}
	key := link.Key()
	if r.alreadyHandled(key) {
		r.logger.Debug("deep link already handled", zap.String("type", string(link.Type)))
		return OutcomeDuplicate
	}

	executed := false
	value, _, _ := r.flights.Do(key, func() (interface{}, error) {
		if r.alreadyHandled(key) {
			return OutcomeDuplicate, nil
		}
		executed = true
		outcome := r.dispatch(context.WithoutCancel(ctx), link)
		r.remember(key, outcome)
		return outcome, nil
	})
	if !executed {
		return OutcomeDuplicate
	}
	return value.(Outcome)
}

func (r *Router) dispatch(ctx context.Context, link Link) Outcome {
	if link.Failed() {
		r.logger.Warn("deep link carried an error",
			zap.String("type", string(link.Type)),
			zap.String("error_code", link.ErrorCode),
			zap.String("error_description", link.ErrorDescription))
		message := link.ErrorDescription
		if message == "" {
			message = "This link is invalid or has expired."
		}
		r.session.Notify(notify.Failure("Link expired", message))
		return OutcomeRejected
	}

	exchanged, err := r.session.ExchangeTokens(ctx, link.AccessToken, link.RefreshToken)
	if err != nil {
		r.logger.Error("deep link exchange failed",
			zap.String("operation", "deeplink.exchange"),
			zap.String("type", string(link.Type)),
			zap.Error(err))
		return OutcomeFailed
	}

	switch link.Type {
	case identity.LinkRecovery:
		r.session.Navigate(session.RouteResetPassword)
		return OutcomeRecovery
	case identity.LinkSignup:
		r.session.Notify(notify.Success("Email verified", "Your account is now active."))
		return OutcomeSignup
	default:
		if fetchErr := r.session.FetchProfile(ctx, exchanged.User.ID); fetchErr != nil {
			r.logger.Warn("profile refresh after email change failed", zap.Error(fetchErr))
		}
		r.session.Notify(notify.Success("Email updated", "Your email address has been changed."))
		return OutcomeEmailChange
	}
}

func (r *Router) alreadyHandled(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[key]
	return ok
}

func (r *Router) remember(key string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = outcome
	r.order = append(r.order, key)
	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
}
