package session

import (
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
)

// Phase is the lifecycle stage of the auth state.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseChecking
	PhaseAuthenticated
	PhaseUnauthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseChecking:
		return "checking"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// AuthState is an immutable snapshot of the session. Only the authenticated phase
// carries a session, user and profile; the constructors below are the only way to
// build one, so a session can never coexist with an uninitialized phase.
type AuthState struct {
	phase   Phase
	session *identity.Session
	profile *profiles.Profile
	loading bool
}

func uninitializedState() AuthState {
	return AuthState{phase: PhaseUninitialized}
}

func checkingState() AuthState {
	return AuthState{phase: PhaseChecking}
}

func unauthenticatedState() AuthState {
	return AuthState{phase: PhaseUnauthenticated}
}

func authenticatedState(session identity.Session, profile *profiles.Profile) AuthState {
	state := AuthState{phase: PhaseAuthenticated, session: &session}
	if profile != nil && profile.ID == session.User.ID {
		copied := *profile
		state.profile = &copied
	}
	return state
}

// Phase returns the lifecycle stage.
func (s AuthState) Phase() Phase {
	return s.phase
}

// Initialized reports whether the first session check has resolved.
func (s AuthState) Initialized() bool {
	return s.phase == PhaseAuthenticated || s.phase == PhaseUnauthenticated
}

// Loading reports whether any operation is in flight.
func (s AuthState) Loading() bool {
	return s.loading
}

// Session returns the live session.
func (s AuthState) Session() (identity.Session, bool) {
	if s.session == nil {
		return identity.Session{}, false
	}
	return *s.session, true
}

// User returns the signed-in identity.
func (s AuthState) User() (identity.User, bool) {
	if s.session == nil {
		return identity.User{}, false
	}
	return s.session.User, true
}

// Profile returns the profile of the signed-in identity.
func (s AuthState) Profile() (profiles.Profile, bool) {
	if s.profile == nil {
		return profiles.Profile{}, false
	}
	return *s.profile, true
}

func (s AuthState) userID() string {
	if s.session == nil {
		return ""
	}
	return s.session.User.ID
}

func (s AuthState) withProfile(profile profiles.Profile) AuthState {
	if s.phase != PhaseAuthenticated || s.userID() != profile.ID {
		return s
	}
	s.profile = &profile
	return s
}

func (s AuthState) withLoading(loading bool) AuthState {
	s.loading = loading
	return s
}

// Snapshot is the JSON view of an AuthState.
type Snapshot struct {
	Phase       string            `json:"phase"`
	Initialized bool              `json:"initialized"`
	Loading     bool              `json:"loading"`
	User        *SnapshotUser     `json:"user,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Profile     *profiles.Profile `json:"profile,omitempty"`
}

// SnapshotUser is the identity part of a Snapshot. Tokens are never exposed.
type SnapshotUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Confirmed bool   `json:"email_confirmed"`
}

// Snapshot renders the state for observers outside the process.
func (s AuthState) Snapshot() Snapshot {
	snapshot := Snapshot{
		Phase:       s.phase.String(),
		Initialized: s.Initialized(),
		Loading:     s.loading,
	}
	if s.session != nil {
		snapshot.User = &SnapshotUser{
			ID:        s.session.User.ID,
			Email:     s.session.User.Email,
			Confirmed: s.session.User.Confirmed(),
		}
		if !s.session.ExpiresAt.IsZero() {
			expiresAt := s.session.ExpiresAt
			snapshot.ExpiresAt = &expiresAt
		}
	}
	if s.profile != nil {
		profile := *s.profile
		snapshot.Profile = &profile
	}
	return snapshot
}
