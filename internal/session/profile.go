package session

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/cache"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"go.uber.org/zap"
)

// FetchProfile loads the profile of userID and commits it when userID is still the
// signed-in user. When the live fetch fails, a cached profile with the same id is
// used instead; otherwise the in-memory profile is left untouched.
func (m *Manager) FetchProfile(ctx context.Context, userID string) error {
	profile, err := m.resolveProfile(ctx, userID)
	if err != nil {
		return err
	}
	m.commitProfile(profile)
	return nil
}

// resolveProfile collapses concurrent fetches for the same user into one call.
func (m *Manager) resolveProfile(ctx context.Context, userID string) (profiles.Profile, error) {
	value, err, _ := m.fetches.Do(userID, func() (interface{}, error) {
		return m.loadProfile(ctx, userID)
	})
	if err != nil {
		return profiles.Profile{}, err
	}
	return value.(profiles.Profile), nil
}

func (m *Manager) loadProfile(ctx context.Context, userID string) (profiles.Profile, error) {
	profile, err := m.profiles.GetProfile(ctx, userID)
	if err == nil {
		if cacheErr := cache.SaveProfile(ctx, m.cache, profile); cacheErr != nil {
			m.logStorage(opFetchProfile, cacheErr)
		}
		return profile, nil
	}
	if errors.Is(err, profiles.ErrProfileNotFound) {
		m.logger.Warn("profile missing for identity", zap.String("user_id", userID))
		return profiles.Profile{}, newAuthError(KindProfileConsistency, opFetchProfile, "profile_missing", "Your profile could not be found.", err)
	}

	m.logError(opFetchProfile, "select_failed", err, zap.String("user_id", userID))
	cached, ok, cacheErr := cache.LoadProfile(ctx, m.cache)
	if cacheErr != nil {
		m.logStorage(opFetchProfile, cacheErr)
	}
	if ok && cached.ID == userID {
		m.logger.Info("using cached profile", zap.String("user_id", userID))
		return cached, nil
	}
	return profiles.Profile{}, newAuthError(KindNetwork, opFetchProfile, "unavailable", "Unable to load your profile.", err)
}

// UpdateProfile applies a partial change. Name changes are pushed to the identity
// first and abort the whole update on failure. The auth state is committed only
// after the profile store accepted the change.
func (m *Manager) UpdateProfile(ctx context.Context, update profiles.Update) (profiles.Profile, error) {
	m.begin()
	defer m.end()

	user, ok := m.currentUser()
	if !ok {
		return profiles.Profile{}, m.fail(newAuthError(KindValidation, opUpdateProfile, "not_signed_in", "Please sign in to update your profile.", errNotSignedIn), "Update failed")
	}

	if update.HasNameChange() {
		metadata := m.nameMetadata(user, update)
		if _, err := m.backend.UpdateUser(ctx, identity.UserUpdate{Data: &metadata}, ""); err != nil {
			m.logError(opUpdateProfile, "metadata_update_failed", err, zap.String("user_id", user.ID))
			return profiles.Profile{}, m.fail(classify(opUpdateProfile, err), "Update failed")
		}
	}

	updated, err := m.profiles.UpdateProfile(ctx, user.ID, update)
	if err != nil {
		m.logError(opUpdateProfile, "store_update_failed", err, zap.String("user_id", user.ID))
		return profiles.Profile{}, m.fail(classify(opUpdateProfile, err), "Update failed")
	}

	if cacheErr := cache.SaveProfile(ctx, m.cache, updated); cacheErr != nil {
		m.logStorage(opUpdateProfile, cacheErr)
	}
	m.commitProfile(updated)
	m.notifier.Show(notify.Success("Profile updated", "Your changes have been saved."))
	return updated, nil
}

func (m *Manager) nameMetadata(user identity.User, update profiles.Update) identity.UserMetadata {
	first := user.Metadata.FirstName
	last := user.Metadata.LastName
	if current, ok := m.State().Profile(); ok {
		first = current.FirstName
		last = current.LastName
	}
	if update.FirstName != nil {
		first = strings.TrimSpace(*update.FirstName)
	}
	if update.LastName != nil {
		last = strings.TrimSpace(*update.LastName)
	}
	return identity.UserMetadata{
		FirstName: first,
		LastName:  last,
		FullName:  profiles.JoinName(first, last),
	}
}
