package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
)

// ProfileKey is the single key holding the last successfully fetched profile.
const ProfileKey = "campus.user_profile"

// SaveProfile overwrites the cached profile.
func SaveProfile(ctx context.Context, store Store, profile profiles.Profile) error {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("%w: encode profile: %v", ErrStorage, err)
	}
	return store.Set(ctx, ProfileKey, string(encoded))
}

// LoadProfile returns the cached profile and whether one was present.
func LoadProfile(ctx context.Context, store Store) (profiles.Profile, bool, error) {
	raw, ok, err := store.Get(ctx, ProfileKey)
	if err != nil || !ok {
		return profiles.Profile{}, false, err
	}
	var profile profiles.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return profiles.Profile{}, false, fmt.Errorf("%w: decode profile: %v", ErrStorage, err)
	}
	return profile, true, nil
}

// EvictProfile removes the cached profile.
func EvictProfile(ctx context.Context, store Store) error {
	return store.Remove(ctx, ProfileKey)
}
