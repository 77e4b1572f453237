package profiles

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{})
	require.NoError(t, err, "failed to open sqlite")
	require.NoError(t, db.AutoMigrate(&Profile{}, &Settings{}), "failed to migrate profile schema")
	store, err := NewGormStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	require.NoError(t, err)
	return store
}

func TestInsertAndGetProfile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	profile := NewProfile("user-1", " student@campus.edu ", "Ada", "Lovelace", time.Unix(1700000000, 0))
	require.NoError(t, store.InsertProfile(ctx, profile))

	stored, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", stored.FullName)
	assert.Equal(t, "student@campus.edu", stored.Email, "email should be trimmed")
	assert.Equal(t, RoleStudent, stored.Role)
	assert.False(t, stored.IsVerified)
	assert.False(t, stored.IsSeller)
}

func TestInsertProfileReportsExistingRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	profile := NewProfile("user-1", "a@campus.edu", "A", "B", time.Unix(1700000000, 0))

	require.NoError(t, store.InsertProfile(ctx, profile))
	assert.ErrorIs(t, store.InsertProfile(ctx, profile), ErrProfileExists)
}

func TestGetProfileNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetProfile(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	_, err = store.GetProfile(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestUpdateProfileRecomputesFullName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertProfile(ctx, NewProfile("user-1", "a@campus.edu", "Ada", "Lovelace", time.Unix(1600000000, 0))))

	lastName := "Byron"
	seller := true
	year := 2027
	updated, err := store.UpdateProfile(ctx, "user-1", Update{LastName: &lastName, IsSeller: &seller, GraduationYear: &year})
	require.NoError(t, err)
	assert.Equal(t, "Ada Byron", updated.FullName)
	assert.True(t, updated.UpdatedAt.Equal(time.Unix(1700000000, 0).UTC()), "updated_at should come from the clock, got %v", updated.UpdatedAt)

	reloaded, err := store.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Byron", reloaded.FullName)
	assert.True(t, reloaded.IsSeller)
	assert.Equal(t, 2027, reloaded.Academic.GraduationYear)
}

func TestUpdateProfileMissingRow(t *testing.T) {
	store := newTestStore(t)
	name := "Ada"
	_, err := store.UpdateProfile(context.Background(), "missing", Update{FirstName: &name})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestInsertSettingsDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertSettings(ctx, NewSettings("user-1", time.Unix(1700000000, 0))))
	assert.ErrorIs(t, store.InsertSettings(ctx, NewSettings("user-1", time.Unix(1700000000, 0))), ErrSettingsExists)

	settings, err := store.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, settings.EmailNotifications)
	assert.Equal(t, "public", settings.ProfileVisibility)
	assert.Equal(t, "en", settings.Language)
}
