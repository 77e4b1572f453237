package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity/localidp"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsProfileFullName(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	require.NoError(t, err, "failed to open sqlite")
	require.NoError(t, database.AutoMigrate(&profiles.Profile{}, &localidp.Account{}, &migrationRecord{}))

	profile := profiles.NewProfile("user-1", "ada@campus.edu", "Ada", "Lovelace", time.Now())
	profile.FullName = ""
	require.NoError(t, database.Create(&profile).Error)

	require.NoError(t, applyMigrations(database, zap.NewNop()))

	var stored profiles.Profile
	require.NoError(t, database.Where("id = ?", profile.ID).Take(&stored).Error)
	assert.Equal(t, "Ada Lovelace", stored.FullName, "full name should be backfilled")

	var record migrationRecord
	require.NoError(t, database.Where("name = ?", migrationBackfillProfileFullName).Take(&record).Error, "migration record should be created")
	assert.NotZero(t, record.AppliedAtSeconds)
}

func TestApplyMigrationsLowercasesAuthEmails(t *testing.T) {
	database, err := OpenSQLite(filepath.Join(t.TempDir(), "emails.db"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(&profiles.Profile{}, &localidp.Account{}, &migrationRecord{}))
	account := localidp.Account{ID: "user-2", Email: "Grace@Campus.EDU", PasswordHash: "x"}
	require.NoError(t, database.Create(&account).Error)

	require.NoError(t, applyMigrations(database, nil))

	var stored localidp.Account
	require.NoError(t, database.Where("id = ?", account.ID).Take(&stored).Error)
	assert.Equal(t, "grace@campus.edu", stored.Email)
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	database, err := OpenBackend(filepath.Join(t.TempDir(), "backend.db"), zap.NewNop())
	require.NoError(t, err)

	profile := profiles.NewProfile("user-3", "x@campus.edu", "Alan", "Turing", time.Now())
	profile.FullName = ""
	require.NoError(t, database.Create(&profile).Error)
	require.NoError(t, applyMigrations(database, zap.NewNop()))

	var stored profiles.Profile
	require.NoError(t, database.Where("id = ?", profile.ID).Take(&stored).Error)
	assert.Empty(t, stored.FullName, "recorded migrations must be skipped")

	var count int64
	require.NoError(t, database.Model(&migrationRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestOpenCacheCreatesEntriesTable(t *testing.T) {
	database, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	assert.True(t, database.Migrator().HasTable("cache_entries"))
}
