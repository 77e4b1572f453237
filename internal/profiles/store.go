package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrProfileNotFound indicates no profile row exists for the id.
	ErrProfileNotFound = errors.New("profiles: profile not found")
	// ErrProfileExists indicates an insert hit an existing profile row.
	ErrProfileExists = errors.New("profiles: profile already exists")
	// ErrSettingsNotFound indicates no settings row exists for the id.
	ErrSettingsNotFound = errors.New("profiles: settings not found")
	// ErrSettingsExists indicates an insert hit an existing settings row.
	ErrSettingsExists = errors.New("profiles: settings already exist")
	// ErrInvalidUserID indicates an empty identifier.
	ErrInvalidUserID = errors.New("profiles: invalid user id")
)

// Store reads and writes the profiles and settings tables.
type Store interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	InsertProfile(ctx context.Context, profile Profile) error
	UpdateProfile(ctx context.Context, userID string, update Update) (Profile, error)
	GetSettings(ctx context.Context, userID string) (Settings, error)
	InsertSettings(ctx context.Context, settings Settings) error
}

// StoreConfig describes the dependencies of the gorm-backed store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore implements Store on a gorm connection.
type GormStore struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs the store.
func NewGormStore(cfg StoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("profiles: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// GetProfile loads the profile keyed by userID.
func (s *GormStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	id := normalize(userID)
	if id == "" {
		return Profile{}, ErrInvalidUserID
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profiles: select profile: %w", err)
	}
	return profile, nil
}

// InsertProfile creates the row, returning ErrProfileExists when the id is taken.
func (s *GormStore) InsertProfile(ctx context.Context, profile Profile) error {
	if normalize(profile.ID) == "" {
		return ErrInvalidUserID
	}
	if profile.Role == "" {
		profile.Role = RoleStudent
	}
	now := s.now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = now
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&profile)
	if result.Error != nil {
		return fmt.Errorf("profiles: insert profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrProfileExists
	}
	s.logger.Debug("profile inserted", zap.String("user_id", profile.ID))
	return nil
}

// UpdateProfile applies update to the stored row and returns the result.
func (s *GormStore) UpdateProfile(ctx context.Context, userID string, update Update) (Profile, error) {
	id := normalize(userID)
	if id == "" {
		return Profile{}, ErrInvalidUserID
	}
	var updated Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Profile
		err := tx.Where("id = ?", id).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrProfileNotFound
		}
		if err != nil {
			return fmt.Errorf("profiles: select profile: %w", err)
		}
		if update.Empty() {
			updated = current
			return nil
		}

		next := update.Apply(current)
		next.UpdatedAt = s.now().UTC()
		changes := map[string]interface{}{
			"first_name":               next.FirstName,
			"last_name":                next.LastName,
			"full_name":                next.FullName,
			"is_seller":                next.IsSeller,
			"academic_university":      next.Academic.University,
			"academic_student_id":      next.Academic.StudentID,
			"academic_major":           next.Academic.Major,
			"academic_graduation_year": next.Academic.GraduationYear,
			"updated_at":               next.UpdatedAt,
		}
		if err := tx.Model(&Profile{}).Where("id = ?", id).Updates(changes).Error; err != nil {
			return fmt.Errorf("profiles: update profile: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return updated, nil
}

// GetSettings loads the settings keyed by userID.
func (s *GormStore) GetSettings(ctx context.Context, userID string) (Settings, error) {
	id := normalize(userID)
	if id == "" {
		return Settings{}, ErrInvalidUserID
	}
	var settings Settings
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Settings{}, ErrSettingsNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("profiles: select settings: %w", err)
	}
	return settings, nil
}

// InsertSettings creates the row, returning ErrSettingsExists when the id is taken.
func (s *GormStore) InsertSettings(ctx context.Context, settings Settings) error {
	if normalize(settings.ID) == "" {
		return ErrInvalidUserID
	}
	now := s.now().UTC()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = now
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&settings)
	if result.Error != nil {
		return fmt.Errorf("profiles: insert settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSettingsExists
	}
	s.logger.Debug("settings inserted", zap.String("user_id", settings.ID))
	return nil
}
