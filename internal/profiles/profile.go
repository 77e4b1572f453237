package profiles

import (
	"strings"
	"time"
)

// Role is the application role recorded on a profile.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// AcademicInfo captures the optional university details of a profile.
type AcademicInfo struct {
	University     string `gorm:"column:university;size:190" json:"university,omitempty"`
	StudentID      string `gorm:"column:student_id;size:64" json:"student_id,omitempty"`
	Major          string `gorm:"column:major;size:190" json:"major,omitempty"`
	GraduationYear int    `gorm:"column:graduation_year" json:"graduation_year,omitempty"`
}

// Profile is the application-level user record. ID equals the identity id.
type Profile struct {
	ID         string       `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Email      string       `gorm:"column:email;size:320" json:"email"`
	FirstName  string       `gorm:"column:first_name;size:190" json:"first_name"`
	LastName   string       `gorm:"column:last_name;size:190" json:"last_name"`
	FullName   string       `gorm:"column:full_name;size:384" json:"full_name"`
	IsVerified bool         `gorm:"column:is_verified;not null;default:false" json:"is_verified"`
	IsSeller   bool         `gorm:"column:is_seller;not null;default:false" json:"is_seller"`
	Role       Role         `gorm:"column:role;size:32;not null;default:'student'" json:"role"`
	Academic   AcademicInfo `gorm:"embedded;embeddedPrefix:academic_" json:"academic_info"`
	CreatedAt  time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// Settings holds per-user notification, privacy and locale preferences.
type Settings struct {
	ID                   string    `gorm:"column:id;primaryKey;size:190;not null"`
	EmailNotifications   bool      `gorm:"column:email_notifications;not null"`
	PushNotifications    bool      `gorm:"column:push_notifications;not null"`
	MessageNotifications bool      `gorm:"column:message_notifications;not null"`
	ProfileVisibility    string    `gorm:"column:profile_visibility;size:32;not null"`
	ShowEmail            bool      `gorm:"column:show_email;not null"`
	ShowPhone            bool      `gorm:"column:show_phone;not null"`
	Language             string    `gorm:"column:language;size:16;not null"`
	Theme                string    `gorm:"column:theme;size:16;not null"`
	CreatedAt            time.Time `gorm:"column:created_at"`
	UpdatedAt            time.Time `gorm:"column:updated_at"`
}

// TableName exposes the table backing settings.
func (Settings) TableName() string {
	return "settings"
}

// NewProfile builds the row created for a freshly provisioned identity.
func NewProfile(userID, email, firstName, lastName string, now time.Time) Profile {
	first := normalize(firstName)
	last := normalize(lastName)
	return Profile{
		ID:         userID,
		Email:      normalize(email),
		FirstName:  first,
		LastName:   last,
		FullName:   JoinName(first, last),
		IsVerified: false,
		IsSeller:   false,
		Role:       RoleStudent,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
}

// NewSettings builds the default preferences row for userID.
func NewSettings(userID string, now time.Time) Settings {
	return Settings{
		ID:                   userID,
		EmailNotifications:   true,
		PushNotifications:    true,
		MessageNotifications: true,
		ProfileVisibility:    "public",
		ShowEmail:            false,
		ShowPhone:            false,
		Language:             "en",
		Theme:                "system",
		CreatedAt:            now.UTC(),
		UpdatedAt:            now.UTC(),
	}
}

// JoinName composes the display name from its parts.
func JoinName(firstName, lastName string) string {
	return strings.TrimSpace(normalize(firstName) + " " + normalize(lastName))
}

// Update carries a partial profile change. Nil fields are left untouched.
type Update struct {
	FirstName      *string
	LastName       *string
	IsSeller       *bool
	University     *string
	StudentID      *string
	Major          *string
	GraduationYear *int
}

// HasNameChange reports whether the update touches a name field.
func (u Update) HasNameChange() bool {
	return u.FirstName != nil || u.LastName != nil
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return !u.HasNameChange() && u.IsSeller == nil && u.University == nil &&
		u.StudentID == nil && u.Major == nil && u.GraduationYear == nil
}

// Apply returns profile with the update applied in memory.
func (u Update) Apply(profile Profile) Profile {
	if u.FirstName != nil {
		profile.FirstName = normalize(*u.FirstName)
	}
	if u.LastName != nil {
		profile.LastName = normalize(*u.LastName)
	}
	if u.HasNameChange() {
		profile.FullName = JoinName(profile.FirstName, profile.LastName)
	}
	if u.IsSeller != nil {
		profile.IsSeller = *u.IsSeller
	}
	if u.University != nil {
		profile.Academic.University = normalize(*u.University)
	}
	if u.StudentID != nil {
		profile.Academic.StudentID = normalize(*u.StudentID)
	}
	if u.Major != nil {
		profile.Academic.Major = normalize(*u.Major)
	}
	if u.GraduationYear != nil {
		profile.Academic.GraduationYear = *u.GraduationYear
	}
	return profile
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
