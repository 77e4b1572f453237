package localidp

import (
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/identity"
)

// Account is an identity record with its credentials.
type Account struct {
	ID               string     `gorm:"column:id;primaryKey;size:64;not null"`
	Email            string     `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash     string     `gorm:"column:password_hash;not null"`
	FirstName        string     `gorm:"column:first_name;size:190"`
	LastName         string     `gorm:"column:last_name;size:190"`
	FullName         string     `gorm:"column:full_name;size:384"`
	PendingEmail     string     `gorm:"column:pending_email;size:320"`
	EmailConfirmedAt *time.Time `gorm:"column:email_confirmed_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (Account) TableName() string {
	return "auth_users"
}

func (a Account) user() identity.User {
	return identity.User{
		ID:    a.ID,
		Email: a.Email,
		Metadata: identity.UserMetadata{
			FirstName: a.FirstName,
			LastName:  a.LastName,
			FullName:  a.FullName,
		},
		EmailConfirmedAt: a.EmailConfirmedAt,
		CreatedAt:        a.CreatedAt,
	}
}

// RefreshToken is an opaque single-use refresh credential.
type RefreshToken struct {
	Token     string     `gorm:"column:token;primaryKey;size:64;not null"`
	UserID    string     `gorm:"column:user_id;size:64;not null;index"`
	Revoked   bool       `gorm:"column:revoked;not null;default:false"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (RefreshToken) TableName() string {
	return "auth_refresh_tokens"
}

// OutboxLink is an activation email that would have been delivered.
type OutboxLink struct {
	ID        string    `gorm:"column:id;primaryKey;size:64;not null"`
	Type      string    `gorm:"column:link_type;size:32;not null;index"`
	Email     string    `gorm:"column:email;size:320;not null;index"`
	URL       string    `gorm:"column:url;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (OutboxLink) TableName() string {
	return "auth_link_outbox"
}

// Models lists the tables the provider needs.
func Models() []interface{} {
	return []interface{}{&Account{}, &RefreshToken{}, &OutboxLink{}}
}
