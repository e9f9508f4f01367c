package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login onto a canonical gather user id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the public, searchable face of a user.
type Profile struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null" json:"id"`
	Username    string `gorm:"column:username;size:190;not null;uniqueIndex" json:"username"`
	DisplayName string `gorm:"column:display_name;size:320" json:"display_name"`
	AvatarURL   string `gorm:"column:avatar_url;size:512" json:"avatar_url"`
	CreatedAt   int64  `gorm:"column:created_at_s;not null" json:"created_at"`
}

func (Profile) TableName() string {
	return "user_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
