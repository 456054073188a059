package users

import (
	"strings"
	"time"
)

// Profile is the display data the relay attaches to comments and follower lists.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// Display returns the display name, falling back to the user id.
func (p Profile) Display() string {
	if name := normalize(p.DisplayName); name != "" {
		return name
	}
	return p.UserID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
