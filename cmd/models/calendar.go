package models

import (
	"time"

	"gorm.io/gorm"
)

// CalendarCredential stores the delegated Google OAuth tokens for one user.
// Calendar events are always created under the mentor's credential; a missing
// or inactive row degrades every calendar operation to a recorded no-op.
type CalendarCredential struct {
	gorm.Model
	UserID       uint      `gorm:"column:user_id;not null;uniqueIndex:idx_calendar_credentials_user" json:"user_id"`
	UserRole     string    `gorm:"column:user_role;size:20;not null;uniqueIndex:idx_calendar_credentials_user" json:"user_role"`
	AccessToken  string    `gorm:"column:access_token;type:text;not null" json:"-"`
	RefreshToken string    `gorm:"column:refresh_token;type:text;not null" json:"-"`
	TokenType    string    `gorm:"column:token_type;size:50;default:'Bearer'" json:"token_type"`
	Expiry       time.Time `gorm:"column:expiry;not null;index" json:"expiry"`
	Scope        string    `gorm:"column:scope;size:512" json:"scope"`
	Active       bool      `gorm:"column:active;default:true" json:"active"`
	LastUsedAt   time.Time `gorm:"column:last_used_at" json:"last_used_at"`
}

func (CalendarCredential) TableName() string {
	return "calendar_credentials"
}

// ShouldRefresh reports whether the access token expires within the next
// five minutes and must be rotated before use.
func (c *CalendarCredential) ShouldRefresh(now time.Time) bool {
	return now.Add(5 * time.Minute).After(c.Expiry)
}
