package models

import "time"

// QbCredential holds one OAuth2 credential set for a QuickBooks realm.
// Refreshing writes a new active row and deactivates the prior ones, so the
// table doubles as a refresh audit trail.
type QbCredential struct {
	ID                    uint       `gorm:"primary_key" json:"id"`
	RealmId               string     `gorm:"index;size:64;not null" json:"realm_id"`
	AccessToken           string     `gorm:"type:text" json:"-"`
	RefreshToken          string     `gorm:"type:text" json:"-"`
	AccessTokenExpiresAt  *time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt *time.Time `json:"refresh_token_expires_at"`
	IsActive              bool       `gorm:"index;default:true" json:"is_active"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
