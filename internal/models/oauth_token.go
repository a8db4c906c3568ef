package models

import "time"

// OAuthToken is the persisted credential for one account. AccessToken and
// RefreshToken hold ciphertext in the database; the repository decrypts on
// read, so in-memory values are plaintext and are never written back as is.
type OAuthToken struct {
	ID           string     `gorm:"column:id;primaryKey"`
	AccountID    string     `gorm:"column:account_id;uniqueIndex"`
	AccessToken  string     `gorm:"column:access_token"`
	RefreshToken *string    `gorm:"column:refresh_token"`
	TokenType    string     `gorm:"column:token_type"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	Scope        *string    `gorm:"column:scope"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (OAuthToken) TableName() string {
	return "oauth_tokens"
}
