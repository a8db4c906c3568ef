package models

import "time"

// Mailbox is a remote mailbox mirrored into the archive.
// remote_id is the natural key for upserts.
type Mailbox struct {
	ID             string    `gorm:"column:id;primaryKey"`
	RemoteID       string    `gorm:"column:remote_id;uniqueIndex"`
	Name           string    `gorm:"column:name"`
	ParentRemoteID *string   `gorm:"column:parent_remote_id"`
	Role           *string   `gorm:"column:role"`
	SortOrder      int       `gorm:"column:sort_order"`
	TotalEmails    int       `gorm:"column:total_emails"`
	UnreadEmails   int       `gorm:"column:unread_emails"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Mailbox) TableName() string {
	return "mailboxes"
}
