package models

import "time"

// Thread groups emails by the remote thread id. message_count always
// equals the number of entries in email_remote_ids.
type Thread struct {
	ID                string     `gorm:"column:id;primaryKey"`
	EmailRemoteIDs    StringList `gorm:"column:email_remote_ids;type:jsonb"`
	Subject           *string    `gorm:"column:subject"`
	MailboxMembership FlagMap    `gorm:"column:mailbox_membership;type:jsonb"`
	MessageCount      int        `gorm:"column:message_count"`
	UnreadCount       int        `gorm:"column:unread_count"`
	LastMessageDate   *time.Time `gorm:"column:last_message_date"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Thread) TableName() string {
	return "email_threads"
}
