package models

import "time"

// Canonical keyword flags carried in the provider's email records.
const (
	KeywordSeen    = "$seen"
	KeywordFlagged = "$flagged"
)

// Email is an archived message. remote_id is unique; mailbox_id holds the
// remote mailbox id. The engine never hard-deletes rows: is_deleted is the
// tombstone, hard deletes happen only through the retention job.
type Email struct {
	ID               string         `gorm:"column:id;primaryKey"`
	RemoteID         string         `gorm:"column:remote_id;uniqueIndex"`
	ThreadID         *string        `gorm:"column:thread_id;index"`
	MailboxID        string         `gorm:"column:mailbox_id;index"`
	Subject          *string        `gorm:"column:subject"`
	FromAddress      *string        `gorm:"column:from_address"`
	ToAddresses      StringList     `gorm:"column:to_addresses;type:jsonb"`
	CcAddresses      StringList     `gorm:"column:cc_addresses;type:jsonb"`
	BccAddresses     StringList     `gorm:"column:bcc_addresses;type:jsonb"`
	ReplyToAddresses StringList     `gorm:"column:reply_to_addresses;type:jsonb"`
	DateReceived     *time.Time     `gorm:"column:date_received;index"`
	DateSent         *time.Time     `gorm:"column:date_sent"`
	MessageID        *string        `gorm:"column:message_id"`
	InReplyTo        *string        `gorm:"column:in_reply_to"`
	References       StringList     `gorm:"column:references_list;type:jsonb"`
	BodyText         *string        `gorm:"column:body_text"`
	BodyHTML         *string        `gorm:"column:body_html"`
	Attachments      AttachmentList `gorm:"column:attachments;type:jsonb"`
	Flags            FlagMap        `gorm:"column:flags;type:jsonb"`
	SizeBytes        int64          `gorm:"column:size_bytes"`
	IsRead           bool           `gorm:"column:is_read"`
	IsFlagged        bool           `gorm:"column:is_flagged"`
	IsDeleted        bool           `gorm:"column:is_deleted"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Email) TableName() string {
	return "emails"
}

// ApplyFlags derives is_read and is_flagged from the keyword flags.
func (e *Email) ApplyFlags() {
	e.IsRead = e.Flags[KeywordSeen]
	e.IsFlagged = e.Flags[KeywordFlagged]
}

// HasAttachments reports whether the email carries any attachment.
func (e *Email) HasAttachments() bool {
	return len(e.Attachments) > 0
}
