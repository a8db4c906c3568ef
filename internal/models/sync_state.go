package models

import "time"

type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"      // No sync has run yet or cursor was reset
	SyncStatusSyncing   SyncStatus = "syncing"   // A tick is in flight
	SyncStatusCompleted SyncStatus = "completed" // Last tick drained the change feed
	SyncStatusError     SyncStatus = "error"     // Last tick failed; cursor unchanged
)

// SyncState is the per-account cursor. last_sync_token only advances after
// the batch it represents is durably persisted.
type SyncState struct {
	ID                string     `gorm:"column:id;primaryKey" json:"id"`
	AccountID         string     `gorm:"column:account_id;uniqueIndex" json:"account_id"`
	LastSyncToken     *string    `gorm:"column:last_sync_token" json:"last_sync_token,omitempty"`
	LastSyncDate      *time.Time `gorm:"column:last_sync_date" json:"last_sync_date,omitempty"`
	TotalEmailsSynced int        `gorm:"column:total_emails_synced" json:"total_emails_synced"`
	LastError         *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	SyncStatus        SyncStatus `gorm:"column:sync_status" json:"sync_status"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_state"
}
