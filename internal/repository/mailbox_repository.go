package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault/internal/models"
)

var ErrMailboxNotFound = errors.New("mailbox not found")

// MailboxRepository owns the mailboxes table. remote_id is the natural key.
type MailboxRepository struct {
	db *gorm.DB
}

func NewMailboxRepository(db *gorm.DB) *MailboxRepository {
	return &MailboxRepository{db: db}
}

// Upsert inserts or updates one mailbox keyed on remote_id and returns the
// canonical post-write row.
func (r *MailboxRepository) Upsert(ctx context.Context, mailbox *models.Mailbox) (*models.Mailbox, error) {
	if mailbox.ID == "" {
		mailbox.ID = uuid.New().String()
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "parent_remote_id", "role", "sort_order",
			"total_emails", "unread_emails", "updated_at",
		}),
	}).Create(mailbox)
	if result.Error != nil {
		return nil, storeError("failed to upsert mailbox", result.Error)
	}

	var saved models.Mailbox
	if err := r.db.WithContext(ctx).First(&saved, "remote_id = ?", mailbox.RemoteID).Error; err != nil {
		return nil, storeError("failed to read back mailbox", err)
	}
	return &saved, nil
}

// UpsertAll upserts every mailbox in provider order. Mailbox rows precede
// the emails that reference them, so a failure here fails the tick.
func (r *MailboxRepository) UpsertAll(ctx context.Context, mailboxes []models.Mailbox) ([]models.Mailbox, error) {
	saved := make([]models.Mailbox, 0, len(mailboxes))
	for i := range mailboxes {
		row, err := r.Upsert(ctx, &mailboxes[i])
		if err != nil {
			return saved, err
		}
		saved = append(saved, *row)
	}
	return saved, nil
}

// GetByRemoteID returns the mailbox with the given remote id.
func (r *MailboxRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Mailbox, error) {
	var mailbox models.Mailbox
	result := r.db.WithContext(ctx).First(&mailbox, "remote_id = ?", remoteID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMailboxNotFound
		}
		return nil, storeError("failed to get mailbox", result.Error)
	}
	return &mailbox, nil
}

// List returns all mailboxes ordered by the provider-supplied sort order.
func (r *MailboxRepository) List(ctx context.Context) ([]models.Mailbox, error) {
	var mailboxes []models.Mailbox
	result := r.db.WithContext(ctx).Order("sort_order ASC, name ASC").Find(&mailboxes)
	if result.Error != nil {
		return nil, storeError("failed to list mailboxes", result.Error)
	}
	return mailboxes, nil
}
