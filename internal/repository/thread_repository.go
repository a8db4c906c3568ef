package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault/internal/models"
)

var ErrThreadNotFound = errors.New("thread not found")

// ThreadRepository owns the email_threads table. The thread id is the
// remote thread id, so the primary key is also the natural key.
type ThreadRepository struct {
	db *gorm.DB
}

func NewThreadRepository(db *gorm.DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

// Upsert inserts or updates one thread. message_count is always derived
// from the email id list before the write.
func (r *ThreadRepository) Upsert(ctx context.Context, thread *models.Thread) (*models.Thread, error) {
	thread.MessageCount = len(thread.EmailRemoteIDs)

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email_remote_ids", "subject", "mailbox_membership",
			"message_count", "unread_count", "last_message_date", "updated_at",
		}),
	}).Create(thread)
	if result.Error != nil {
		return nil, storeError("failed to upsert thread", result.Error)
	}

	var saved models.Thread
	if err := r.db.WithContext(ctx).First(&saved, "id = ?", thread.ID).Error; err != nil {
		return nil, storeError("failed to read back thread", err)
	}
	return &saved, nil
}

// UpsertAll upserts every thread in order.
func (r *ThreadRepository) UpsertAll(ctx context.Context, threads []models.Thread) ([]models.Thread, error) {
	saved := make([]models.Thread, 0, len(threads))
	for i := range threads {
		row, err := r.Upsert(ctx, &threads[i])
		if err != nil {
			return saved, err
		}
		saved = append(saved, *row)
	}
	return saved, nil
}

// Get returns one thread by its remote id.
func (r *ThreadRepository) Get(ctx context.Context, id string) (*models.Thread, error) {
	var thread models.Thread
	result := r.db.WithContext(ctx).First(&thread, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, storeError("failed to get thread", result.Error)
	}
	return &thread, nil
}
