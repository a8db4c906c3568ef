package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault/internal/models"
)

var ErrEmailNotFound = errors.New("email not found")

// emailUpdateColumns are the non-key columns replaced on conflict.
var emailUpdateColumns = []string{
	"thread_id", "mailbox_id", "subject", "from_address",
	"to_addresses", "cc_addresses", "bcc_addresses", "reply_to_addresses",
	"date_received", "date_sent", "message_id", "in_reply_to", "references_list",
	"body_text", "body_html", "attachments", "flags", "size_bytes",
	"is_read", "is_flagged", "is_deleted", "updated_at",
}

// EmailRepository owns the emails table and the derived email_search rows.
// Every write path is an idempotent upsert keyed on remote_id; the search
// row is recomputed in the same transaction as the email it indexes.
type EmailRepository struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewEmailRepository(db *gorm.DB, logger *logrus.Logger) *EmailRepository {
	return &EmailRepository{db: db, logger: logger}
}

// Upsert inserts or updates one email and refreshes its search row.
// Returns the canonical post-write row.
func (r *EmailRepository) Upsert(ctx context.Context, email *models.Email) (*models.Email, error) {
	var saved models.Email
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertEmailTx(tx, email, &saved)
	})
	if err != nil {
		return nil, storeError("failed to upsert email", err)
	}
	return &saved, nil
}

// UpsertBatch writes every email, tolerating per-item conflicts: a conflict
// is handled as an update and the unrelated items still commit. Each item
// runs in its own transaction so one bad record cannot abort the batch.
// The returned slice lists the rows that were durably written.
func (r *EmailRepository) UpsertBatch(ctx context.Context, emails []models.Email) ([]models.Email, error) {
	written := make([]models.Email, 0, len(emails))
	var firstErr error

	for i := range emails {
		var saved models.Email
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return upsertEmailTx(tx, &emails[i], &saved)
		})
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"remote_id": emails[i].RemoteID,
			}).WithError(err).Warn("failed to persist email, continuing batch")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written = append(written, saved)
	}

	// Surface the failure only when nothing committed; a partially written
	// batch is safe to replay because the cursor will not advance past it.
	if len(written) == 0 && firstErr != nil {
		return nil, storeError("failed to upsert email batch", firstErr)
	}
	return written, nil
}

// upsertEmailTx performs the upsert and search-row refresh inside tx.
func upsertEmailTx(tx *gorm.DB, email *models.Email, saved *models.Email) error {
	if email.ID == "" {
		email.ID = uuid.New().String()
	}
	email.ApplyFlags()
	if err := validateAddressLists(email); err != nil {
		return err
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns(emailUpdateColumns),
	}).Create(email).Error; err != nil {
		return err
	}

	// The conflict path keeps the existing primary key, so read the
	// canonical row back before touching the search index.
	if err := tx.First(saved, "remote_id = ?", email.RemoteID).Error; err != nil {
		return err
	}

	if saved.IsDeleted {
		return tx.Exec(`DELETE FROM email_search WHERE email_id = ?`, saved.ID).Error
	}
	return refreshSearchRowTx(tx, saved)
}

// refreshSearchRowTx recomputes the search vector and content hash for the
// email from its current subject, sender, and bodies.
func refreshSearchRowTx(tx *gorm.DB, email *models.Email) error {
	text := SearchText(email)
	hash := ContentHash(email)
	return tx.Exec(`
		INSERT INTO email_search (email_id, search_vector, content_hash)
		VALUES (?, to_tsvector('english', ?), ?)
		ON CONFLICT (email_id) DO UPDATE
		SET search_vector = EXCLUDED.search_vector,
		    content_hash = EXCLUDED.content_hash
	`, email.ID, text, hash).Error
}

// SearchText assembles the tokenization input for an email's search row.
func SearchText(email *models.Email) string {
	parts := make([]string, 0, 4)
	if email.Subject != nil {
		parts = append(parts, *email.Subject)
	}
	if email.FromAddress != nil {
		parts = append(parts, *email.FromAddress)
	}
	if email.BodyText != nil {
		parts = append(parts, *email.BodyText)
	}
	if email.BodyHTML != nil {
		parts = append(parts, *email.BodyHTML)
	}
	return strings.Join(parts, " ")
}

// ContentHash returns the stable hash over the search-text inputs, used for
// cheap change detection on the search row.
func ContentHash(email *models.Email) string {
	sum := sha256.Sum256([]byte(SearchText(email)))
	return hex.EncodeToString(sum[:])
}

// validateAddressLists rejects rows whose serialized address lists would be
// malformed. The JSONB column is opaque to the database, so shape is
// enforced here on write.
func validateAddressLists(email *models.Email) error {
	for _, list := range []models.StringList{
		email.ToAddresses, email.CcAddresses, email.BccAddresses, email.ReplyToAddresses,
	} {
		for _, addr := range list {
			if strings.TrimSpace(addr) == "" {
				return errors.New("address list contains an empty entry")
			}
		}
	}
	return nil
}

// MarkDeleted sets the tombstone on the email with the given remote id and
// drops its search row. Unknown ids are a no-op so webhook redeliveries
// stay idempotent.
func (r *EmailRepository) MarkDeleted(ctx context.Context, remoteID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var email models.Email
		if err := tx.First(&email, "remote_id = ?", remoteID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Model(&models.Email{}).
			Where("remote_id = ?", remoteID).
			Updates(map[string]interface{}{
				"is_deleted": true,
				"updated_at": time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM email_search WHERE email_id = ?`, email.ID).Error
	})
	if err != nil {
		return storeError("failed to mark email deleted", err)
	}
	return nil
}

// PurgeDeleted hard-deletes tombstoned emails older than the cutoff. This
// is the retention job, the only path that removes email rows.
func (r *EmailRepository) PurgeDeleted(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("is_deleted = ? AND updated_at < ?", true, olderThan).
		Delete(&models.Email{})
	if result.Error != nil {
		return 0, storeError("failed to purge deleted emails", result.Error)
	}
	return result.RowsAffected, nil
}

// GetByRemoteID returns the email with the given remote id.
func (r *EmailRepository) GetByRemoteID(ctx context.Context, remoteID string) (*models.Email, error) {
	var email models.Email
	result := r.db.WithContext(ctx).First(&email, "remote_id = ?", remoteID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrEmailNotFound
		}
		return nil, storeError("failed to get email", result.Error)
	}
	return &email, nil
}

// emailSortColumns whitelists sortable fields for mailbox listings.
// User-supplied sort values never reach the SQL directly.
var emailSortColumns = map[string]string{
	"date_received": "date_received",
	"date_sent":     "date_sent",
	"subject":       "subject",
	"size":          "size_bytes",
}

// ListInMailbox returns non-deleted emails in one mailbox. An empty sort
// means newest received first.
func (r *EmailRepository) ListInMailbox(ctx context.Context, mailboxID, sort string, descending bool, limit, offset int) ([]models.Email, error) {
	column := "date_received"
	if sort != "" {
		whitelisted, ok := emailSortColumns[sort]
		if !ok {
			return nil, errors.New("unsupported sort field: " + sort)
		}
		column = whitelisted
	} else {
		descending = true
	}

	direction := "ASC"
	if descending {
		direction = "DESC"
	}

	var emails []models.Email
	result := r.db.WithContext(ctx).
		Where("mailbox_id = ? AND is_deleted = ?", mailboxID, false).
		Order(column + " " + direction + " NULLS LAST").
		Limit(limit).Offset(offset).
		Find(&emails)
	if result.Error != nil {
		return nil, storeError("failed to list emails in mailbox", result.Error)
	}
	return emails, nil
}

// Recent returns the most recently received non-deleted emails.
func (r *EmailRepository) Recent(ctx context.Context, limit int) ([]models.Email, error) {
	var emails []models.Email
	result := r.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("date_received DESC NULLS LAST").
		Limit(limit).
		Find(&emails)
	if result.Error != nil {
		return nil, storeError("failed to list recent emails", result.Error)
	}
	return emails, nil
}
