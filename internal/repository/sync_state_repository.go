package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vipul43/mailvault/internal/apperr"
	"github.com/vipul43/mailvault/internal/models"
)

// SyncStateRepository owns the per-account cursor rows. The engine is the
// only writer; collaborators read via Get and List.
type SyncStateRepository struct {
	db *sql.DB
}

func NewSyncStateRepository(db *sql.DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

const syncStateColumns = `
	id, account_id, last_sync_token, last_sync_date,
	total_emails_synced, last_error, sync_status, created_at, updated_at
`

// Initialize creates the cursor row for an account if it does not exist and
// returns the current row either way.
func (r *SyncStateRepository) Initialize(ctx context.Context, accountID string) (*models.SyncState, error) {
	query := `
		INSERT INTO sync_state (id, account_id, sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (account_id) DO NOTHING
	`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query, uuid.New().String(), accountID, models.SyncStatusIdle, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to initialize cursor", err)
	}

	return r.Get(ctx, accountID)
}

// Get returns the cursor for one account.
func (r *SyncStateRepository) Get(ctx context.Context, accountID string) (*models.SyncState, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_state WHERE account_id = $1`, syncStateColumns)

	var state models.SyncState
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&state.ID,
		&state.AccountID,
		&state.LastSyncToken,
		&state.LastSyncDate,
		&state.TotalEmailsSynced,
		&state.LastError,
		&state.SyncStatus,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("cursor not found for account %s", accountID)
		}
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to get cursor", err)
	}

	return &state, nil
}

// List returns every account cursor.
func (r *SyncStateRepository) List(ctx context.Context) ([]models.SyncState, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_state ORDER BY account_id ASC`, syncStateColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to list cursors", err)
	}
	defer rows.Close()

	var states []models.SyncState
	for rows.Next() {
		var state models.SyncState
		err := rows.Scan(
			&state.ID,
			&state.AccountID,
			&state.LastSyncToken,
			&state.LastSyncDate,
			&state.TotalEmailsSynced,
			&state.LastError,
			&state.SyncStatus,
			&state.CreatedAt,
			&state.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to scan cursor", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "rows iteration error", err)
	}

	return states, nil
}

// SetStatus updates only the status column.
func (r *SyncStateRepository) SetStatus(ctx context.Context, accountID string, status models.SyncStatus) error {
	query := `
		UPDATE sync_state
		SET sync_status = $1, updated_at = $2
		WHERE account_id = $3
	`

	_, err := r.db.ExecContext(ctx, query, status, time.Now(), accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, "failed to update cursor status", err)
	}
	return nil
}

// Advance moves the cursor to newToken after the corresponding batch has
// been durably persisted, bumps the synced counter, and clears any recorded
// error.
func (r *SyncStateRepository) Advance(ctx context.Context, accountID, newToken string, emailsAdded int, status models.SyncStatus) error {
	query := `
		UPDATE sync_state
		SET last_sync_token = $1,
		    last_sync_date = $2,
		    total_emails_synced = total_emails_synced + $3,
		    sync_status = $4,
		    last_error = NULL,
		    updated_at = $2
		WHERE account_id = $5
	`

	_, err := r.db.ExecContext(ctx, query, newToken, time.Now(), emailsAdded, status, accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, "failed to advance cursor", err)
	}
	return nil
}

// RecordError marks the cursor failed with the message, leaving the sync
// token untouched so the next tick retries from the same point.
func (r *SyncStateRepository) RecordError(ctx context.Context, accountID, message string) error {
	query := `
		UPDATE sync_state
		SET sync_status = $1, last_error = $2, updated_at = $3
		WHERE account_id = $4
	`

	_, err := r.db.ExecContext(ctx, query, models.SyncStatusError, message, time.Now(), accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, "failed to record cursor error", err)
	}
	return nil
}

// Reset clears the cursor, or pins it to the given token, for a full
// re-pull. The synced counter restarts with the new history.
func (r *SyncStateRepository) Reset(ctx context.Context, accountID string, token *string) error {
	query := `
		UPDATE sync_state
		SET last_sync_token = $1,
		    last_sync_date = NULL,
		    total_emails_synced = 0,
		    last_error = NULL,
		    sync_status = $2,
		    updated_at = $3
		WHERE account_id = $4
	`

	_, err := r.db.ExecContext(ctx, query, token, models.SyncStatusIdle, time.Now(), accountID)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, "failed to reset cursor", err)
	}
	return nil
}
