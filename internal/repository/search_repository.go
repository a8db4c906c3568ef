package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vipul43/mailvault/internal/apperr"
)

// SortRank orders results by text-relevance score descending.
const SortRank = "rank"

// sortColumns whitelists the sortable fields. User-supplied sort values are
// resolved through this map and never interpolated into SQL.
var sortColumns = map[string]string{
	"date_received": "e.date_received",
	"date_sent":     "e.date_sent",
	"subject":       "e.subject",
	"size":          "e.size_bytes",
}

// SearchFilters narrows a full-text query.
type SearchFilters struct {
	MailboxIDs     []string
	DateFrom       *time.Time
	DateTo         *time.Time
	IsRead         *bool
	IsFlagged      *bool
	HasAttachments *bool
}

// SearchHit is one ranked search result.
type SearchHit struct {
	EmailID      string
	Subject      *string
	From         *string
	Snippet      string
	Rank         float64
	DateReceived *time.Time
	IsRead       bool
	IsFlagged    bool
}

// HealthStatus summarizes archive liveness.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "HEALTHY"
	HealthWarning HealthStatus = "WARNING"
	HealthError   HealthStatus = "ERROR"
)

// HealthReport is the result of a health probe.
type HealthReport struct {
	Status          HealthStatus `json:"status"`
	TotalAccounts   int          `json:"total_accounts"`
	ErrorAccounts   int          `json:"error_accounts"`
	StaleAccounts   int          `json:"stale_accounts"`
	LastSyncDate    *time.Time   `json:"last_sync_date,omitempty"`
	LastSyncAge     string       `json:"last_sync_age,omitempty"`
	ArchivedEmails  int          `json:"archived_emails"`
	ArchivedThreads int          `json:"archived_threads"`
}

// IntegrityCheck is one row of a validate_integrity run.
type IntegrityCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Issues int    `json:"issues"`
}

// RepairAction is one row of a repair_integrity run.
type RepairAction struct {
	Name          string `json:"name"`
	ItemsAffected int64  `json:"items_affected"`
}

// MailboxCount is one per-mailbox aggregate row.
type MailboxCount struct {
	MailboxID string `json:"mailbox_id"`
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Unread    int    `json:"unread"`
}

// MonthCount is one per-month histogram row.
type MonthCount struct {
	Month string `json:"month"`
	Total int    `json:"total"`
}

// Stats is the archive-wide aggregate snapshot. The three top-level counts
// are computed as independent aggregates over the same scan.
type Stats struct {
	TotalEmails    int            `json:"total_emails"`
	UnreadEmails   int            `json:"unread_emails"`
	FlaggedEmails  int            `json:"flagged_emails"`
	TotalMailboxes int            `json:"total_mailboxes"`
	TotalThreads   int            `json:"total_threads"`
	PerMailbox     []MailboxCount `json:"per_mailbox"`
	PerMonth       []MonthCount   `json:"per_month"`
}

// SearchRepository is the read-side of the archive: ranked text search,
// aggregates, and the integrity and health queries. All mutation happens in
// the writer repositories; everything here is parameter-bound SELECTs plus
// the explicit repair statements.
type SearchRepository struct {
	db *sql.DB
}

func NewSearchRepository(db *sql.DB) *SearchRepository {
	return &SearchRepository{db: db}
}

// Search runs a ranked full-text query over non-deleted emails. With
// sort = "rank" results order by relevance descending; any other sort
// orders by that column with rank reported as 0.
func (r *SearchRepository) Search(ctx context.Context, queryText string, filters SearchFilters, sort string, descending bool, limit, offset int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	args := []interface{}{queryText}
	conditions := []string{
		"e.is_deleted = false",
		"s.search_vector @@ websearch_to_tsquery('english', $1)",
	}

	if len(filters.MailboxIDs) > 0 {
		placeholders := make([]string, 0, len(filters.MailboxIDs))
		for _, id := range filters.MailboxIDs {
			args = append(args, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conditions = append(conditions, fmt.Sprintf("e.mailbox_id IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.DateFrom != nil {
		args = append(args, *filters.DateFrom)
		conditions = append(conditions, fmt.Sprintf("e.date_received >= $%d", len(args)))
	}
	if filters.DateTo != nil {
		args = append(args, *filters.DateTo)
		conditions = append(conditions, fmt.Sprintf("e.date_received <= $%d", len(args)))
	}
	if filters.IsRead != nil {
		args = append(args, *filters.IsRead)
		conditions = append(conditions, fmt.Sprintf("e.is_read = $%d", len(args)))
	}
	if filters.IsFlagged != nil {
		args = append(args, *filters.IsFlagged)
		conditions = append(conditions, fmt.Sprintf("e.is_flagged = $%d", len(args)))
	}
	if filters.HasAttachments != nil {
		if *filters.HasAttachments {
			conditions = append(conditions, "jsonb_array_length(e.attachments) > 0")
		} else {
			conditions = append(conditions, "jsonb_array_length(e.attachments) = 0")
		}
	}

	rankExpr := "ts_rank(s.search_vector, websearch_to_tsquery('english', $1))"
	orderBy := rankExpr + " DESC"
	if sort != "" && sort != SortRank {
		column, ok := sortColumns[sort]
		if !ok {
			return nil, fmt.Errorf("unsupported sort field: %s", sort)
		}
		rankExpr = "0::float8"
		direction := "ASC"
		if descending {
			direction = "DESC"
		}
		orderBy = fmt.Sprintf("%s %s NULLS LAST", column, direction)
	}

	args = append(args, limit)
	limitPos := len(args)
	args = append(args, offset)
	offsetPos := len(args)

	query := fmt.Sprintf(`
		SELECT e.id, e.subject, e.from_address,
		       ts_headline('english', coalesce(e.body_text, e.subject, ''),
		                   websearch_to_tsquery('english', $1),
		                   'MaxWords=25, MinWords=10') AS snippet,
		       %s AS rank,
		       e.date_received, e.is_read, e.is_flagged
		FROM emails e
		JOIN email_search s ON s.email_id = e.id
		WHERE %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d
	`, rankExpr, strings.Join(conditions, " AND "), orderBy, limitPos, offsetPos)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "search query failed", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		err := rows.Scan(
			&hit.EmailID,
			&hit.Subject,
			&hit.From,
			&hit.Snippet,
			&hit.Rank,
			&hit.DateReceived,
			&hit.IsRead,
			&hit.IsFlagged,
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to scan search hit", err)
		}
		hits = append(hits, hit)
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "rows iteration error", err)
	}

	return hits, nil
}

// Stats returns archive-wide totals, per-mailbox counts, and the monthly
// histogram. Each aggregate is an independent query; no cross joins.
func (r *SearchRepository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FILTER (WHERE NOT is_deleted),
		       count(*) FILTER (WHERE NOT is_deleted AND NOT is_read),
		       count(*) FILTER (WHERE NOT is_deleted AND is_flagged)
		FROM emails
	`).Scan(&stats.TotalEmails, &stats.UnreadEmails, &stats.FlaggedEmails)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to aggregate emails", err)
	}

	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM mailboxes`).Scan(&stats.TotalMailboxes); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to count mailboxes", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM email_threads`).Scan(&stats.TotalThreads); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to count threads", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT m.remote_id, m.name,
		       count(e.id) FILTER (WHERE NOT e.is_deleted),
		       count(e.id) FILTER (WHERE NOT e.is_deleted AND NOT e.is_read)
		FROM mailboxes m
		LEFT JOIN emails e ON e.mailbox_id = m.remote_id
		GROUP BY m.remote_id, m.name
		ORDER BY m.name ASC
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to aggregate mailboxes", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row MailboxCount
		if err := rows.Scan(&row.MailboxID, &row.Name, &row.Total, &row.Unread); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to scan mailbox count", err)
		}
		stats.PerMailbox = append(stats.PerMailbox, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "rows iteration error", err)
	}

	monthRows, err := r.db.QueryContext(ctx, `
		SELECT to_char(date_received, 'YYYY-MM') AS month, count(*)
		FROM emails
		WHERE NOT is_deleted AND date_received IS NOT NULL
		GROUP BY month
		ORDER BY month DESC
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to aggregate months", err)
	}
	defer monthRows.Close()

	for monthRows.Next() {
		var row MonthCount
		if err := monthRows.Scan(&row.Month, &row.Total); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to scan month count", err)
		}
		stats.PerMonth = append(stats.PerMonth, row)
	}
	if err := monthRows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "rows iteration error", err)
	}

	return stats, nil
}

// integrityChecks pairs each check name with its issue-count query.
var integrityChecks = []struct {
	name  string
	query string
}{
	{
		name: "emails_without_mailbox",
		query: `SELECT count(*) FROM emails e
		        LEFT JOIN mailboxes m ON m.remote_id = e.mailbox_id
		        WHERE m.id IS NULL`,
	},
	{
		name: "duplicate_email_remote_ids",
		query: `SELECT count(*) FROM (
		          SELECT remote_id FROM emails GROUP BY remote_id HAVING count(*) > 1
		        ) d`,
	},
	{
		name: "orphaned_search_rows",
		query: `SELECT count(*) FROM email_search s
		        LEFT JOIN emails e ON e.id = s.email_id
		        WHERE e.id IS NULL OR e.is_deleted`,
	},
	{
		name: "emails_without_search_row",
		query: `SELECT count(*) FROM emails e
		        LEFT JOIN email_search s ON s.email_id = e.id
		        WHERE NOT e.is_deleted AND s.email_id IS NULL`,
	},
	{
		name: "malformed_address_lists",
		query: `SELECT count(*) FROM emails
		        WHERE jsonb_typeof(to_addresses) <> 'array'
		           OR jsonb_typeof(cc_addresses) <> 'array'
		           OR jsonb_typeof(bcc_addresses) <> 'array'
		           OR jsonb_typeof(reply_to_addresses) <> 'array'`,
	},
}

// ValidateIntegrity runs every consistency check and reports one row per
// check with its issue count.
func (r *SearchRepository) ValidateIntegrity(ctx context.Context) ([]IntegrityCheck, error) {
	results := make([]IntegrityCheck, 0, len(integrityChecks))
	for _, check := range integrityChecks {
		var issues int
		if err := r.db.QueryRowContext(ctx, check.query).Scan(&issues); err != nil {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, fmt.Sprintf("integrity check %s failed", check.name), err)
		}
		results = append(results, IntegrityCheck{
			Name:   check.name,
			Passed: issues == 0,
			Issues: issues,
		})
	}
	return results, nil
}

// searchTextSQL mirrors repository.SearchText so repaired rows hash
// identically to rows written by the upsert path.
const searchTextSQL = `concat_ws(' ', e.subject, e.from_address, e.body_text, e.body_html)`

// RepairIntegrity deletes orphaned search rows, rebuilds missing ones from
// current email content, and recomputes mailbox counters.
func (r *SearchRepository) RepairIntegrity(ctx context.Context) ([]RepairAction, error) {
	var actions []RepairAction

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM email_search
		WHERE email_id IN (
			SELECT s.email_id FROM email_search s
			LEFT JOIN emails e ON e.id = s.email_id
			WHERE e.id IS NULL OR e.is_deleted
		)
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to delete orphaned search rows", err)
	}
	deleted, _ := res.RowsAffected()
	actions = append(actions, RepairAction{Name: "deleted_orphaned_search_rows", ItemsAffected: deleted})

	res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO email_search (email_id, search_vector, content_hash)
		SELECT e.id,
		       to_tsvector('english', %s),
		       encode(sha256(convert_to(%s, 'UTF8')), 'hex')
		FROM emails e
		LEFT JOIN email_search s ON s.email_id = e.id
		WHERE NOT e.is_deleted AND s.email_id IS NULL
	`, searchTextSQL, searchTextSQL))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to rebuild missing search rows", err)
	}
	created, _ := res.RowsAffected()
	actions = append(actions, RepairAction{Name: "created_missing_search_rows", ItemsAffected: created})

	res, err = r.db.ExecContext(ctx, `
		UPDATE mailboxes m
		SET total_emails = c.total,
		    unread_emails = c.unread,
		    updated_at = now()
		FROM (
			SELECT mailbox_id,
			       count(*) AS total,
			       count(*) FILTER (WHERE NOT is_read) AS unread
			FROM emails
			WHERE NOT is_deleted
			GROUP BY mailbox_id
		) c
		WHERE m.remote_id = c.mailbox_id
		  AND (m.total_emails <> c.total OR m.unread_emails <> c.unread)
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to recompute mailbox counters", err)
	}
	recounted, _ := res.RowsAffected()
	actions = append(actions, RepairAction{Name: "recomputed_mailbox_counters", ItemsAffected: recounted})

	return actions, nil
}

// staleAfter is how long a cursor may sit without advancing before the
// archive reports WARNING.
const staleAfter = 24 * time.Hour

// Health reports ERROR when any cursor failed, WARNING when any syncing or
// completed cursor has not advanced within the staleness window, HEALTHY
// otherwise.
func (r *SearchRepository) Health(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{Status: HealthHealthy}
	cutoff := time.Now().Add(-staleAfter)

	err := r.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE sync_status = 'error'),
		       count(*) FILTER (WHERE sync_status IN ('syncing', 'completed')
		                          AND coalesce(last_sync_date, created_at) < $1),
		       max(last_sync_date)
		FROM sync_state
	`, cutoff).Scan(&report.TotalAccounts, &report.ErrorAccounts, &report.StaleAccounts, &report.LastSyncDate)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to query sync state", err)
	}

	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM emails WHERE NOT is_deleted`).Scan(&report.ArchivedEmails); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to count emails", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM email_threads`).Scan(&report.ArchivedThreads); err != nil {
		return nil, apperr.Wrap(apperr.KindStoreUnavailable, "failed to count threads", err)
	}

	switch {
	case report.ErrorAccounts > 0:
		report.Status = HealthError
	case report.StaleAccounts > 0:
		report.Status = HealthWarning
	}

	if report.LastSyncDate != nil {
		report.LastSyncAge = time.Since(*report.LastSyncDate).Round(time.Second).String()
	}

	return report, nil
}
