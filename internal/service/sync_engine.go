package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailvault/internal/apperr"
	"github.com/vipul43/mailvault/internal/jmap"
	"github.com/vipul43/mailvault/internal/models"
)

// ErrSyncInProgress is returned when a full tick is requested while another
// tick for the same account is still running.
var ErrSyncInProgress = errors.New("sync already in progress for account")

// MailClient is the remote mail surface the engine drives.
type MailClient interface {
	OpenSession(ctx context.Context, accessToken string) (*jmap.Session, error)
	ListMailboxes(ctx context.Context, session *jmap.Session) ([]jmap.Mailbox, error)
	QueryEmails(ctx context.Context, session *jmap.Session, q jmap.QueryRequest) (*jmap.QueryResult, error)
	GetEmails(ctx context.Context, session *jmap.Session, ids []string) ([]jmap.Email, error)
	GetEmail(ctx context.Context, session *jmap.Session, id string) (*jmap.Email, error)
	GetThreads(ctx context.Context, session *jmap.Session, ids []string) ([]jmap.Thread, error)
}

// TokenStore supplies and refreshes the account credential.
type TokenStore interface {
	Get(ctx context.Context, accountID string) (*models.OAuthToken, error)
	NeedsRefresh(token *models.OAuthToken) bool
	Refresh(ctx context.Context, accountID string) (*models.OAuthToken, error)
}

// MailboxStore persists mailbox rows.
type MailboxStore interface {
	UpsertAll(ctx context.Context, mailboxes []models.Mailbox) ([]models.Mailbox, error)
}

// EmailStore persists email rows.
type EmailStore interface {
	Upsert(ctx context.Context, email *models.Email) (*models.Email, error)
	UpsertBatch(ctx context.Context, emails []models.Email) ([]models.Email, error)
	MarkDeleted(ctx context.Context, remoteID string) error
}

// ThreadStore persists thread rows.
type ThreadStore interface {
	UpsertAll(ctx context.Context, threads []models.Thread) ([]models.Thread, error)
}

// CursorStore persists the per-account sync cursor.
type CursorStore interface {
	Initialize(ctx context.Context, accountID string) (*models.SyncState, error)
	Get(ctx context.Context, accountID string) (*models.SyncState, error)
	SetStatus(ctx context.Context, accountID string, status models.SyncStatus) error
	Advance(ctx context.Context, accountID, newToken string, emailsAdded int, status models.SyncStatus) error
	RecordError(ctx context.Context, accountID, message string) error
	Reset(ctx context.Context, accountID string, token *string) error
}

// Options configures a SyncEngine.
type Options struct {
	AccountID  string
	Interval   time.Duration
	BatchSize  int
	MaxRetries int
	RetryDelay time.Duration
}

// SyncEngine drives one account to eventual consistency with the remote
// mailbox. At most one full tick runs at a time; webhook-driven single-item
// operations may interleave because every write is an idempotent upsert.
type SyncEngine struct {
	opts      Options
	client    MailClient
	tokens    TokenStore
	mailboxes MailboxStore
	emails    EmailStore
	threads   ThreadStore
	cursors   CursorStore
	logger    *logrus.Logger

	tickMu sync.Mutex // held for the duration of a full tick

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncEngine(
	opts Options,
	client MailClient,
	tokens TokenStore,
	mailboxes MailboxStore,
	emails EmailStore,
	threads ThreadStore,
	cursors CursorStore,
	logger *logrus.Logger,
) *SyncEngine {
	return &SyncEngine{
		opts:      opts,
		client:    client,
		tokens:    tokens,
		mailboxes: mailboxes,
		emails:    emails,
		threads:   threads,
		cursors:   cursors,
		logger:    logger,
	}
}

// Start begins periodic ticks and performs an initial tick immediately.
// It returns when ctx is cancelled or Stop is called.
func (e *SyncEngine) Start(ctx context.Context) error {
	e.runMu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done
	e.runMu.Unlock()
	defer close(done)

	e.logger.WithFields(logrus.Fields{
		"account_id": e.opts.AccountID,
		"interval":   e.opts.Interval,
	}).Info("sync engine started")

	if err := e.Tick(runCtx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		e.logger.WithError(err).Warn("initial tick failed")
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			e.logger.Info("sync engine shutting down")
			return runCtx.Err()
		case <-ticker.C:
			if err := e.Tick(runCtx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				e.logger.WithError(err).Warn("tick failed")
			}
		}
	}
}

// Stop halts the ticker and waits for any in-flight tick to complete.
func (e *SyncEngine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	// A tick started outside the run loop (manual trigger, webhook nudge)
	// runs on its own context, which cancel does not reach; it holds tickMu
	// until it returns, so acquiring the lock here is the wait.
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
}

// Tick performs one full pass for the configured account. A second tick
// while one is in flight returns ErrSyncInProgress.
func (e *SyncEngine) Tick(ctx context.Context) error {
	if !e.tickMu.TryLock() {
		return ErrSyncInProgress
	}
	defer e.tickMu.Unlock()

	err := e.runTick(ctx)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindCancelled {
			// A clean abort is not an account error; the cursor stays
			// as the last durable batch left it.
			return err
		}
		if recErr := e.cursors.RecordError(context.WithoutCancel(ctx), e.opts.AccountID, err.Error()); recErr != nil {
			e.logger.WithError(recErr).Error("failed to record sync error")
		}
	}
	return err
}

// runTick is the §tick state machine body: cursor, session, mailboxes, then
// the batched email pull loop.
func (e *SyncEngine) runTick(ctx context.Context) error {
	accountID := e.opts.AccountID

	cursor, err := e.cursors.Initialize(ctx, accountID)
	if err != nil {
		return err
	}
	if err := e.cursors.SetStatus(ctx, accountID, models.SyncStatusSyncing); err != nil {
		return err
	}

	auth := &authState{}
	session, err := e.openSession(ctx, auth)
	if err != nil {
		return err
	}

	var remoteMailboxes []jmap.Mailbox
	err = e.withRetry(ctx, "list mailboxes", func() error {
		var callErr error
		remoteMailboxes, callErr = e.client.ListMailboxes(ctx, session)
		if apperr.IsKind(callErr, apperr.KindUnauthorized) {
			if session, callErr = e.recoverAuth(ctx, auth); callErr != nil {
				return callErr
			}
			remoteMailboxes, callErr = e.client.ListMailboxes(ctx, session)
			if apperr.IsKind(callErr, apperr.KindUnauthorized) {
				callErr = apperr.New(apperr.KindAuthFailure, "credential rejected after refresh")
			}
		}
		return callErr
	})
	if err != nil {
		return err
	}

	mailboxRows := make([]models.Mailbox, 0, len(remoteMailboxes))
	for _, m := range remoteMailboxes {
		mailboxRows = append(mailboxRows, adaptMailbox(m))
	}
	err = e.withRetry(ctx, "persist mailboxes", func() error {
		_, upsertErr := e.mailboxes.UpsertAll(ctx, mailboxRows)
		return upsertErr
	})
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"mailboxes":  len(mailboxRows),
	}).Debug("mailboxes persisted")

	since := ""
	if cursor.LastSyncToken != nil {
		since = *cursor.LastSyncToken
	}

	batches := 0
	finalized := false
	for {
		var result *jmap.QueryResult
		err = e.withRetry(ctx, "query emails", func() error {
			var callErr error
			result, callErr = e.client.QueryEmails(ctx, session, jmap.QueryRequest{
				SinceState: since,
				Limit:      e.opts.BatchSize,
			})
			return callErr
		})
		if err != nil {
			return err
		}

		if len(result.IDs) == 0 && len(result.Destroyed) == 0 {
			// An empty batch with an unchanged state means no new work and
			// the cursor stays put. A changed state still advances: a
			// drained snapshot hands the cursor to the change feed.
			if result.NewState != "" && result.NewState != since {
				if err := e.cursors.Advance(ctx, accountID, result.NewState, 0, models.SyncStatusCompleted); err != nil {
					return err
				}
				finalized = true
			}
			break
		}

		written, err := e.persistBatch(ctx, session, result)
		if err != nil {
			return err
		}

		final := !result.HasMore || len(result.IDs) < e.opts.BatchSize
		status := models.SyncStatusSyncing
		if final {
			status = models.SyncStatusCompleted
		}
		if err := e.cursors.Advance(ctx, accountID, result.NewState, written, status); err != nil {
			return err
		}
		batches++

		e.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"batch":      batches,
			"emails":     written,
			"state":      result.NewState,
		}).Info("batch persisted, cursor advanced")

		if final || result.NewState == since {
			finalized = final
			break
		}
		since = result.NewState
	}

	if !finalized {
		if err := e.cursors.SetStatus(ctx, accountID, models.SyncStatusCompleted); err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"batches":    batches,
		}).Debug("tick drained without a final batch")
	}

	return nil
}

// persistBatch resolves one page of identifiers, upserts emails, their
// threads, and any tombstones, and reports how many emails were written.
func (e *SyncEngine) persistBatch(ctx context.Context, session *jmap.Session, result *jmap.QueryResult) (int, error) {
	var remoteEmails []jmap.Email
	err := e.withRetry(ctx, "fetch emails", func() error {
		var callErr error
		remoteEmails, callErr = e.client.GetEmails(ctx, session, result.IDs)
		return callErr
	})
	if err != nil {
		return 0, err
	}

	batch := make([]models.Email, 0, len(remoteEmails))
	threadIDs := make([]string, 0, len(remoteEmails))
	seenThreads := make(map[string]bool)
	for _, remote := range remoteEmails {
		email := adaptEmail(remote)
		batch = append(batch, email)
		if email.ThreadID != nil && !seenThreads[*email.ThreadID] {
			seenThreads[*email.ThreadID] = true
			threadIDs = append(threadIDs, *email.ThreadID)
		}
	}

	var written []models.Email
	err = e.withRetry(ctx, "persist emails", func() error {
		var upsertErr error
		written, upsertErr = e.emails.UpsertBatch(ctx, batch)
		if upsertErr == nil && len(written) < len(batch) {
			// A short batch fails the tick so the cursor stays put and the
			// batch is replayed.
			upsertErr = apperr.Newf(apperr.KindStoreUnavailable, "persisted %d of %d emails", len(written), len(batch))
		}
		return upsertErr
	})
	if err != nil {
		return 0, err
	}

	if len(threadIDs) > 0 {
		var remoteThreads []jmap.Thread
		err = e.withRetry(ctx, "fetch threads", func() error {
			var callErr error
			remoteThreads, callErr = e.client.GetThreads(ctx, session, threadIDs)
			return callErr
		})
		if err != nil {
			return 0, err
		}

		threadRows := adaptThreads(remoteThreads, written)
		err = e.withRetry(ctx, "persist threads", func() error {
			_, upsertErr := e.threads.UpsertAll(ctx, threadRows)
			return upsertErr
		})
		if err != nil {
			return 0, err
		}
	}

	for _, remoteID := range result.Destroyed {
		err = e.withRetry(ctx, "tombstone email", func() error {
			return e.emails.MarkDeleted(ctx, remoteID)
		})
		if err != nil {
			return 0, err
		}
	}

	return len(written), nil
}

// SyncOne pulls a single message, typically on a webhook nudge. It runs
// concurrently with a tick; all of its writes are idempotent upserts and it
// never touches the cursor.
func (e *SyncEngine) SyncOne(ctx context.Context, remoteEmailID string) error {
	auth := &authState{}
	session, err := e.openSession(ctx, auth)
	if err != nil {
		return err
	}

	var remote *jmap.Email
	err = e.withRetry(ctx, "fetch email", func() error {
		var callErr error
		remote, callErr = e.client.GetEmail(ctx, session, remoteEmailID)
		if apperr.IsKind(callErr, apperr.KindUnauthorized) {
			if session, callErr = e.recoverAuth(ctx, auth); callErr != nil {
				return callErr
			}
			remote, callErr = e.client.GetEmail(ctx, session, remoteEmailID)
			if apperr.IsKind(callErr, apperr.KindUnauthorized) {
				callErr = apperr.New(apperr.KindAuthFailure, "credential rejected after refresh")
			}
		}
		return callErr
	})
	if err != nil {
		return err
	}

	if remote == nil {
		// The provider no longer has it; record the tombstone.
		return e.emails.MarkDeleted(ctx, remoteEmailID)
	}

	email := adaptEmail(*remote)
	if _, err := e.emails.Upsert(ctx, &email); err != nil {
		return err
	}

	e.logger.WithField("remote_id", remoteEmailID).Info("email synced")
	return nil
}

// MarkDeleted writes the tombstone for a remotely deleted message.
func (e *SyncEngine) MarkDeleted(ctx context.Context, remoteEmailID string) error {
	if err := e.emails.MarkDeleted(ctx, remoteEmailID); err != nil {
		return err
	}
	e.logger.WithField("remote_id", remoteEmailID).Info("email tombstoned")
	return nil
}

// Reset clears the cursor, or pins it to the given token, forcing a full
// re-pull on the next tick.
func (e *SyncEngine) Reset(ctx context.Context, accountID string, token *string) error {
	if _, err := e.cursors.Initialize(ctx, accountID); err != nil {
		return err
	}
	return e.cursors.Reset(ctx, accountID, token)
}

// authState tracks whether the single refresh-then-retry allowance for a
// tick has been spent.
type authState struct {
	refreshed bool
}

// openSession obtains a session, refreshing the token up front when it is
// near expiry, or once when the provider rejects it and no refresh has been
// spent yet. A tick refreshes at most once.
func (e *SyncEngine) openSession(ctx context.Context, auth *authState) (*jmap.Session, error) {
	token, err := e.tokens.Get(ctx, e.opts.AccountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuthFailure, "no credential for account", err)
	}

	if e.tokens.NeedsRefresh(token) {
		e.logger.WithField("account_id", e.opts.AccountID).Debug("token near expiry, refreshing")
		token, err = e.refreshToken(ctx, auth)
		if err != nil {
			return nil, err
		}
	}

	session, err := e.client.OpenSession(ctx, token.AccessToken)
	if apperr.IsKind(err, apperr.KindUnauthorized) {
		return e.recoverAuth(ctx, auth)
	}
	return session, err
}

// recoverAuth performs the one refresh-then-retry a tick is allowed. A
// second Unauthorized is terminal.
func (e *SyncEngine) recoverAuth(ctx context.Context, auth *authState) (*jmap.Session, error) {
	if auth.refreshed {
		return nil, apperr.New(apperr.KindAuthFailure, "credential rejected after refresh")
	}
	auth.refreshed = true

	token, err := e.refreshToken(ctx, auth)
	if err != nil {
		return nil, err
	}

	session, err := e.client.OpenSession(ctx, token.AccessToken)
	if apperr.IsKind(err, apperr.KindUnauthorized) {
		return nil, apperr.New(apperr.KindAuthFailure, "credential rejected after refresh")
	}
	return session, err
}

func (e *SyncEngine) refreshToken(ctx context.Context, auth *authState) (*models.OAuthToken, error) {
	auth.refreshed = true
	token, err := e.tokens.Refresh(ctx, e.opts.AccountID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindUnauthorized) {
			return nil, apperr.Wrap(apperr.KindAuthFailure, "token refresh rejected", err)
		}
		return nil, err
	}
	return token, nil
}

// withRetry runs fn, retrying transient failures with exponential backoff.
// Rate limiting doubles the starting delay. Non-transient kinds and
// cancellation surface immediately.
func (e *SyncEngine) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := e.opts.RetryDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) || attempt >= e.opts.MaxRetries {
			return err
		}

		wait := delay
		if apperr.IsKind(err, apperr.KindRateLimited) {
			wait = delay * 2
		}

		e.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"wait":    wait,
		}).WithError(err).Warn("transient failure, retrying")

		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindCancelled, fmt.Sprintf("%s cancelled during backoff", op), ctx.Err())
		case <-time.After(wait):
		}
		delay *= 2
	}
}
