package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailvault/internal/apperr"
	"github.com/vipul43/mailvault/internal/jmap"
	"github.com/vipul43/mailvault/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeChange is one change-feed entry applied after the snapshot.
type fakeChange struct {
	id        string
	destroyed bool
}

// fakeProvider models the remote the way the client consumes it: a
// position-paged snapshot of the current messages (cursors "pos:<n>:<s>"),
// and a change feed whose state "sN" sits after the first N entries.
type fakeProvider struct {
	mu            sync.Mutex
	messages      []string // current mailbox contents in provider order
	changes       []fakeChange
	emails        map[string]jmap.Email
	mailboxes     []jmap.Mailbox
	sessionsOpen  int
	queryCalls    int
	queryFailures []error // consumed one per QueryEmails call before serving

	unauthorizedListCalls int // first N ListMailboxes calls return Unauthorized
	blockQuery            chan struct{}
}

func newFakeProvider(ids ...string) *fakeProvider {
	p := &fakeProvider{
		messages: ids,
		emails:   make(map[string]jmap.Email),
		mailboxes: []jmap.Mailbox{
			{ID: "mb1", Name: "Inbox", Role: "inbox", SortOrder: 1, TotalEmails: len(ids)},
		},
	}
	received := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range ids {
		at := received.Add(time.Duration(i) * time.Minute)
		p.emails[id] = jmap.Email{
			ID:         id,
			ThreadID:   "t-" + id,
			MailboxIDs: map[string]bool{"mb1": true},
			Keywords:   map[string]bool{},
			Subject:    "message " + id,
			From:       []jmap.EmailAddress{{Name: "Sender", Email: "sender@example.com"}},
			ReceivedAt: &at,
			Size:       100,
		}
	}
	return p
}

// applyChange appends a change-feed entry, mutating the snapshot view and
// email records to match.
func (p *fakeProvider) applyChange(email *jmap.Email, destroyedID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if email != nil {
		p.messages = append(p.messages, email.ID)
		p.emails[email.ID] = *email
		p.changes = append(p.changes, fakeChange{id: email.ID})
	}
	if destroyedID != "" {
		p.changes = append(p.changes, fakeChange{id: destroyedID, destroyed: true})
	}
}

func (p *fakeProvider) OpenSession(ctx context.Context, accessToken string) (*jmap.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if accessToken == "revoked" {
		return nil, apperr.New(apperr.KindUnauthorized, "bad token")
	}
	p.sessionsOpen++
	return &jmap.Session{AccountID: "u1", APIURL: "fake"}, nil
}

func (p *fakeProvider) ListMailboxes(ctx context.Context, session *jmap.Session) ([]jmap.Mailbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unauthorizedListCalls > 0 {
		p.unauthorizedListCalls--
		return nil, apperr.New(apperr.KindUnauthorized, "token expired")
	}
	return p.mailboxes, nil
}

func (p *fakeProvider) QueryEmails(ctx context.Context, session *jmap.Session, q jmap.QueryRequest) (*jmap.QueryResult, error) {
	if p.blockQuery != nil {
		<-p.blockQuery
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls++
	if len(p.queryFailures) > 0 {
		err := p.queryFailures[0]
		p.queryFailures = p.queryFailures[1:]
		if err != nil {
			return nil, err
		}
	}

	// Snapshot path: fresh pull or a continuation cursor the client minted.
	if q.SinceState == "" || strings.HasPrefix(q.SinceState, "pos:") {
		position := 0
		handoff := fmt.Sprintf("s%d", len(p.changes))
		if q.SinceState != "" {
			posStr, state, _ := strings.Cut(strings.TrimPrefix(q.SinceState, "pos:"), ":")
			position, _ = strconv.Atoi(posStr)
			handoff = state
		}
		if position > len(p.messages) {
			position = len(p.messages)
		}
		end := position + q.Limit
		if end > len(p.messages) {
			end = len(p.messages)
		}

		ids := append([]string(nil), p.messages[position:end]...)
		hasMore := q.Limit > 0 && len(ids) == q.Limit
		newState := handoff
		if hasMore {
			newState = fmt.Sprintf("pos:%d:%s", end, handoff)
		}
		return &jmap.QueryResult{IDs: ids, NewState: newState, HasMore: hasMore}, nil
	}

	// Change feed path.
	idx, _ := strconv.Atoi(strings.TrimPrefix(q.SinceState, "s"))
	if idx > len(p.changes) {
		idx = len(p.changes)
	}
	end := idx + q.Limit
	if end > len(p.changes) {
		end = len(p.changes)
	}

	var ids, destroyed []string
	for _, change := range p.changes[idx:end] {
		if change.destroyed {
			destroyed = append(destroyed, change.id)
		} else {
			ids = append(ids, change.id)
		}
	}
	return &jmap.QueryResult{
		IDs:       ids,
		Destroyed: destroyed,
		NewState:  fmt.Sprintf("s%d", end),
		HasMore:   end < len(p.changes),
	}, nil
}

func (p *fakeProvider) GetEmails(ctx context.Context, session *jmap.Session, ids []string) ([]jmap.Email, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []jmap.Email
	for _, id := range ids {
		if email, ok := p.emails[id]; ok {
			out = append(out, email)
		}
	}
	return out, nil
}

func (p *fakeProvider) GetEmail(ctx context.Context, session *jmap.Session, id string) (*jmap.Email, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if email, ok := p.emails[id]; ok {
		return &email, nil
	}
	return nil, nil
}

func (p *fakeProvider) GetThreads(ctx context.Context, session *jmap.Session, ids []string) ([]jmap.Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []jmap.Thread
	for _, id := range ids {
		var emailIDs []string
		for remoteID, email := range p.emails {
			if email.ThreadID == id {
				emailIDs = append(emailIDs, remoteID)
			}
		}
		out = append(out, jmap.Thread{ID: id, EmailIDs: emailIDs})
	}
	return out, nil
}

type fakeTokens struct {
	mu           sync.Mutex
	token        models.OAuthToken
	stale        bool
	refreshCalls int
	refreshErr   error
}

func (f *fakeTokens) Get(ctx context.Context, accountID string) (*models.OAuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := f.token
	return &token, nil
}

func (f *fakeTokens) NeedsRefresh(token *models.OAuthToken) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *fakeTokens) Refresh(ctx context.Context, accountID string) (*models.OAuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.stale = false
	f.token.AccessToken = "fresh-token"
	token := f.token
	return &token, nil
}

type fakeArchive struct {
	mu          sync.Mutex
	mailboxes   map[string]models.Mailbox
	emails      map[string]models.Email
	upsertCount map[string]int
	threads     map[string]models.Thread
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		mailboxes:   make(map[string]models.Mailbox),
		emails:      make(map[string]models.Email),
		upsertCount: make(map[string]int),
		threads:     make(map[string]models.Thread),
	}
}

func (f *fakeArchive) UpsertAll(ctx context.Context, mailboxes []models.Mailbox) ([]models.Mailbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mailboxes {
		f.mailboxes[m.RemoteID] = m
	}
	return mailboxes, nil
}

func (f *fakeArchive) Upsert(ctx context.Context, email *models.Email) (*models.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails[email.RemoteID] = *email
	f.upsertCount[email.RemoteID]++
	return email, nil
}

func (f *fakeArchive) UpsertBatch(ctx context.Context, emails []models.Email) ([]models.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range emails {
		f.emails[e.RemoteID] = e
		f.upsertCount[e.RemoteID]++
	}
	return emails, nil
}

func (f *fakeArchive) MarkDeleted(ctx context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if email, ok := f.emails[remoteID]; ok {
		email.IsDeleted = true
		f.emails[remoteID] = email
	}
	return nil
}

type fakeThreadStore struct {
	mu      sync.Mutex
	threads map[string]models.Thread
}

func (f *fakeThreadStore) UpsertAll(ctx context.Context, threads []models.Thread) ([]models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threads == nil {
		f.threads = make(map[string]models.Thread)
	}
	for _, t := range threads {
		f.threads[t.ID] = t
	}
	return threads, nil
}

type fakeCursors struct {
	mu    sync.Mutex
	state models.SyncState
}

func newFakeCursors(accountID string) *fakeCursors {
	return &fakeCursors{state: models.SyncState{
		ID:         "cur-1",
		AccountID:  accountID,
		SyncStatus: models.SyncStatusIdle,
	}}
}

func (f *fakeCursors) Initialize(ctx context.Context, accountID string) (*models.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	return &state, nil
}

func (f *fakeCursors) Get(ctx context.Context, accountID string) (*models.SyncState, error) {
	return f.Initialize(ctx, accountID)
}

func (f *fakeCursors) SetStatus(ctx context.Context, accountID string, status models.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SyncStatus = status
	return nil
}

func (f *fakeCursors) Advance(ctx context.Context, accountID, newToken string, emailsAdded int, status models.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := newToken
	now := time.Now()
	f.state.LastSyncToken = &token
	f.state.LastSyncDate = &now
	f.state.TotalEmailsSynced += emailsAdded
	f.state.SyncStatus = status
	f.state.LastError = nil
	return nil
}

func (f *fakeCursors) RecordError(ctx context.Context, accountID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SyncStatus = models.SyncStatusError
	f.state.LastError = &message
	return nil
}

func (f *fakeCursors) Reset(ctx context.Context, accountID string, token *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.LastSyncToken = token
	f.state.LastSyncDate = nil
	f.state.TotalEmailsSynced = 0
	f.state.LastError = nil
	f.state.SyncStatus = models.SyncStatusIdle
	return nil
}

type engineFixture struct {
	engine   *SyncEngine
	provider *fakeProvider
	tokens   *fakeTokens
	archive  *fakeArchive
	threads  *fakeThreadStore
	cursors  *fakeCursors
}

func newEngineFixture(provider *fakeProvider, batchSize int) *engineFixture {
	tokens := &fakeTokens{token: models.OAuthToken{AccountID: "u1", AccessToken: "good-token"}}
	archive := newFakeArchive()
	threads := &fakeThreadStore{}
	cursors := newFakeCursors("u1")

	engine := NewSyncEngine(Options{
		AccountID:  "u1",
		Interval:   time.Hour,
		BatchSize:  batchSize,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}, provider, tokens, archive, archive, threads, cursors, testLogger())

	return &engineFixture{
		engine:   engine,
		provider: provider,
		tokens:   tokens,
		archive:  archive,
		threads:  threads,
		cursors:  cursors,
	}
}

// Cold start with three emails and a batch size of two: both batches land,
// the cursor ends at the provider's latest state, and the counter matches.
func TestTick_ColdStartTwoBatches(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1", "e2", "e3"), 2)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(fx.archive.mailboxes) != 1 {
		t.Errorf("expected mailboxes persisted, got %d", len(fx.archive.mailboxes))
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		if _, ok := fx.archive.emails[id]; !ok {
			t.Errorf("expected email %s persisted", id)
		}
	}

	// The drained snapshot hands the cursor to the change feed state pinned
	// before the first page.
	state := fx.cursors.state
	if state.LastSyncToken == nil || *state.LastSyncToken != "s0" {
		t.Errorf("expected cursor s0, got %v", state.LastSyncToken)
	}
	if state.TotalEmailsSynced != 3 {
		t.Errorf("expected 3 emails synced, got %d", state.TotalEmailsSynced)
	}
	if state.SyncStatus != models.SyncStatusCompleted {
		t.Errorf("expected status completed, got %s", state.SyncStatus)
	}
	if len(fx.threads.threads) != 3 {
		t.Errorf("expected 3 threads persisted, got %d", len(fx.threads.threads))
	}
}

// A snapshot whose size is an exact multiple of the batch size needs one
// trailing empty page; the cursor must still hand off and the tick must
// still finish completed.
func TestTick_SnapshotMultipleOfBatchFinalizes(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1", "e2"), 2)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	state := fx.cursors.state
	if state.LastSyncToken == nil || *state.LastSyncToken != "s0" {
		t.Errorf("expected handoff cursor s0, got %v", state.LastSyncToken)
	}
	if state.TotalEmailsSynced != 2 {
		t.Errorf("expected 2 emails synced, got %d", state.TotalEmailsSynced)
	}
	if state.SyncStatus != models.SyncStatusCompleted {
		t.Errorf("expected status completed, got %s", state.SyncStatus)
	}
}

// Crash between batches: the first tick dies after the first durable batch,
// the next tick resumes from the advanced cursor and re-upserts nothing.
func TestTick_CrashMidSyncResumes(t *testing.T) {
	provider := newFakeProvider("e1", "e2", "e3", "e4", "e5")
	provider.queryFailures = []error{
		nil, // first query succeeds
		apperr.New(apperr.KindProtocol, "connection torn down"), // second dies, not retryable
	}
	fx := newEngineFixture(provider, 2)

	err := fx.engine.Tick(context.Background())
	if err == nil {
		t.Fatal("expected first tick to fail")
	}

	state := fx.cursors.state
	if state.LastSyncToken == nil || *state.LastSyncToken != "pos:2:s0" {
		t.Fatalf("expected snapshot cursor pos:2:s0 after first batch, got %v", state.LastSyncToken)
	}
	if state.SyncStatus != models.SyncStatusError {
		t.Errorf("expected status error, got %s", state.SyncStatus)
	}
	if state.TotalEmailsSynced != 2 {
		t.Errorf("expected 2 emails synced, got %d", state.TotalEmailsSynced)
	}

	// Restart: the next tick resumes the snapshot at position 2 and
	// receives e3,e4 rather than re-pulling the first page.
	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected recovery tick to succeed, got %v", err)
	}

	state = fx.cursors.state
	if state.LastSyncToken == nil || *state.LastSyncToken != "s0" {
		t.Errorf("expected handoff cursor s0, got %v", state.LastSyncToken)
	}
	if state.TotalEmailsSynced != 5 {
		t.Errorf("expected 5 emails synced, got %d", state.TotalEmailsSynced)
	}
	for id, count := range fx.archive.upsertCount {
		if count != 1 {
			t.Errorf("expected email %s upserted exactly once, got %d", id, count)
		}
	}
}

// Token expiry mid-tick: one Unauthorized from the provider triggers exactly
// one refresh, then the tick completes.
func TestTick_AuthExpiryMidTick(t *testing.T) {
	provider := newFakeProvider("e1")
	provider.unauthorizedListCalls = 1
	fx := newEngineFixture(provider, 10)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if fx.tokens.refreshCalls != 1 {
		t.Errorf("expected exactly one refresh, got %d", fx.tokens.refreshCalls)
	}
	if fx.cursors.state.SyncStatus != models.SyncStatusCompleted {
		t.Errorf("expected status completed, got %s", fx.cursors.state.SyncStatus)
	}
}

// A second Unauthorized after the refresh is terminal for the tick.
func TestTick_AuthFailureAfterRefresh(t *testing.T) {
	provider := newFakeProvider("e1")
	provider.unauthorizedListCalls = 2
	fx := newEngineFixture(provider, 10)

	err := fx.engine.Tick(context.Background())
	if !apperr.IsKind(err, apperr.KindAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if fx.tokens.refreshCalls != 1 {
		t.Errorf("expected exactly one refresh, got %d", fx.tokens.refreshCalls)
	}
	if fx.cursors.state.SyncStatus != models.SyncStatusError {
		t.Errorf("expected status error, got %s", fx.cursors.state.SyncStatus)
	}
}

// A stale token refreshes before the session opens.
func TestTick_StaleTokenRefreshesUpFront(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1"), 10)
	fx.tokens.stale = true

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fx.tokens.refreshCalls != 1 {
		t.Errorf("expected one refresh, got %d", fx.tokens.refreshCalls)
	}
}

// Transient failures retry with backoff until they clear.
func TestTick_TransientRetry(t *testing.T) {
	provider := newFakeProvider("e1")
	provider.queryFailures = []error{
		apperr.New(apperr.KindNetwork, "timeout"),
		apperr.New(apperr.KindNetwork, "timeout"),
	}
	fx := newEngineFixture(provider, 10)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected retries to clear the failure, got %v", err)
	}
	if fx.provider.queryCalls != 3 {
		t.Errorf("expected 3 query attempts, got %d", fx.provider.queryCalls)
	}
}

// Protocol errors are fatal for the tick and never retried.
func TestTick_ProtocolErrorNotRetried(t *testing.T) {
	provider := newFakeProvider("e1")
	provider.queryFailures = []error{apperr.New(apperr.KindProtocol, "malformed response")}
	fx := newEngineFixture(provider, 10)

	err := fx.engine.Tick(context.Background())
	if !apperr.IsKind(err, apperr.KindProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if fx.provider.queryCalls != 1 {
		t.Errorf("expected a single attempt, got %d", fx.provider.queryCalls)
	}
	if fx.cursors.state.LastError == nil {
		t.Error("expected error recorded on cursor")
	}
}

// Only one full tick may be in flight per account.
func TestTick_RejectsConcurrentTick(t *testing.T) {
	provider := newFakeProvider("e1")
	provider.blockQuery = make(chan struct{})
	fx := newEngineFixture(provider, 10)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- fx.engine.Tick(context.Background())
	}()

	// Wait for the first tick to reach the blocked query.
	deadline := time.After(2 * time.Second)
	for {
		fx.provider.mu.Lock()
		open := fx.provider.sessionsOpen
		fx.provider.mu.Unlock()
		if open > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never started")
		case <-time.After(time.Millisecond):
		}
	}

	if err := fx.engine.Tick(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	close(provider.blockQuery)
	if err := <-firstDone; err != nil {
		t.Fatalf("expected first tick to complete, got %v", err)
	}
}

// Cancellation aborts cleanly and is never recorded on the cursor.
func TestTick_CancellationNotRecorded(t *testing.T) {
	provider := newFakeProvider("e1")
	provider.blockQuery = make(chan struct{})
	close(provider.blockQuery) // unblocked, but query observes ctx
	fx := newEngineFixture(provider, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fx.engine.Tick(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if fx.cursors.state.LastError != nil {
		t.Errorf("cancellation must not be recorded, got %q", *fx.cursors.state.LastError)
	}
}

// Destroyed ids in the change feed become tombstones.
func TestTick_DestroyedBecomeTombstones(t *testing.T) {
	provider := newFakeProvider("e1", "e2")
	fx := newEngineFixture(provider, 10)

	// First tick archives everything.
	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// The change feed then reports e3 created and e1 destroyed.
	at := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	provider.applyChange(&jmap.Email{
		ID: "e3", ThreadID: "t-e3", MailboxIDs: map[string]bool{"mb1": true},
		Subject: "message e3", ReceivedAt: &at,
	}, "e1")

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !fx.archive.emails["e1"].IsDeleted {
		t.Error("expected e1 tombstoned")
	}
	if fx.archive.emails["e2"].IsDeleted {
		t.Error("expected e2 untouched")
	}
	if _, ok := fx.archive.emails["e3"]; !ok {
		t.Error("expected e3 archived")
	}
}

func TestSyncOne_UpsertsEmail(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1", "e2"), 10)

	if err := fx.engine.SyncOne(context.Background(), "e2"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := fx.archive.emails["e2"]; !ok {
		t.Error("expected e2 upserted")
	}
	if _, ok := fx.archive.emails["e1"]; ok {
		t.Error("expected only e2 touched")
	}
	if fx.cursors.state.LastSyncToken != nil {
		t.Error("single-item sync must not advance the cursor")
	}
}

func TestSyncOne_MissingRemoteBecomesTombstone(t *testing.T) {
	provider := newFakeProvider("e1")
	fx := newEngineFixture(provider, 10)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	provider.mu.Lock()
	delete(provider.emails, "e1")
	provider.mu.Unlock()

	if err := fx.engine.SyncOne(context.Background(), "e1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !fx.archive.emails["e1"].IsDeleted {
		t.Error("expected tombstone for email the provider no longer has")
	}
}

func TestMarkDeleted(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1"), 10)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := fx.engine.MarkDeleted(context.Background(), "e1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !fx.archive.emails["e1"].IsDeleted {
		t.Error("expected e1 tombstoned")
	}
}

func TestReset_ClearsCursor(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1"), 10)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fx.cursors.state.LastSyncToken == nil {
		t.Fatal("expected cursor advanced before reset")
	}

	if err := fx.engine.Reset(context.Background(), "u1", nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	state := fx.cursors.state
	if state.LastSyncToken != nil || state.TotalEmailsSynced != 0 {
		t.Errorf("expected cleared cursor, got %+v", state)
	}
	if state.SyncStatus != models.SyncStatusIdle {
		t.Errorf("expected idle status, got %s", state.SyncStatus)
	}
}

func TestTick_NoNewWorkLeavesCursorUnchanged(t *testing.T) {
	fx := newEngineFixture(newFakeProvider("e1"), 10)

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	tokenAfterFirst := *fx.cursors.state.LastSyncToken
	totalAfterFirst := fx.cursors.state.TotalEmailsSynced

	if err := fx.engine.Tick(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if *fx.cursors.state.LastSyncToken != tokenAfterFirst {
		t.Errorf("cursor moved without new work: %s -> %s", tokenAfterFirst, *fx.cursors.state.LastSyncToken)
	}
	if fx.cursors.state.TotalEmailsSynced != totalAfterFirst {
		t.Errorf("counter moved without new work")
	}
	if fx.cursors.state.SyncStatus != models.SyncStatusCompleted {
		t.Errorf("expected completed, got %s", fx.cursors.state.SyncStatus)
	}
}
