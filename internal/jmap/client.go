package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailvault/internal/apperr"
)

// Client speaks the JMAP compound request protocol against the remote mail
// service. It performs no retries; retry policy belongs to the sync engine.
type Client struct {
	sessionURL string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(sessionURL string, logger *logrus.Logger) *Client {
	return &Client{
		sessionURL: sessionURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// OpenSession fetches the session resource with the given bearer credential.
func (c *Client) OpenSession(ctx context.Context, accessToken string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "failed to build session request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, "session request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp.StatusCode, "session request")
	}

	var doc sessionDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "malformed session document", err)
	}

	accountID := doc.PrimaryAccounts[CapMail]
	if accountID == "" || doc.APIURL == "" {
		return nil, apperr.New(apperr.KindProtocol, "session document missing mail account or apiUrl")
	}

	c.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"api_url":    doc.APIURL,
	}).Debug("JMAP session opened")

	return &Session{
		AccountID:    accountID,
		APIURL:       doc.APIURL,
		Capabilities: doc.Capabilities,
		State:        doc.State,
		token:        accessToken,
	}, nil
}

// ListMailboxes returns every mailbox visible to the account in
// provider-supplied sortOrder.
func (c *Client) ListMailboxes(ctx context.Context, session *Session) ([]Mailbox, error) {
	args, _ := json.Marshal(map[string]interface{}{
		"accountId": session.AccountID,
		"ids":       nil,
	})

	responses, err := c.call(ctx, session, []Invocation{
		{Name: "Mailbox/get", Args: args, CallID: "0"},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []Mailbox `json:"list"`
	}
	if err := decodeResponse(responses[0], "Mailbox/get", &result); err != nil {
		return nil, err
	}
	sort.SliceStable(result.List, func(i, j int) bool {
		return result.List[i].SortOrder < result.List[j].SortOrder
	})
	return result.List, nil
}

// snapshotPrefix marks cursors the client itself mints while paging the
// initial snapshot. Provider-issued states are stored and presented
// unchanged; only these synthesized cursors carry the prefix.
const snapshotPrefix = "pos:"

// QueryEmails fetches identifiers in provider-chosen order. With an empty
// or snapshot cursor it pages the initial snapshot through Email/query by
// position; otherwise it walks the change feed from the cursor. No sort is
// ever requested, so callers must not depend on global date ordering.
func (c *Client) QueryEmails(ctx context.Context, session *Session, q QueryRequest) (*QueryResult, error) {
	if q.SinceState == "" || strings.HasPrefix(q.SinceState, snapshotPrefix) {
		return c.querySnapshot(ctx, session, q)
	}
	return c.queryChanges(ctx, session, q)
}

// querySnapshot pulls one position page of the mailbox snapshot. The Email
// object state is pinned before the first page and threaded through the
// snapshot cursor; once the snapshot drains, that state is returned as the
// cursor, handing subsequent batches to the change feed. Changes that land
// during the backfill are re-reported there and upserted again.
func (c *Client) querySnapshot(ctx context.Context, session *Session, q QueryRequest) (*QueryResult, error) {
	position := 0
	handoff := ""
	if q.SinceState != "" {
		var err error
		position, handoff, err = parseSnapshotCursor(q.SinceState)
		if err != nil {
			return nil, err
		}
	}

	params := map[string]interface{}{
		"accountId": session.AccountID,
		"position":  position,
		"limit":     q.Limit,
	}
	if q.MailboxID != "" {
		params["filter"] = map[string]interface{}{"inMailbox": q.MailboxID}
	}
	queryArgs, _ := json.Marshal(params)

	calls := []Invocation{{Name: "Email/query", Args: queryArgs, CallID: "0"}}
	if handoff == "" {
		stateArgs, _ := json.Marshal(map[string]interface{}{
			"accountId": session.AccountID,
			"ids":       []string{},
		})
		calls = append(calls, Invocation{Name: "Email/get", Args: stateArgs, CallID: "1"})
	}

	responses, err := c.call(ctx, session, calls)
	if err != nil {
		return nil, err
	}

	var queryResult struct {
		IDs []string `json:"ids"`
	}
	if err := decodeResponse(responses[0], "Email/query", &queryResult); err != nil {
		return nil, err
	}

	if handoff == "" {
		var stateResult struct {
			State string `json:"state"`
		}
		if err := decodeResponse(responses[1], "Email/get", &stateResult); err != nil {
			return nil, err
		}
		handoff = stateResult.State
	}

	hasMore := q.Limit > 0 && len(queryResult.IDs) == q.Limit
	newState := handoff
	if hasMore {
		newState = fmt.Sprintf("%s%d:%s", snapshotPrefix, position+len(queryResult.IDs), handoff)
	}

	return &QueryResult{
		IDs:      queryResult.IDs,
		NewState: newState,
		HasMore:  hasMore,
	}, nil
}

// parseSnapshotCursor splits "pos:<position>:<handoff state>".
func parseSnapshotCursor(cursor string) (int, string, error) {
	rest := strings.TrimPrefix(cursor, snapshotPrefix)
	posStr, handoff, found := strings.Cut(rest, ":")
	if !found || handoff == "" {
		return 0, "", apperr.Newf(apperr.KindProtocol, "malformed snapshot cursor %q", cursor)
	}
	position, err := strconv.Atoi(posStr)
	if err != nil || position < 0 {
		return 0, "", apperr.Newf(apperr.KindProtocol, "malformed snapshot cursor %q", cursor)
	}
	return position, handoff, nil
}

func (c *Client) queryChanges(ctx context.Context, session *Session, q QueryRequest) (*QueryResult, error) {
	args, _ := json.Marshal(map[string]interface{}{
		"accountId":  session.AccountID,
		"sinceState": q.SinceState,
		"maxChanges": q.Limit,
	})

	responses, err := c.call(ctx, session, []Invocation{
		{Name: "Email/changes", Args: args, CallID: "0"},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		NewState       string   `json:"newState"`
		HasMoreChanges bool     `json:"hasMoreChanges"`
		Created        []string `json:"created"`
		Updated        []string `json:"updated"`
		Destroyed      []string `json:"destroyed"`
	}
	if err := decodeResponse(responses[0], "Email/changes", &result); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.Created)+len(result.Updated))
	ids = append(ids, result.Created...)
	ids = append(ids, result.Updated...)

	return &QueryResult{
		IDs:       ids,
		Destroyed: result.Destroyed,
		NewState:  result.NewState,
		HasMore:   result.HasMoreChanges,
	}, nil
}

// GetEmails resolves identifiers to full records in the fixed projection.
func (c *Client) GetEmails(ctx context.Context, session *Session, ids []string) ([]Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args, _ := json.Marshal(map[string]interface{}{
		"accountId":           session.AccountID,
		"ids":                 ids,
		"properties":          emailProperties,
		"fetchTextBodyValues": true,
		"fetchHTMLBodyValues": true,
	})

	responses, err := c.call(ctx, session, []Invocation{
		{Name: "Email/get", Args: args, CallID: "0"},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List     []Email  `json:"list"`
		NotFound []string `json:"notFound"`
	}
	if err := decodeResponse(responses[0], "Email/get", &result); err != nil {
		return nil, err
	}

	if len(result.NotFound) > 0 {
		c.logger.WithField("count", len(result.NotFound)).Debug("some requested emails no longer exist")
	}
	return result.List, nil
}

// GetEmail resolves one identifier; nil when the provider no longer has it.
func (c *Client) GetEmail(ctx context.Context, session *Session, id string) (*Email, error) {
	emails, err := c.GetEmails(ctx, session, []string{id})
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, nil
	}
	return &emails[0], nil
}

// ListThreads walks the thread change feed from the cursor. With an empty
// SinceState it returns no identifiers and the provider's current state.
func (c *Client) ListThreads(ctx context.Context, session *Session, q QueryRequest) (*QueryResult, error) {
	if q.SinceState == "" {
		args, _ := json.Marshal(map[string]interface{}{
			"accountId": session.AccountID,
			"ids":       []string{},
		})
		responses, err := c.call(ctx, session, []Invocation{
			{Name: "Thread/get", Args: args, CallID: "0"},
		})
		if err != nil {
			return nil, err
		}
		var result struct {
			State string `json:"state"`
		}
		if err := decodeResponse(responses[0], "Thread/get", &result); err != nil {
			return nil, err
		}
		return &QueryResult{NewState: result.State}, nil
	}

	args, _ := json.Marshal(map[string]interface{}{
		"accountId":  session.AccountID,
		"sinceState": q.SinceState,
		"maxChanges": q.Limit,
	})
	responses, err := c.call(ctx, session, []Invocation{
		{Name: "Thread/changes", Args: args, CallID: "0"},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		NewState       string   `json:"newState"`
		HasMoreChanges bool     `json:"hasMoreChanges"`
		Created        []string `json:"created"`
		Updated        []string `json:"updated"`
		Destroyed      []string `json:"destroyed"`
	}
	if err := decodeResponse(responses[0], "Thread/changes", &result); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(result.Created)+len(result.Updated))
	ids = append(ids, result.Created...)
	ids = append(ids, result.Updated...)

	return &QueryResult{
		IDs:       ids,
		Destroyed: result.Destroyed,
		NewState:  result.NewState,
		HasMore:   result.HasMoreChanges,
	}, nil
}

// GetThreads resolves thread identifiers to full records.
func (c *Client) GetThreads(ctx context.Context, session *Session, ids []string) ([]Thread, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args, _ := json.Marshal(map[string]interface{}{
		"accountId": session.AccountID,
		"ids":       ids,
	})

	responses, err := c.call(ctx, session, []Invocation{
		{Name: "Thread/get", Args: args, CallID: "0"},
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []Thread `json:"list"`
	}
	if err := decodeResponse(responses[0], "Thread/get", &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// SetFlags mutates per-email keywords. A false value removes the keyword.
func (c *Client) SetFlags(ctx context.Context, session *Session, id string, flags map[string]bool) error {
	patch := make(map[string]interface{}, len(flags))
	for keyword, set := range flags {
		if set {
			patch["keywords/"+keyword] = true
		} else {
			patch["keywords/"+keyword] = nil
		}
	}

	args, _ := json.Marshal(map[string]interface{}{
		"accountId": session.AccountID,
		"update":    map[string]interface{}{id: patch},
	})

	responses, err := c.call(ctx, session, []Invocation{
		{Name: "Email/set", Args: args, CallID: "0"},
	})
	if err != nil {
		return err
	}

	var result struct {
		NotUpdated map[string]methodError `json:"notUpdated"`
	}
	if err := decodeResponse(responses[0], "Email/set", &result); err != nil {
		return err
	}
	if setErr, ok := result.NotUpdated[id]; ok {
		return apperr.WithCode(apperr.KindProtocol, setErr.Type, fmt.Sprintf("flag update rejected: %s", setErr.Description))
	}
	return nil
}

// call issues one compound request and returns the parallel response list.
func (c *Client) call(ctx context.Context, session *Session, calls []Invocation) ([]Invocation, error) {
	body, err := json.Marshal(request{
		Using:       []string{CapCore, CapMail},
		MethodCalls: calls,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, httpError(resp.StatusCode, calls[0].Name)
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "malformed response envelope", err)
	}
	if len(envelope.MethodResponses) != len(calls) {
		return nil, apperr.Newf(apperr.KindProtocol, "expected %d method responses, got %d", len(calls), len(envelope.MethodResponses))
	}
	return envelope.MethodResponses, nil
}

// decodeResponse validates the invocation name and decodes its args.
// A response named "error" is translated into the error taxonomy
// preserving the provider's error code.
func decodeResponse(inv Invocation, want string, out interface{}) error {
	if inv.Name == "error" {
		var me methodError
		if err := json.Unmarshal(inv.Args, &me); err != nil {
			return apperr.Wrap(apperr.KindProtocol, "malformed error response", err)
		}
		return methodErrorToTaxonomy(me)
	}
	if inv.Name != want {
		return apperr.Newf(apperr.KindProtocol, "expected %s response, got %s", want, inv.Name)
	}
	if err := json.Unmarshal(inv.Args, out); err != nil {
		return apperr.Wrap(apperr.KindProtocol, fmt.Sprintf("malformed %s response", want), err)
	}
	return nil
}

func methodErrorToTaxonomy(me methodError) error {
	kind := apperr.KindProtocol
	switch me.Type {
	case "forbidden", "accountNotFound", "accountReadOnly":
		kind = apperr.KindUnauthorized
	case "serverUnavailable", "serverFail", "serverPartialFail":
		kind = apperr.KindNetwork
	case "limitExceeded", "tooManyChanges":
		kind = apperr.KindRateLimited
	}
	return apperr.WithCode(kind, me.Type, me.Description)
}

func httpError(status int, op string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Newf(apperr.KindUnauthorized, "%s rejected with status %d", op, status)
	case status == http.StatusTooManyRequests:
		return apperr.Newf(apperr.KindRateLimited, "%s throttled with status %d", op, status)
	case status >= 500:
		return apperr.Newf(apperr.KindNetwork, "%s failed with status %d", op, status)
	default:
		return apperr.Newf(apperr.KindProtocol, "%s failed with status %d", op, status)
	}
}
