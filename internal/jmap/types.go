package jmap

import (
	"encoding/json"
	"fmt"
	"time"
)

// Capability identifiers sent with every compound request.
const (
	CapCore = "urn:ietf:params:jmap:core"
	CapMail = "urn:ietf:params:jmap:mail"
)

// Session is the provider's session document plus the bits we use from it.
type Session struct {
	AccountID    string
	APIURL       string
	Capabilities map[string]json.RawMessage
	State        string

	token string // bearer credential the session was opened with
}

// sessionDoc mirrors the wire shape of the session resource.
type sessionDoc struct {
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	Accounts        map[string]json.RawMessage `json:"accounts"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	APIURL          string                     `json:"apiUrl"`
	State           string                     `json:"state"`
}

// Invocation is one tagged method call or response: [name, args, callId].
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

// MarshalJSON encodes the invocation as a 3-element array.
func (inv Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{inv.Name, inv.Args, inv.CallID})
}

// UnmarshalJSON decodes a 3-element array into the invocation.
func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("invocation must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return err
	}
	inv.Args = parts[1]
	return json.Unmarshal(parts[2], &inv.CallID)
}

// request is the compound request envelope.
type request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// response is the compound response envelope.
type response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// methodError is the args payload of an "error" method response.
type methodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// EmailAddress is a name/email pair as carried on header fields.
type EmailAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String renders "Name <addr>" or the bare address.
func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// BodyPart is one node of the body structure.
type BodyPart struct {
	PartID      string `json:"partId"`
	BlobID      string `json:"blobId"`
	Size        int64  `json:"size"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Charset     string `json:"charset"`
	Disposition string `json:"disposition"`
	CID         string `json:"cid"`
}

// BodyValue is the fetched content of one body part.
type BodyValue struct {
	Value             string `json:"value"`
	IsEncodingProblem bool   `json:"isEncodingProblem"`
	IsTruncated       bool   `json:"isTruncated"`
}

// Email is the provider's email record in the fixed projection.
type Email struct {
	ID          string               `json:"id"`
	BlobID      string               `json:"blobId"`
	ThreadID    string               `json:"threadId"`
	MailboxIDs  map[string]bool      `json:"mailboxIds"`
	Keywords    map[string]bool      `json:"keywords"`
	Size        int64                `json:"size"`
	ReceivedAt  *time.Time           `json:"receivedAt"`
	SentAt      *time.Time           `json:"sentAt"`
	MessageID   []string             `json:"messageId"`
	InReplyTo   []string             `json:"inReplyTo"`
	References  []string             `json:"references"`
	Subject     string               `json:"subject"`
	From        []EmailAddress       `json:"from"`
	To          []EmailAddress       `json:"to"`
	Cc          []EmailAddress       `json:"cc"`
	Bcc         []EmailAddress       `json:"bcc"`
	ReplyTo     []EmailAddress       `json:"replyTo"`
	TextBody    []BodyPart           `json:"textBody"`
	HTMLBody    []BodyPart           `json:"htmlBody"`
	Attachments []BodyPart           `json:"attachments"`
	BodyValues  map[string]BodyValue `json:"bodyValues"`
	Preview     string               `json:"preview"`
}

// emailProperties is the fixed projection requested on every Email/get.
var emailProperties = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords", "size",
	"receivedAt", "sentAt", "messageId", "inReplyTo", "references",
	"subject", "from", "to", "cc", "bcc", "replyTo",
	"textBody", "htmlBody", "attachments", "bodyValues", "preview",
}

// Mailbox is the provider's mailbox record.
type Mailbox struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId"`
	Role         string `json:"role"`
	SortOrder    int    `json:"sortOrder"`
	TotalEmails  int    `json:"totalEmails"`
	UnreadEmails int    `json:"unreadEmails"`
}

// Thread is the provider's thread record.
type Thread struct {
	ID       string   `json:"id"`
	EmailIDs []string `json:"emailIds"`
}

// QueryRequest selects which email identifiers to fetch.
type QueryRequest struct {
	MailboxID  string // optional inMailbox filter, fresh-query path only
	SinceState string // opaque cursor; empty means fresh query
	Limit      int
}

// QueryResult carries provider-order identifiers plus the next cursor.
// Destroyed is only populated on the change-feed path.
type QueryResult struct {
	IDs       []string
	Destroyed []string
	NewState  string
	HasMore   bool
}
