package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// StringList is a JSONB-backed list of strings (address lists, references).
type StringList []string

// Value implements driver.Valuer for StringList
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for StringList
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

// FlagMap is a JSONB-backed keyword flag map ($seen, $flagged, ...).
type FlagMap map[string]bool

// Value implements driver.Valuer for FlagMap
func (f FlagMap) Value() (driver.Value, error) {
	if f == nil {
		return json.Marshal(map[string]bool{})
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner for FlagMap
func (f *FlagMap) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, f)
}

// Attachment describes one attachment as stored in the emails.attachments
// JSONB column.
type Attachment struct {
	ID        string `json:"id"`
	BlobID    string `json:"blobId"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	ContentID string `json:"contentId,omitempty"`
	Inline    bool   `json:"inline"`
}

// AttachmentList is a JSONB-backed list of attachments.
type AttachmentList []Attachment

// Value implements driver.Valuer for AttachmentList
func (a AttachmentList) Value() (driver.Value, error) {
	if a == nil {
		return json.Marshal([]Attachment{})
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner for AttachmentList
func (a *AttachmentList) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, a)
}
