package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Address represents an email address
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String formats the address for display and logs
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// AddressList is stored as a JSON array
type AddressList []Address

// Value implements driver.Valuer
func (l AddressList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *AddressList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported address list type %T", src)
	}
	return json.Unmarshal(raw, l)
}

// Emails returns the bare addresses
func (l AddressList) Emails() []string {
	out := make([]string, 0, len(l))
	for _, a := range l {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

// Message represents a local copy of an email
type Message struct {
	ID         int64       `db:"id"`
	AccountID  int64       `db:"account_id"`
	FolderID   int64       `db:"folder_id"`
	UID        *uint32     `db:"uid"`         // Null until the server assigned one
	MsgID      *string     `db:"msgid"`       // Message-ID header without angle brackets
	Thread     *string     `db:"thread"`      // Conversation grouping key
	References string      `db:"refs"`        // Space separated message ids
	InReplyTo  string      `db:"in_reply_to"` // Parent message id
	From       AddressList `db:"from_addr"`
	To         AddressList `db:"to_addr"`
	Cc         AddressList `db:"cc_addr"`
	Bcc        AddressList `db:"bcc_addr"`
	ReplyTo    AddressList `db:"reply_to"`
	Subject    string      `db:"subject"`
	Preview    string      `db:"preview"`
	Received   time.Time   `db:"received"`
	Sent       *time.Time  `db:"sent"`
	Seen       bool        `db:"seen"`    // Server flag
	UISeen     bool        `db:"ui_seen"` // Flag shown to the user
	UIHide     bool        `db:"ui_hide"`
	Content    bool        `db:"content"` // Body blob written
	Error      *string     `db:"error"`
	IdentityID *int64      `db:"identity_id"`
	ReplyingID *int64      `db:"replying_id"`
	CreatedAt  time.Time   `db:"created_at"`
}

// ReferenceList splits the stored references
func (m *Message) ReferenceList() []string {
	return strings.Fields(m.References)
}

// Recipients returns every address the message is sent to
func (m *Message) Recipients() []string {
	var out []string
	out = append(out, m.To.Emails()...)
	out = append(out, m.Cc.Emails()...)
	out = append(out, m.Bcc.Emails()...)
	return out
}

// Attachment belongs to one message, content lives in the blob area
type Attachment struct {
	ID        int64  `db:"id"`
	MessageID int64  `db:"message_id"`
	Sequence  int    `db:"sequence"` // 1-based position among the message attachments
	Name      string `db:"name"`
	Type      string `db:"type"`
	Size      *int64 `db:"size"`     // Declared size, replaced by the stored size once available
	Progress  *int   `db:"progress"` // 0-100 while downloading
	Available bool   `db:"available"`
}
