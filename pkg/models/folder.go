package models

import "time"

// Folder types
const (
	FolderInbox   = "inbox"
	FolderSent    = "sent"
	FolderArchive = "archive"
	FolderDrafts  = "drafts"
	FolderTrash   = "trash"
	FolderJunk    = "junk"
	FolderOutbox  = "outbox"
	FolderUser    = "user"
)

// OutboxName is the local name of the synthetic outbox folder
const OutboxName = "__outbox__"

// Folder represents a local folder mirrored from the server
type Folder struct {
	ID            int64     `db:"id"`
	AccountID     int64     `db:"account_id"`
	Name          string    `db:"name"` // Full path on the server
	Type          string    `db:"type"`
	Synchronize   bool      `db:"synchronize"`
	RetentionDays int       `db:"retention_days"`
	State         string    `db:"state"`
	Error         *string   `db:"error"`
	CreatedAt     time.Time `db:"created_at"`
}

// IsOutbox reports whether the folder has no remote counterpart
func (f *Folder) IsOutbox() bool {
	return f.Type == FolderOutbox
}
