package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation kinds
const (
	OpSeen       = "seen"
	OpAdd        = "add"
	OpMove       = "move"
	OpDelete     = "delete"
	OpSend       = "send"
	OpAttachment = "attachment"
)

// Operation is a queued local mutation to replay on the server
type Operation struct {
	ID        int64     `db:"id"`
	FolderID  int64     `db:"folder_id"`
	MessageID int64     `db:"message_id"`
	Kind      string    `db:"kind"`
	Args      string    `db:"args"` // JSON array
	CreatedAt time.Time `db:"created_at"`
}

// NewOperation builds an operation with JSON encoded arguments
func NewOperation(folderID, messageID int64, kind string, args ...any) (*Operation, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}
	return &Operation{
		FolderID:  folderID,
		MessageID: messageID,
		Kind:      kind,
		Args:      string(b),
	}, nil
}

// SeenArg decodes the arguments of a seen operation
func (o *Operation) SeenArg() (bool, error) {
	var args []bool
	if err := json.Unmarshal([]byte(o.Args), &args); err != nil || len(args) == 0 {
		return false, fmt.Errorf("invalid %s arguments %q", o.Kind, o.Args)
	}
	return args[0], nil
}

// IDArg decodes the first argument as an id (target folder or attachment sequence)
func (o *Operation) IDArg() (int64, error) {
	var args []int64
	if err := json.Unmarshal([]byte(o.Args), &args); err != nil || len(args) == 0 {
		return 0, fmt.Errorf("invalid %s arguments %q", o.Kind, o.Args)
	}
	return args[0], nil
}
