// Package remote describes the mailbox server and mail transport as seen by the
// synchronization engine. Implementations live in internal/email.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMessageRemoved is returned when a UID is no longer addressable
	ErrMessageRemoved = errors.New("message removed from server")
	// ErrFolderNotFound is returned when a mailbox does not exist on the server
	ErrFolderNotFound = errors.New("folder not found on server")
	// ErrFolderClosed is returned when a folder handle lost its connection
	ErrFolderClosed = errors.New("folder closed")
	// ErrSessionClosed is returned when the session was logged out
	ErrSessionClosed = errors.New("session closed")
	// ErrAuthFailed is returned when the server rejected the credentials
	ErrAuthFailed = errors.New("authentication failed")
)

// Capabilities are queried once per session
type Capabilities struct {
	Idle bool
	Move bool
}

// SessionConfig describes how to reach and authenticate to a server
type SessionConfig struct {
	Host        string
	Port        int
	User        string
	Secret      string // Password or OAuth2 access token
	OAuth       bool
	DialTimeout time.Duration
	Timeout     time.Duration // Per command
	IdleTimeout time.Duration // IDLE is restarted after this long
}

// Addr returns host:port
func (c SessionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FolderInfo is one LIST result
type FolderInfo struct {
	Name       string
	Attributes []string
}

// MessageInfo is the UID and flags of one remote message
type MessageInfo struct {
	UID     uint32
	Seen    bool
	Deleted bool
}

// Message is a fully fetched remote message
type Message struct {
	MessageInfo
	InternalDate time.Time
	Raw          []byte
}

// EventKind classifies folder events
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventRemoved
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Event is a change pushed by the server, resolved to a UID
type Event struct {
	Kind EventKind
	MessageInfo
}

// Dialer opens sessions
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one authenticated connection to a server
type Session interface {
	Capabilities() Capabilities
	ListFolders(ctx context.Context) ([]FolderInfo, error)
	OpenFolder(ctx context.Context, name string) (Folder, error)
	// AppendUnique appends raw to mailbox, then removes every other copy carrying the same
	// Message-ID and returns the UID of the kept copy (0 when the server hides it).
	AppendUnique(ctx context.Context, mailbox, msgid string, raw []byte, seen bool, date time.Time) (uint32, error)
	Close() error
}

// Folder is an open mailbox. Commands may be issued while another goroutine is in Idle.
type Folder interface {
	Name() string
	IsOpen() bool
	SearchSince(ctx context.Context, since time.Time) ([]uint32, error)
	// FetchFlags omits UIDs that vanished meanwhile
	FetchFlags(ctx context.Context, uids []uint32) ([]MessageInfo, error)
	FetchMessage(ctx context.Context, uid uint32) (*Message, error)
	SetSeen(ctx context.Context, uid uint32, seen bool) error
	// Delete flags the message deleted and expunges
	Delete(ctx context.Context, uid uint32) error
	Move(ctx context.Context, uid uint32, mailbox string) error
	Noop(ctx context.Context) error
	// Idle blocks until the server reports changes (true), a command preempts it,
	// or ctx is done
	Idle(ctx context.Context) (bool, error)
	// PollEvents drains the changes received since the last call
	PollEvents(ctx context.Context) ([]Event, error)
	Close() error
}

// TransportConfig describes a submission server for one identity
type TransportConfig struct {
	Host     string
	Port     int
	Implicit bool // TLS from the first byte, otherwise STARTTLS
	User     string
	Secret   string
	OAuth    bool
	Timeout  time.Duration
}

// Addr returns host:port
func (c TransportConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TransportDialer opens transports
type TransportDialer interface {
	DialTransport(ctx context.Context, cfg TransportConfig) (Transport, error)
}

// Transport submits messages
type Transport interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
	Close() error
}

// SendError carries the server reply code of a rejected submission
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%d): %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Permanent reports a 5xx rejection
func (e *SendError) Permanent() bool {
	return e.Code >= 500 && e.Code < 600
}
