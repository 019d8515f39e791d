package mailsync

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"strings"

	"github.com/mixelka/mailsync/internal/remote"
)

var (
	// ErrMessageGone is returned when an operation refers to a deleted message
	ErrMessageGone = errors.New("message no longer exists")
	// ErrIdentityGone is returned when a send operation refers to a deleted identity
	ErrIdentityGone = errors.New("identity no longer exists")
	// ErrNoUID is returned when an operation needs a server UID the message never got
	ErrNoUID = errors.New("message has no uid")
	// ErrOutboxOperation is returned for anything but send queued on the outbox
	ErrOutboxOperation = errors.New("operation not valid in outbox")
)

// Class groups errors by how the engine reacts to them
type Class int

const (
	// Fatal errors are recorded and abort the current batch
	Fatal Class = iota
	// Connectivity errors tear the connection down without recording anything on the account
	Connectivity
	// Timeout errors leave the current operation queued for the next attempt
	Timeout
	// Auth errors are recorded on the account and retried with backoff
	Auth
	// Unrecoverable errors are recorded on the message and the operation is dropped
	Unrecoverable
)

func (c Class) String() string {
	switch c {
	case Connectivity:
		return "connectivity"
	case Timeout:
		return "timeout"
	case Auth:
		return "auth"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "fatal"
	}
}

var connectivityPatterns = []string{
	"connection reset",
	"broken pipe",
	"connection refused",
	"no route to host",
	"network is unreachable",
	"use of closed network connection",
	"connection closed",
	"imap: connection closed",
	"server closed",
}

// Classify maps an error to its class
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	if errors.Is(err, remote.ErrAuthFailed) {
		return Auth
	}

	var sendErr *remote.SendError
	if errors.As(err, &sendErr) && sendErr.Permanent() {
		return Unrecoverable
	}
	switch {
	case errors.Is(err, ErrMessageGone),
		errors.Is(err, ErrIdentityGone),
		errors.Is(err, ErrOutboxOperation),
		errors.Is(err, remote.ErrMessageRemoved),
		errors.Is(err, remote.ErrFolderNotFound):
		return Unrecoverable
	}

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, remote.ErrFolderClosed),
		errors.Is(err, remote.ErrSessionClosed):
		return Connectivity
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Connectivity
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return Connectivity
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return Connectivity
	}

	msg := strings.ToLower(err.Error())
	for _, p := range connectivityPatterns {
		if strings.Contains(msg, p) {
			return Connectivity
		}
	}
	if strings.Contains(msg, "tls: ") && strings.Contains(msg, "handshake") {
		return Connectivity
	}

	return Fatal
}

// errorText formats an error for the error columns
func errorText(err error) *string {
	s := err.Error()
	return &s
}
