// Package mailsync keeps the local message store consistent with remote
// mailboxes and replays locally queued operations when connectivity allows.
package mailsync

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/mixelka/mailsync/internal/codec"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/internal/storage"
	"github.com/mixelka/mailsync/pkg/models"
)

// MessageCodec renders and parses raw messages
type MessageCodec interface {
	Parse(raw []byte) (*codec.Parsed, error)
	Render(msg, parent *models.Message, body string, atts []*models.Attachment, open codec.Opener) ([]byte, error)
	OpenAttachment(raw []byte, seq int) (io.Reader, error)
}

// Credentials hands out the secret to authenticate with, refreshing tokens as needed
type Credentials interface {
	AccountSecret(ctx context.Context, acc *models.Account) (string, error)
	IdentitySecret(ctx context.Context, ident *models.Identity) (string, error)
	InvalidateAccount(id int64)
}

// Options tune timeouts and limits
type Options struct {
	DialTimeout        time.Duration
	CommandTimeout     time.Duration
	IdleTimeout        time.Duration
	SMTPTimeout        time.Duration
	BackoffStart       time.Duration
	BackoffMax         time.Duration
	StoreCheckInterval time.Duration
	RetentionDays      int
	ChunkSize          int
}

// DefaultOptions returns the values used when nothing is configured
func DefaultOptions() Options {
	return Options{
		DialTimeout:        30 * time.Second,
		CommandTimeout:     time.Minute,
		IdleTimeout:        25 * time.Minute,
		SMTPTimeout:        time.Minute,
		BackoffStart:       32 * time.Second,
		BackoffMax:         1024 * time.Second,
		StoreCheckInterval: 9 * time.Minute,
		RetentionDays:      7,
		ChunkSize:          8192,
	}
}

// Deps are the collaborators of the engine
type Deps struct {
	DB          *database.DB
	Blobs       *storage.Store
	Codec       MessageCodec
	Credentials Credentials
	Dialer      remote.Dialer
	Transports  remote.TransportDialer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
