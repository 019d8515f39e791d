package mailsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/internal/storage"
	"github.com/mixelka/mailsync/pkg/models"
)

// Fetcher downloads attachment content into the blob area
type Fetcher struct {
	db        *database.DB
	blobs     *storage.Store
	codec     MessageCodec
	metrics   *metrics.Metrics
	logger    *slog.Logger
	chunkSize int
}

// NewFetcher creates an attachment fetcher
func NewFetcher(deps Deps, chunkSize int) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultOptions().ChunkSize
	}
	return &Fetcher{
		db:        deps.DB,
		blobs:     deps.Blobs,
		codec:     deps.Codec,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		chunkSize: chunkSize,
	}
}

// Fetch downloads attachment seq of msg, reporting progress as it goes. On
// any failure the progress is cleared and partial content removed.
func (f *Fetcher) Fetch(ctx context.Context, rf remote.Folder, msg *models.Message, seq int) (err error) {
	if msg.UID == nil {
		return ErrNoUID
	}

	att, err := f.db.GetAttachment(ctx, msg.ID, seq)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("attachment %d of message %d: %w", seq, msg.ID, ErrMessageGone)
	}
	if err != nil {
		return err
	}

	defer func() {
		if err == nil {
			return
		}
		// Fresh context, ctx may be the reason we failed
		cleanup := context.WithoutCancel(ctx)
		if perr := f.db.SetAttachmentProgress(cleanup, att.ID, nil); perr != nil {
			f.logger.Warn("failed to clear attachment progress", "attachment_id", att.ID, "error", perr)
		}
		if rerr := f.blobs.RemoveAttachment(att.ID); rerr != nil {
			f.logger.Warn("failed to remove partial attachment", "attachment_id", att.ID, "error", rerr)
		}
	}()

	fetched, err := rf.FetchMessage(ctx, *msg.UID)
	if err != nil {
		return err
	}
	r, err := f.codec.OpenAttachment(fetched.Raw, seq)
	if err != nil {
		return fmt.Errorf("failed to open attachment %d: %w", seq, err)
	}

	written, err := f.store(ctx, att, r)
	if err != nil {
		return err
	}

	if err := f.db.SetAttachmentDownloaded(ctx, att.ID, written); err != nil {
		return err
	}
	f.metrics.AttachmentBytes.Add(float64(written))
	f.logger.Debug("attachment downloaded", "message_id", msg.ID, "sequence", seq, "size", written)
	return nil
}

func (f *Fetcher) store(ctx context.Context, att *models.Attachment, r io.Reader) (int64, error) {
	out, err := f.blobs.CreateAttachment(att.ID)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	buf := make([]byte, f.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write attachment: %w", err)
			}
			written += int64(n)

			if att.Size != nil && *att.Size > 0 {
				progress := int(written * 100 / *att.Size)
				if progress > 100 {
					progress = 100
				}
				if err := f.db.SetAttachmentProgress(ctx, att.ID, &progress); err != nil {
					return written, err
				}
			}
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("failed to read attachment: %w", rerr)
		}
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close attachment: %w", err)
	}
	return written, nil
}
