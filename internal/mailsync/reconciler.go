package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mixelka/mailsync/internal/codec"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/internal/storage"
	"github.com/mixelka/mailsync/pkg/models"
)

// Result is the outcome of reconciling one remote message
type Result int

const (
	Skipped Result = iota
	Unchanged
	Updated
	Inserted
)

func (r Result) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Inserted:
		return "inserted"
	default:
		return "skipped"
	}
}

// Stats summarise one bulk pass
type Stats struct {
	Inserted  int
	Updated   int
	Unchanged int
	Skipped   int
	Deleted   int // Local rows whose UID vanished remotely
	Pruned    int // Local rows older than the retention window
	Orphans   int // Blob files without a record
}

func (s *Stats) add(r Result) {
	switch r {
	case Inserted:
		s.Inserted++
	case Updated:
		s.Updated++
	case Unchanged:
		s.Unchanged++
	default:
		s.Skipped++
	}
}

// Reconciler brings the messages of one folder in line with the server
type Reconciler struct {
	db      *database.DB
	blobs   *storage.Store
	codec   MessageCodec
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a message reconciler
func NewReconciler(deps Deps) *Reconciler {
	return &Reconciler{
		db:      deps.DB,
		blobs:   deps.Blobs,
		codec:   deps.Codec,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

// cutoff returns UTC midnight of today minus days, never before the epoch
func cutoff(now time.Time, days int) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	c := midnight.AddDate(0, 0, -days)
	if c.Before(time.Unix(0, 0)) {
		return time.Unix(0, 0).UTC()
	}
	return c
}

// Synchronize runs a bulk pass over the retention window of folder
func (r *Reconciler) Synchronize(ctx context.Context, folder *models.Folder, rf remote.Folder) (Stats, error) {
	var stats Stats
	logger := r.logger.With("account_id", folder.AccountID, "folder", folder.Name)

	if err := r.db.SetFolderState(ctx, folder.ID, models.StateSyncing); err != nil {
		return stats, err
	}
	defer func() {
		if err := r.db.SetFolderState(context.WithoutCancel(ctx), folder.ID, models.StateConnected); err != nil {
			logger.Warn("failed to restore folder state", "error", err)
		}
	}()

	since := cutoff(r.now(), folder.RetentionDays)
	pruned, err := r.db.DeleteMessagesBefore(ctx, folder.ID, since)
	if err != nil {
		return stats, err
	}
	stats.Pruned = int(pruned)

	localUIDs, err := r.db.GetUIDsSince(ctx, folder.ID, since)
	if err != nil {
		return stats, err
	}
	local := make(map[uint32]struct{}, len(localUIDs))
	for _, uid := range localUIDs {
		local[uid] = struct{}{}
	}

	uids, err := rf.SearchSince(ctx, since)
	if err != nil {
		return stats, fmt.Errorf("failed to search folder: %w", err)
	}
	infos, err := rf.FetchFlags(ctx, uids)
	if err != nil {
		return stats, fmt.Errorf("failed to fetch flags: %w", err)
	}

	for _, info := range infos {
		delete(local, info.UID)
	}
	for uid := range local {
		n, err := r.db.DeleteMessageByUID(ctx, folder.ID, uid)
		if err != nil {
			return stats, err
		}
		stats.Deleted += int(n)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].UID > infos[j].UID })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		res, err := r.SynchronizeMessage(ctx, folder, rf, info)
		if err != nil {
			if err := r.skipMessage(ctx, folder, info.UID, err); err != nil {
				return stats, err
			}
			res = Skipped
		}
		stats.add(res)
	}

	stats.Orphans, err = r.blobs.RemoveOrphans(func() ([]int64, []int64, error) {
		msgIDs, err := r.db.GetMessageIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		attIDs, err := r.db.GetAttachmentIDs(ctx)
		if err != nil {
			return nil, nil, err
		}
		return msgIDs, attIDs, nil
	})
	if err != nil {
		return stats, err
	}

	if unseen, err := r.db.CountUnseen(ctx, folder.ID); err == nil {
		r.metrics.UnseenMessages.WithLabelValues(strconv.FormatInt(folder.ID, 10)).Set(float64(unseen))
	}

	logger.Info("folder synchronized",
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"deleted", stats.Deleted,
		"pruned", stats.Pruned,
	)
	return stats, nil
}

// SynchronizeMessage reconciles one remote message with the store
func (r *Reconciler) SynchronizeMessage(ctx context.Context, folder *models.Folder, rf remote.Folder, info remote.MessageInfo) (Result, error) {
	res, err := r.synchronizeMessage(ctx, folder, rf, info)
	if err != nil {
		return res, err
	}
	r.metrics.MessagesReconciled.WithLabelValues(res.String()).Inc()
	return res, nil
}

func (r *Reconciler) synchronizeMessage(ctx context.Context, folder *models.Folder, rf remote.Folder, info remote.MessageInfo) (Result, error) {
	if info.Deleted {
		return Skipped, nil
	}

	existing, err := r.db.GetMessageByUID(ctx, folder.ID, info.UID)
	if err == nil {
		if existing.Seen == info.Seen {
			return Unchanged, nil
		}
		if err := r.db.SetMessageSeen(ctx, existing.ID, info.Seen); err != nil {
			return Skipped, err
		}
		return Updated, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return Skipped, err
	}

	fetched, err := rf.FetchMessage(ctx, info.UID)
	if errors.Is(err, remote.ErrMessageRemoved) {
		return Skipped, nil
	}
	if err != nil {
		return Skipped, fmt.Errorf("failed to fetch uid %d: %w", info.UID, err)
	}
	parsed, err := r.codec.Parse(fetched.Raw)
	if err != nil {
		return Skipped, fmt.Errorf("failed to parse uid %d: %w", info.UID, err)
	}

	var result Result
	err = r.db.InTx(ctx, func(tx *database.DB) error {
		if _, err := tx.GetMessageByUID(ctx, folder.ID, info.UID); err == nil {
			result = Unchanged
			return nil
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		thread := threadKey(parsed, info.UID)
		if parsed.MessageID != "" && folder.Type != models.FolderArchive {
			dup, err := tx.GetUnboundDuplicate(ctx, folder.AccountID, folder.ID, parsed.MessageID)
			if err == nil {
				if err := tx.BindMessage(ctx, dup.ID, folder.ID, info.UID, thread); err != nil {
					return err
				}
				result = Updated
				return nil
			}
			if !errors.Is(err, database.ErrNotFound) {
				return err
			}
		}

		msg := newMessage(folder, info, fetched, parsed, thread)
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		for _, d := range parsed.Attachments {
			size := d.Size
			att := &models.Attachment{
				MessageID: msg.ID,
				Sequence:  d.Sequence,
				Name:      d.Name,
				Type:      d.Type,
				Size:      &size,
			}
			if err := tx.CreateAttachment(ctx, att); err != nil {
				return err
			}
		}
		// A failed write rolls the row back, so the next pass fetches it again
		if err := r.blobs.WriteMessage(msg.ID, parsed.BodyHTML); err != nil {
			return err
		}
		if err := tx.SetMessageContent(ctx, msg.ID, true); err != nil {
			return err
		}
		result = Inserted
		return nil
	})
	if err != nil {
		return Skipped, err
	}
	return result, nil
}

// skipMessage records a failure confined to one message and returns nil so
// the caller carries on with the rest. Failures of the connection itself are
// returned unchanged.
func (r *Reconciler) skipMessage(ctx context.Context, folder *models.Folder, uid uint32, err error) error {
	if ctx.Err() != nil {
		return err
	}
	switch Classify(err) {
	case Connectivity, Timeout, Auth:
		return err
	}

	r.logger.Warn("message skipped", "account_id", folder.AccountID, "folder", folder.Name, "uid", uid, "error", err)
	r.metrics.MessagesReconciled.WithLabelValues(Skipped.String()).Inc()
	if rerr := r.db.SetFolderError(ctx, folder.ID, errorText(err)); rerr != nil {
		r.logger.Warn("failed to record folder error", "folder", folder.Name, "error", rerr)
	}
	return nil
}

func newMessage(folder *models.Folder, info remote.MessageInfo, fetched *remote.Message, parsed *codec.Parsed, thread string) *models.Message {
	msg := &models.Message{
		AccountID: folder.AccountID,
		FolderID:  folder.ID,
		UID:       &info.UID,
		Thread:    &thread,
		InReplyTo: parsed.InReplyTo,
		From:      parsed.From,
		To:        parsed.To,
		Cc:        parsed.Cc,
		Bcc:       parsed.Bcc,
		ReplyTo:   parsed.ReplyTo,
		Subject:   parsed.Subject,
		Preview:   parsed.Preview,
		Received:  fetched.InternalDate,
		Seen:      info.Seen,
		UISeen:    info.Seen,
	}
	msg.References = strings.Join(parsed.References, " ")
	if parsed.MessageID != "" && folder.Type != models.FolderArchive {
		id := parsed.MessageID
		msg.MsgID = &id
	}
	if !parsed.Date.IsZero() {
		sent := parsed.Date
		msg.Sent = &sent
		if msg.Received.IsZero() {
			msg.Received = sent
		}
	}
	if msg.Received.IsZero() {
		msg.Received = time.Now()
	}
	return msg
}

// threadKey groups a message with its conversation
func threadKey(parsed *codec.Parsed, uid uint32) string {
	for _, ref := range parsed.References {
		if ref != "" {
			return ref
		}
	}
	if parsed.MessageID != "" {
		return parsed.MessageID
	}
	return strconv.FormatUint(uint64(uid), 10)
}
