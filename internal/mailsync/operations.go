package mailsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/mixelka/mailsync/internal/codec"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/internal/storage"
	"github.com/mixelka/mailsync/pkg/models"
)

// Target is where operations of a folder are executed. Session and Folder are
// nil for the outbox.
type Target struct {
	Session remote.Session
	Folder  remote.Folder
	Caps    remote.Capabilities
	// Notify wakes the queue of another folder, e.g. Sent after a send
	Notify func(folderID int64)
}

// Processor replays queued operations against the server
type Processor struct {
	db          *database.DB
	blobs       *storage.Store
	codec       MessageCodec
	credentials Credentials
	transports  remote.TransportDialer
	fetcher     *Fetcher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	smtpTimeout time.Duration
	now         func() time.Time
}

// NewProcessor creates an operation processor
func NewProcessor(deps Deps, fetcher *Fetcher, smtpTimeout time.Duration) *Processor {
	return &Processor{
		db:          deps.DB,
		blobs:       deps.Blobs,
		codec:       deps.Codec,
		credentials: deps.Credentials,
		transports:  deps.Transports,
		fetcher:     fetcher,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		smtpTimeout: smtpTimeout,
		now:         time.Now,
	}
}

// Process drains the operations of folder oldest first. A timeout leaves the
// current operation queued and returns nil. Connectivity and fatal errors are
// returned so the caller can tear the connection down.
func (p *Processor) Process(ctx context.Context, t Target, folder *models.Folder) error {
	ops, err := p.db.GetOperations(ctx, folder.ID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	logger := p.logger.With("account_id", folder.AccountID, "folder", folder.Name)
	defer p.updateQueued(context.WithoutCancel(ctx), folder.ID)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := p.execute(ctx, t, folder, op)
		p.metrics.OperationLatency.WithLabelValues(op.Kind).Observe(time.Since(start).Seconds())

		if err == nil {
			if err := p.db.DeleteOperation(ctx, op.ID); err != nil {
				return err
			}
			p.metrics.Operations.WithLabelValues(op.Kind, "ok").Inc()
			logger.Debug("operation done", "op_id", op.ID, "kind", op.Kind, "message_id", op.MessageID)
			continue
		}

		class := Classify(err)
		p.metrics.Operations.WithLabelValues(op.Kind, class.String()).Inc()
		logger.Warn("operation failed", "op_id", op.ID, "kind", op.Kind, "message_id", op.MessageID, "class", class, "error", err)

		switch class {
		case Unrecoverable:
			p.recordError(ctx, op.MessageID, err)
			if err := p.db.DeleteOperation(ctx, op.ID); err != nil {
				return err
			}
		case Timeout:
			return nil
		case Connectivity:
			return err
		default:
			p.recordError(ctx, op.MessageID, err)
			return err
		}
	}
	return nil
}

func (p *Processor) updateQueued(ctx context.Context, folderID int64) {
	n, err := p.db.CountOperations(ctx, folderID)
	if err != nil {
		return
	}
	p.metrics.QueuedOperations.WithLabelValues(strconv.FormatInt(folderID, 10)).Set(float64(n))
}

func (p *Processor) recordError(ctx context.Context, messageID int64, err error) {
	if rerr := p.db.SetMessageError(context.WithoutCancel(ctx), messageID, errorText(err)); rerr != nil {
		p.logger.Warn("failed to record message error", "message_id", messageID, "error", rerr)
	}
}

func (p *Processor) execute(ctx context.Context, t Target, folder *models.Folder, op *models.Operation) error {
	msg, err := p.db.GetMessageByID(ctx, op.MessageID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("message %d: %w", op.MessageID, ErrMessageGone)
	}
	if err != nil {
		return err
	}
	if err := p.db.SetMessageError(ctx, msg.ID, nil); err != nil {
		return err
	}

	if folder.IsOutbox() || t.Folder == nil {
		if op.Kind != models.OpSend {
			return fmt.Errorf("%s: %w", op.Kind, ErrOutboxOperation)
		}
		return p.send(ctx, t, msg)
	}

	switch op.Kind {
	case models.OpSeen, models.OpMove, models.OpDelete, models.OpAttachment:
		if msg.UID == nil {
			return fmt.Errorf("%s of message %d: %w", op.Kind, msg.ID, ErrNoUID)
		}
	}

	switch op.Kind {
	case models.OpSeen:
		return p.seen(ctx, t, msg, op)
	case models.OpAdd:
		return p.add(ctx, t, folder, msg)
	case models.OpMove:
		return p.move(ctx, t, folder, msg, op)
	case models.OpDelete:
		return p.delete(ctx, t, msg)
	case models.OpSend:
		return p.send(ctx, t, msg)
	case models.OpAttachment:
		seq, err := op.IDArg()
		if err != nil {
			return err
		}
		return p.fetcher.Fetch(ctx, t.Folder, msg, int(seq))
	default:
		return fmt.Errorf("unknown operation %q", op.Kind)
	}
}

func (p *Processor) seen(ctx context.Context, t Target, msg *models.Message, op *models.Operation) error {
	seen, err := op.SeenArg()
	if err != nil {
		return err
	}
	if err := t.Folder.SetSeen(ctx, *msg.UID, seen); err != nil {
		return err
	}
	return p.db.SetMessageSeen(ctx, msg.ID, seen)
}

func (p *Processor) add(ctx context.Context, t Target, folder *models.Folder, msg *models.Message) error {
	raw, err := p.render(ctx, msg, nil)
	if err != nil {
		return err
	}

	uid, err := t.Session.AppendUnique(ctx, folder.Name, *msg.MsgID, raw, msg.UISeen, msg.Received)
	if err != nil {
		return err
	}
	if uid == 0 {
		// The new copy is bound again by Message-ID on the next pass, which
		// only matches rows without a UID
		if msg.UID != nil {
			if err := t.Folder.Delete(ctx, *msg.UID); err != nil && !errors.Is(err, remote.ErrMessageRemoved) {
				return err
			}
		}
		return p.db.SetMessageUID(ctx, msg.ID, nil)
	}
	return p.bindUID(ctx, folder.ID, msg.ID, uid)
}

// bindUID stores uid on the message. A row the reconciler created for the
// same UID in the meantime is dropped in favour of the local one.
func (p *Processor) bindUID(ctx context.Context, folderID, messageID int64, uid uint32) error {
	return p.db.InTx(ctx, func(tx *database.DB) error {
		other, err := tx.GetMessageByUID(ctx, folderID, uid)
		if err == nil && other.ID != messageID {
			if err := tx.DeleteMessage(ctx, other.ID); err != nil {
				return err
			}
		} else if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return tx.SetMessageUID(ctx, messageID, &uid)
	})
}

func (p *Processor) move(ctx context.Context, t Target, folder *models.Folder, msg *models.Message, op *models.Operation) error {
	targetID, err := op.IDArg()
	if err != nil {
		return err
	}
	target, err := p.db.GetFolderByID(ctx, targetID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("target folder %d: %w", targetID, remote.ErrFolderNotFound)
	}
	if err != nil {
		return err
	}

	if t.Caps.Move {
		if err := t.Folder.Move(ctx, *msg.UID, target.Name); err != nil {
			return err
		}
		return p.db.DeleteMessage(ctx, msg.ID)
	}

	// The server copy is appended as is. Attachments that were never
	// downloaded cannot be rendered again.
	fetched, err := t.Folder.FetchMessage(ctx, *msg.UID)
	if err != nil {
		return err
	}
	msgid := ""
	if msg.MsgID != nil {
		msgid = *msg.MsgID
	} else if parsed, err := p.codec.Parse(fetched.Raw); err == nil {
		msgid = parsed.MessageID
	}

	if _, err := t.Session.AppendUnique(ctx, target.Name, msgid, fetched.Raw, msg.UISeen, fetched.InternalDate); err != nil {
		return err
	}
	if folder.Type == models.FolderArchive {
		return nil
	}
	if err := t.Folder.Delete(ctx, *msg.UID); err != nil {
		return err
	}
	return p.db.DeleteMessage(ctx, msg.ID)
}

func (p *Processor) delete(ctx context.Context, t Target, msg *models.Message) error {
	if err := t.Folder.Delete(ctx, *msg.UID); err != nil && !errors.Is(err, remote.ErrMessageRemoved) {
		return err
	}
	return p.db.DeleteMessage(ctx, msg.ID)
}

func (p *Processor) send(ctx context.Context, t Target, msg *models.Message) error {
	if msg.IdentityID == nil {
		return fmt.Errorf("message %d: %w", msg.ID, ErrIdentityGone)
	}
	ident, err := p.db.GetIdentityByID(ctx, *msg.IdentityID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("identity %d: %w", *msg.IdentityID, ErrIdentityGone)
	}
	if err != nil {
		return err
	}
	logger := p.logger.With("identity_id", ident.ID, "message_id", msg.ID)

	if !ident.Synchronize {
		logger.Info("identity disabled, send dropped")
		return nil
	}

	if ident.ReplyTo != nil && *ident.ReplyTo != "" {
		msg.ReplyTo = models.AddressList{{Address: *ident.ReplyTo}}
	}
	var parent *models.Message
	if msg.ReplyingID != nil {
		if parent, err = p.db.GetMessageByID(ctx, *msg.ReplyingID); errors.Is(err, database.ErrNotFound) {
			parent = nil
		} else if err != nil {
			return err
		}
	}

	raw, err := p.render(ctx, msg, parent)
	if err != nil {
		return err
	}

	if err := p.transmit(ctx, ident, msg, raw); err != nil {
		if errors.Is(err, remote.ErrAuthFailed) {
			p.setIdentityError(ctx, ident.ID, err)
		}
		return err
	}
	if err := p.db.SetIdentityError(ctx, ident.ID, nil); err != nil {
		logger.Warn("failed to clear identity error", "error", err)
	}

	var sentFolder *models.Folder
	err = p.db.InTx(ctx, func(tx *database.DB) error {
		if err := tx.MarkMessageSent(ctx, msg.ID, p.now()); err != nil {
			return err
		}
		if !ident.StoreSent {
			return nil
		}

		sent, err := tx.GetFolderByType(ctx, msg.AccountID, models.FolderSent)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.MoveMessage(ctx, msg.ID, sent.ID); err != nil {
			return err
		}
		add, err := models.NewOperation(sent.ID, msg.ID, models.OpAdd)
		if err != nil {
			return err
		}
		if err := tx.CreateOperation(ctx, add); err != nil {
			return err
		}
		sentFolder = sent
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("message sent", "recipients", len(msg.Recipients()))
	if sentFolder != nil && t.Notify != nil {
		t.Notify(sentFolder.ID)
	}
	return nil
}

func (p *Processor) transmit(ctx context.Context, ident *models.Identity, msg *models.Message, raw []byte) error {
	secret, err := p.credentials.IdentitySecret(ctx, ident)
	if err != nil {
		return err
	}

	tr, err := p.transports.DialTransport(ctx, remote.TransportConfig{
		Host:     ident.Host,
		Port:     ident.Port,
		Implicit: ident.Encryption == "ssl",
		User:     ident.User,
		Secret:   secret,
		OAuth:    ident.AuthMode == models.AuthOAuth2,
		Timeout:  p.smtpTimeout,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	return tr.Send(ctx, ident.Email, msg.Recipients(), raw)
}

func (p *Processor) setIdentityError(ctx context.Context, id int64, err error) {
	if rerr := p.db.SetIdentityError(context.WithoutCancel(ctx), id, errorText(err)); rerr != nil {
		p.logger.Warn("failed to record identity error", "identity_id", id, "error", rerr)
	}
}

// render assigns a Message-ID when missing and builds the raw message
func (p *Processor) render(ctx context.Context, msg *models.Message, parent *models.Message) ([]byte, error) {
	if msg.MsgID == nil || *msg.MsgID == "" {
		from := ""
		if len(msg.From) > 0 {
			from = msg.From[0].Address
		}
		id := codec.NewMessageID(from)
		if err := p.db.SetMessageMsgID(ctx, msg.ID, id); err != nil {
			return nil, err
		}
		msg.MsgID = &id
	}

	body, err := p.blobs.ReadMessage(msg.ID)
	if err != nil {
		return nil, err
	}
	atts, err := p.db.GetAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}

	open := func(att *models.Attachment) (io.ReadCloser, error) {
		return p.blobs.OpenAttachment(att.ID)
	}
	raw, err := p.codec.Render(msg, parent, body, atts, open)
	if err != nil {
		return nil, fmt.Errorf("failed to render message %d: %w", msg.ID, err)
	}
	return raw, nil
}
