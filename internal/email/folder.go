package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mixelka/mailsync/internal/remote"
)

// Folder is a mailbox selected on its own connection, so IDLE can run on it
// without blocking other folders of the account
type Folder struct {
	name        string
	client      *client.Client
	logger      *slog.Logger
	idleTimeout time.Duration

	// mu is held by the running command or by IDLE
	mu      sync.Mutex
	waiting atomic.Int32
	preempt chan struct{}
	seq     seqMap

	evMu    sync.Mutex
	pending []client.Update
	notify  chan struct{}
}

func newFolder(name string, c *client.Client, idleTimeout time.Duration, logger *slog.Logger) *Folder {
	return &Folder{
		name:        name,
		client:      c,
		logger:      logger.With("folder", name),
		idleTimeout: idleTimeout,
		preempt:     make(chan struct{}, 1),
		notify:      make(chan struct{}, 1),
	}
}

// Name returns the full mailbox name
func (f *Folder) Name() string {
	return f.name
}

// IsOpen reports whether the connection is still logged in
func (f *Folder) IsOpen() bool {
	select {
	case <-f.client.LoggedOut():
		return false
	default:
		return true
	}
}

// consume moves unsolicited responses from the client into the pending queue
func (f *Folder) consume(updates <-chan client.Update) {
	for {
		select {
		case u := <-updates:
			switch u.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
			default:
				continue
			}
			f.evMu.Lock()
			f.pending = append(f.pending, u)
			f.evMu.Unlock()
			select {
			case f.notify <- struct{}{}:
			default:
			}
		case <-f.client.LoggedOut():
			return
		}
	}
}

func (f *Folder) takePending() []client.Update {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *Folder) hasPending() bool {
	f.evMu.Lock()
	defer f.evMu.Unlock()
	return len(f.pending) > 0
}

// exec runs one command, interrupting IDLE if it is active
func (f *Folder) exec(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.waiting.Add(1)
	select {
	case f.preempt <- struct{}{}:
	default:
	}
	f.mu.Lock()
	f.waiting.Add(-1)
	defer f.mu.Unlock()

	if !f.IsOpen() {
		return fmt.Errorf("%s: %w", f.name, remote.ErrFolderClosed)
	}
	return fn()
}

// resync reloads the sequence map from the server
func (f *Folder) resync() ([]uint32, error) {
	uids, err := f.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return uids, nil
}

// SearchSince returns the UIDs received on or after since
func (f *Folder) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	var uids []uint32
	err := f.exec(ctx, func() error {
		criteria := imap.NewSearchCriteria()
		if !since.IsZero() && since.Unix() > 0 {
			criteria.Since = since
		}
		var err error
		uids, err = f.client.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("failed to search: %w", err)
		}
		return nil
	})
	return uids, err
}

// FetchFlags returns UID and flags, vanished messages are left out
func (f *Folder) FetchFlags(ctx context.Context, uids []uint32) ([]remote.MessageInfo, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var infos []remote.MessageInfo
	err := f.exec(ctx, func() error {
		var err error
		infos, err = f.fetchFlags(uids)
		return err
	})
	return infos, err
}

func (f *Folder) fetchFlags(uids []uint32) ([]remote.MessageInfo, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags}
	messages := make(chan *imap.Message, 100)
	done := make(chan error, 1)

	go func() {
		done <- f.client.UidFetch(seqSet, items, messages)
	}()

	var infos []remote.MessageInfo
	for msg := range messages {
		if msg.Uid == 0 {
			continue
		}
		infos = append(infos, messageInfo(msg))
	}

	if err := <-done; err != nil {
		return infos, fmt.Errorf("failed to fetch flags: %w", err)
	}
	return infos, nil
}

func messageInfo(msg *imap.Message) remote.MessageInfo {
	info := remote.MessageInfo{UID: msg.Uid}
	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			info.Seen = true
		case imap.DeletedFlag:
			info.Deleted = true
		}
	}
	return info
}

// FetchMessage downloads the full message without setting \Seen
func (f *Folder) FetchMessage(ctx context.Context, uid uint32) (*remote.Message, error) {
	var result *remote.Message
	err := f.exec(ctx, func() error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- f.client.UidFetch(seqSet, items, messages)
		}()

		var readErr error
		for msg := range messages {
			if msg.Uid != uid {
				continue
			}
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, err := io.ReadAll(body)
			if err != nil {
				readErr = fmt.Errorf("failed to read message: %w", err)
				continue
			}
			result = &remote.Message{
				MessageInfo:  messageInfo(msg),
				InternalDate: msg.InternalDate,
				Raw:          raw,
			}
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch message: %w", err)
		}
		if readErr != nil {
			return readErr
		}
		if result == nil {
			return fmt.Errorf("uid %d: %w", uid, remote.ErrMessageRemoved)
		}
		return nil
	})
	return result, err
}

// seenItem is the silent STORE item that adds or removes \Seen
func seenItem(seen bool) imap.StoreItem {
	var op imap.FlagsOp = imap.AddFlags
	if !seen {
		op = imap.RemoveFlags
	}
	return imap.FormatFlagsOp(op, true)
}

// SetSeen adds or removes \Seen
func (f *Folder) SetSeen(ctx context.Context, uid uint32, seen bool) error {
	return f.exec(ctx, func() error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		if err := f.client.UidStore(seqSet, seenItem(seen), []interface{}{imap.SeenFlag}, nil); err != nil {
			return fmt.Errorf("failed to set seen: %w", err)
		}
		return nil
	})
}

// Delete adds \Deleted and expunges
func (f *Folder) Delete(ctx context.Context, uid uint32) error {
	return f.exec(ctx, func() error {
		return deleteUIDs(f.client, []uint32{uid})
	})
}

func deleteUIDs(c *client.Client, uids []uint32) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark as deleted: %w", err)
	}

	if err := c.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// Move uses UID MOVE
func (f *Folder) Move(ctx context.Context, uid uint32, mailbox string) error {
	return f.exec(ctx, func() error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)
		if err := f.client.UidMove(seqSet, mailbox); err != nil {
			return mailboxError("move to", mailbox, err)
		}
		return nil
	})
}

// Noop keeps the connection alive and lets the server flush pending updates
func (f *Folder) Noop(ctx context.Context) error {
	return f.exec(ctx, func() error {
		if err := f.client.Noop(); err != nil {
			return fmt.Errorf("failed to noop: %w", err)
		}
		return nil
	})
}

// PollEvents translates the queued untagged responses into UID events
func (f *Folder) PollEvents(ctx context.Context) ([]remote.Event, error) {
	var events []remote.Event
	err := f.exec(ctx, func() error {
		resync := false
		for _, u := range f.takePending() {
			switch u := u.(type) {
			case *client.ExpungeUpdate:
				uid, ok := f.seq.expunge(u.SeqNum)
				if !ok {
					resync = true
					continue
				}
				events = append(events, remote.Event{Kind: remote.EventRemoved, MessageInfo: remote.MessageInfo{UID: uid}})
			case *client.MailboxUpdate:
				if u.Mailbox != nil && int(u.Mailbox.Messages) != f.seq.len() {
					resync = true
				}
			case *client.MessageUpdate:
				msg := u.Message
				if msg == nil || msg.Flags == nil {
					continue
				}
				if msg.Uid == 0 {
					uid, ok := f.seq.uid(msg.SeqNum)
					if !ok {
						resync = true
						continue
					}
					msg.Uid = uid
				}
				events = append(events, remote.Event{Kind: remote.EventChanged, MessageInfo: messageInfo(msg)})
			}
		}

		if !resync {
			return nil
		}

		uids, err := f.resync()
		if err != nil {
			return err
		}
		added, removed := f.seq.diff(uids)
		f.seq.reset(uids)

		for _, uid := range removed {
			events = append(events, remote.Event{Kind: remote.EventRemoved, MessageInfo: remote.MessageInfo{UID: uid}})
		}
		if len(added) > 0 {
			infos, err := f.fetchFlags(added)
			if err != nil {
				return err
			}
			for _, info := range infos {
				events = append(events, remote.Event{Kind: remote.EventAdded, MessageInfo: info})
			}
		}
		return nil
	})
	return events, err
}

// Close logs out of the folder connection
func (f *Folder) Close() error {
	select {
	case f.preempt <- struct{}{}:
	default:
	}
	logout(f.client)
	return nil
}

// literal adapts a byte slice to imap.Literal
func literal(raw []byte) imap.Literal {
	return bytes.NewBuffer(raw)
}
