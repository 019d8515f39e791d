package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mixelka/mailsync/internal/remote"
)

// Dialer opens IMAP sessions
type Dialer struct {
	logger *slog.Logger
}

// NewDialer creates a new IMAP dialer
func NewDialer(logger *slog.Logger) *Dialer {
	return &Dialer{logger: logger.With("component", "imap")}
}

// Dial connects the control connection of a session
func (d *Dialer) Dial(ctx context.Context, cfg remote.SessionConfig) (remote.Session, error) {
	if cfg.Host == "" {
		host, port, err := ResolveIMAPServer(cfg.User)
		if err != nil {
			return nil, err
		}
		cfg.Host, cfg.Port = host, port
	}

	logger := d.logger.With("server", cfg.Addr(), "user", cfg.User)
	c, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		config: cfg,
		client: c,
		logger: logger,
	}
	s.caps.Idle, _ = c.Support("IDLE")
	s.caps.Move, _ = c.Support("MOVE")

	logger.Info("connected to IMAP server", "idle", s.caps.Idle, "move", s.caps.Move)
	return s, nil
}

// Session is an authenticated IMAP account session. The control connection
// lists folders and appends, each opened folder gets its own connection.
type Session struct {
	config remote.SessionConfig
	client *client.Client
	logger *slog.Logger
	caps   remote.Capabilities

	mu     sync.Mutex
	closed bool
}

// Capabilities returns the capabilities seen at login
func (s *Session) Capabilities() remote.Capabilities {
	return s.caps
}

// ListFolders lists every mailbox
func (s *Session) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, remote.ErrSessionClosed
	}

	mailboxes := make(chan *imap.MailboxInfo, 50)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []remote.FolderInfo
	for mbox := range mailboxes {
		folders = append(folders, remote.FolderInfo{
			Name:       mbox.Name,
			Attributes: mbox.Attributes,
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// OpenFolder selects a mailbox read-write on a dedicated connection
func (s *Session) OpenFolder(ctx context.Context, name string) (remote.Folder, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, remote.ErrSessionClosed
	}

	c, err := connect(ctx, s.config, s.logger)
	if err != nil {
		return nil, err
	}

	f := newFolder(name, c, s.config.IdleTimeout, s.logger)
	updates := make(chan client.Update, 64)
	c.Updates = updates
	go f.consume(updates)

	if _, err := c.Select(name, false); err != nil {
		logout(c)
		return nil, mailboxError("select", name, err)
	}

	uids, err := f.resync()
	if err != nil {
		logout(c)
		return nil, err
	}
	f.seq.reset(uids)
	// The search result already reflects responses received while selecting
	f.takePending()

	s.logger.Debug("folder opened", "folder", name, "messages", len(uids))
	return f, nil
}

// AppendUnique appends and then keeps only the newest copy carrying msgid
func (s *Session) AppendUnique(ctx context.Context, mailbox, msgid string, raw []byte, seen bool, date time.Time) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, remote.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var flags []string
	if seen {
		flags = []string{imap.SeenFlag}
	}
	if err := s.client.Append(mailbox, flags, date, literal(raw)); err != nil {
		return 0, mailboxError("append to", mailbox, err)
	}

	if msgid == "" {
		return 0, nil
	}

	if _, err := s.client.Select(mailbox, false); err != nil {
		return 0, mailboxError("select", mailbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-ID", msgid)
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search message id: %w", err)
	}
	if len(uids) == 0 {
		s.logger.Warn("appended message not found", "folder", mailbox, "msgid", msgid)
		return 0, nil
	}

	keep, stale := newestUID(uids)
	if len(stale) > 0 {
		s.logger.Info("removing superseded copies", "folder", mailbox, "uids", stale)
		if err := deleteUIDs(s.client, stale); err != nil {
			return 0, err
		}
	}
	return keep, nil
}

// newestUID splits uids into the highest one and the rest
func newestUID(uids []uint32) (uint32, []uint32) {
	var keep uint32
	for _, uid := range uids {
		if uid > keep {
			keep = uid
		}
	}
	stale := make([]uint32, 0, len(uids)-1)
	for _, uid := range uids {
		if uid != keep {
			stale = append(stale, uid)
		}
	}
	return keep, stale
}

// Close logs out of the control connection
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	logout(s.client)
	s.logger.Info("disconnected from IMAP server")
	return nil
}
