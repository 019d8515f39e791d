package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/pkg/models"
)

// openFolder pairs a stored folder with its remote handle
type openFolder struct {
	folder *models.Folder
	remote remote.Folder
}

// connection is the state of one connected cycle
type connection struct {
	account *models.Account
	session remote.Session
	caps    remote.Capabilities
	worker  *Worker
	errs    chan error

	// Only touched from worker tasks
	folders map[int64]*openFolder
}

func (c *connection) target(of *openFolder, notify func(int64)) Target {
	return Target{
		Session: c.session,
		Folder:  of.remote,
		Caps:    c.caps,
		Notify:  notify,
	}
}

// Supervisor keeps one account connected, reconnecting with backoff
type Supervisor struct {
	accountID int64
	deps      Deps
	opts      Options
	folders   *FolderReconciler
	messages  *Reconciler
	ops       *Processor
	backoff   *Backoff
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	conn *connection
}

// NewSupervisor creates a supervisor for one account
func NewSupervisor(accountID int64, deps Deps, opts Options, folders *FolderReconciler, messages *Reconciler, ops *Processor) *Supervisor {
	return &Supervisor{
		accountID: accountID,
		deps:      deps,
		opts:      opts,
		folders:   folders,
		messages:  messages,
		ops:       ops,
		backoff:   NewBackoff(opts.BackoffStart, opts.BackoffMax),
		logger:    deps.Logger.With("account_id", accountID),
		sleep:     sleep,
	}
}

// Run connects and serves until ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("supervisor started")
	defer s.logger.Info("supervisor stopped")

	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		s.handleError(ctx, err)

		delay := s.backoff.Next()
		s.logger.Info("reconnecting", "in", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// Trigger processes the operations of a folder on the account worker. It
// reports false when the account is not connected; the queue is drained on
// the next connect.
func (s *Supervisor) Trigger(folderID int64) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	return conn.worker.Post("operations", func(ctx context.Context) error {
		return s.operations(ctx, conn, folderID)
	})
}

// notify wakes another folder of the same connection; called from worker tasks
func (s *Supervisor) notify(conn *connection) func(int64) {
	return func(folderID int64) {
		conn.worker.Post("operations", func(ctx context.Context) error {
			return s.operations(ctx, conn, folderID)
		})
	}
}

// operations runs the queue of one folder. Folders without a listener are
// opened for the batch only.
func (s *Supervisor) operations(ctx context.Context, conn *connection, folderID int64) error {
	if of, ok := conn.folders[folderID]; ok {
		return s.ops.Process(ctx, conn.target(of, s.notify(conn)), of.folder)
	}

	folder, err := s.deps.DB.GetFolderByID(ctx, folderID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if folder.AccountID != conn.account.ID || folder.IsOutbox() {
		return nil
	}
	return s.processClosed(ctx, conn, folder)
}

// processClosed opens folder, drains its queue and closes it again
func (s *Supervisor) processClosed(ctx context.Context, conn *connection, folder *models.Folder) error {
	n, err := s.deps.DB.CountOperations(ctx, folder.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	logger := s.logger.With("folder", folder.Name)
	rf, err := conn.session.OpenFolder(ctx, folder.Name)
	if errors.Is(err, remote.ErrFolderNotFound) {
		logger.Warn("folder missing on server, operations stay queued", "queued", n, "error", err)
		return s.deps.DB.SetFolderError(ctx, folder.ID, errorText(err))
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := rf.Close(); err != nil {
			logger.Debug("failed to close folder", "error", err)
		}
	}()

	logger.Debug("processing operations of unsynchronized folder", "queued", n)
	of := &openFolder{folder: folder, remote: rf}
	return s.ops.Process(ctx, conn.target(of, s.notify(conn)), folder)
}

func (s *Supervisor) setConn(conn *connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Supervisor) connectAndServe(ctx context.Context) error {
	db := s.deps.DB

	account, err := db.GetAccountByID(ctx, s.accountID)
	if err != nil {
		return err
	}
	if err := db.ResetFolderStates(ctx, account.ID); err != nil {
		return err
	}
	if err := db.SetAccountState(ctx, account.ID, models.StateConnecting); err != nil {
		return err
	}

	session, err := s.dial(ctx, account)
	if err != nil {
		s.deps.Metrics.ConnectAttempts.WithLabelValues("error").Inc()
		s.markDisconnected(ctx)
		return err
	}
	s.deps.Metrics.ConnectAttempts.WithLabelValues("ok").Inc()

	s.backoff.Reset()
	if err := db.SetAccountState(ctx, account.ID, models.StateConnected); err != nil {
		_ = session.Close()
		s.markDisconnected(ctx)
		return err
	}
	if err := db.SetAccountError(ctx, account.ID, nil); err != nil {
		s.logger.Warn("failed to clear account error", "error", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	errs := make(chan error, 1)
	conn := &connection{
		account: account,
		session: session,
		caps:    session.Capabilities(),
		worker:  NewWorker(errs, s.logger),
		errs:    errs,
		folders: make(map[int64]*openFolder),
	}
	s.logger.Info("connected", "idle", conn.caps.Idle, "move", conn.caps.Move)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.worker.Run(connCtx)
	}()
	s.setConn(conn)

	defer func() {
		s.setConn(nil)
		cleanup := context.WithoutCancel(ctx)
		if err := db.SetAccountState(cleanup, account.ID, models.StateClosing); err != nil {
			s.logger.Warn("failed to set account state", "error", err)
		}

		cancel()
		wg.Wait()

		// Listeners and the worker are gone, folders can be read safely
		for _, of := range conn.folders {
			if err := of.remote.Close(); err != nil {
				s.logger.Debug("failed to close folder", "folder", of.folder.Name, "error", err)
			}
		}
		if err := session.Close(); err != nil {
			s.logger.Debug("failed to close session", "error", err)
		}
		s.markDisconnected(cleanup)
	}()

	var opened []*openFolder
	err = conn.worker.Submit(connCtx, "open folders", func(ctx context.Context) error {
		var err error
		opened, err = s.openFolders(ctx, conn)
		return err
	})
	if err != nil {
		return err
	}

	for _, of := range opened {
		l := &listener{sup: s, conn: conn, of: of}
		if conn.caps.Idle {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.push(connCtx)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.poll(connCtx)
		}()
	}

	ticker := time.NewTicker(s.opts.StoreCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case <-ticker.C:
			for _, of := range opened {
				if !of.remote.IsOpen() {
					return fmt.Errorf("%s: %w", of.folder.Name, remote.ErrFolderClosed)
				}
			}
		}
	}
}

func (s *Supervisor) dial(ctx context.Context, account *models.Account) (remote.Session, error) {
	secret, err := s.deps.Credentials.AccountSecret(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.deps.Dialer.Dial(ctx, remote.SessionConfig{
		Host:        account.Host,
		Port:        account.Port,
		User:        account.User,
		Secret:      secret,
		OAuth:       account.AuthMode == models.AuthOAuth2,
		DialTimeout: s.opts.DialTimeout,
		Timeout:     s.opts.CommandTimeout,
		IdleTimeout: s.opts.IdleTimeout,
	})
}

// openFolders reconciles the folder list, then opens, synchronizes and drains
// the queue of every folder marked for synchronization. Queues left on the
// other folders are drained too.
func (s *Supervisor) openFolders(ctx context.Context, conn *connection) ([]*openFolder, error) {
	db := s.deps.DB

	if err := s.folders.Synchronize(ctx, conn.account, conn.session); err != nil {
		return nil, err
	}
	folders, err := db.GetSynchronizingFolders(ctx, conn.account.ID)
	if err != nil {
		return nil, err
	}

	var opened []*openFolder
	for _, folder := range folders {
		logger := s.logger.With("folder", folder.Name)

		rf, err := conn.session.OpenFolder(ctx, folder.Name)
		if errors.Is(err, remote.ErrFolderNotFound) {
			logger.Warn("folder missing on server", "error", err)
			if err := db.SetFolderError(ctx, folder.ID, errorText(err)); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		of := &openFolder{folder: folder, remote: rf}
		conn.folders[folder.ID] = of
		opened = append(opened, of)

		if err := db.SetFolderState(ctx, folder.ID, models.StateConnected); err != nil {
			return nil, err
		}
		if err := db.SetFolderError(ctx, folder.ID, nil); err != nil {
			return nil, err
		}

		if _, err := s.messages.Synchronize(ctx, folder, rf); err != nil {
			return nil, err
		}
		if err := s.ops.Process(ctx, conn.target(of, s.notify(conn)), folder); err != nil {
			return nil, err
		}
	}

	// Queues of the folders without a listener, e.g. an adopted Sent folder
	all, err := db.GetFolders(ctx, conn.account.ID)
	if err != nil {
		return nil, err
	}
	for _, folder := range all {
		if _, ok := conn.folders[folder.ID]; ok || folder.IsOutbox() {
			continue
		}
		if err := s.processClosed(ctx, conn, folder); err != nil {
			return nil, err
		}
	}
	return opened, nil
}

// handleError records why the connection ended
func (s *Supervisor) handleError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	class := Classify(err)
	s.logger.Warn("connection ended", "class", class, "error", err)

	var msg string
	switch class {
	case Connectivity, Timeout:
		return
	case Auth:
		s.deps.Credentials.InvalidateAccount(s.accountID)
		msg = err.Error()
		if !strings.HasPrefix(msg, remote.ErrAuthFailed.Error()) {
			msg = remote.ErrAuthFailed.Error() + ": " + msg
		}
	default:
		msg = err.Error()
	}
	if err := s.deps.DB.SetAccountError(ctx, s.accountID, &msg); err != nil && !errors.Is(err, database.ErrNotFound) {
		s.logger.Warn("failed to record account error", "error", err)
	}
}

func (s *Supervisor) markDisconnected(ctx context.Context) {
	if err := s.deps.DB.SetAccountState(ctx, s.accountID, models.StateDisconnected); err != nil {
		s.logger.Warn("failed to set account state", "error", err)
	}
	if err := s.deps.DB.ResetFolderStates(ctx, s.accountID); err != nil {
		s.logger.Warn("failed to reset folder states", "error", err)
	}
}
