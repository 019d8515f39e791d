package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/pkg/models"
)

type runner struct {
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs one supervisor per synchronizing account plus the outbox worker
type Service struct {
	deps     Deps
	opts     Options
	folders  *FolderReconciler
	messages *Reconciler
	ops      *Processor
	outbox   *Worker
	logger   *slog.Logger

	// lifecycle serializes Start, Stop and Reload
	lifecycle sync.Mutex

	mu         sync.Mutex
	running    bool
	runners    map[int64]*runner
	cancel     context.CancelFunc
	outboxDone chan struct{}
	serviceCtx context.Context
}

// NewService wires the engine
func NewService(deps Deps, opts Options) *Service {
	deps.Logger = deps.Logger.With("component", "mailsync")
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	fetcher := NewFetcher(deps, opts.ChunkSize)
	return &Service{
		deps:     deps,
		opts:     opts,
		folders:  NewFolderReconciler(deps.DB, opts.RetentionDays, deps.Logger),
		messages: NewReconciler(deps),
		ops:      NewProcessor(deps, fetcher, opts.SMTPTimeout),
		outbox:   NewWorker(nil, deps.Logger.With("worker", "outbox")),
		logger:   deps.Logger,
		runners:  make(map[int64]*runner),
	}
}

// Start launches a supervisor for every synchronizing account
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.IsRunning() {
		return nil
	}

	accounts, err := s.deps.DB.GetSynchronizingAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get accounts: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		s.outbox.Run(runCtx)
	}()

	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.outboxDone = outboxDone
	s.serviceCtx = runCtx
	s.mu.Unlock()

	s.logger.Info("starting synchronization", "accounts", len(accounts))
	for _, acc := range accounts {
		if err := s.startAccount(ctx, acc); err != nil {
			s.logger.Error("failed to start account", "account_id", acc.ID, "error", err)
		}
	}
	return nil
}

// Stop cancels every supervisor and waits until they have exited
func (s *Service) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	runners := s.runners
	s.runners = make(map[int64]*runner)
	cancel := s.cancel
	outboxDone := s.outboxDone
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping synchronization")
	for _, r := range runners {
		r.cancel()
	}
	cancel()
	for _, r := range runners {
		<-r.done
	}
	<-outboxDone
	s.logger.Info("synchronization stopped")
}

// IsRunning reports whether Start was called without a matching Stop
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnNetworkAvailable starts synchronization when it is not running
func (s *Service) OnNetworkAvailable(ctx context.Context) error {
	if s.IsRunning() {
		return nil
	}
	return s.Start(ctx)
}

// OnNetworkLost stops synchronization unless another network is still up
func (s *Service) OnNetworkLost(hasOther bool) {
	if hasOther {
		return
	}
	s.Stop()
}

// ProcessOperations wakes the queue of a folder. Outbox operations run on the
// outbox worker, the others on the worker of their account connection.
func (s *Service) ProcessOperations(ctx context.Context, folderID int64) error {
	folder, err := s.deps.DB.GetFolderByID(ctx, folderID)
	if err != nil {
		return err
	}

	if folder.IsOutbox() {
		s.postOutbox(folder)
		return nil
	}

	s.mu.Lock()
	r := s.runners[folder.AccountID]
	s.mu.Unlock()
	if r == nil || !r.sup.Trigger(folderID) {
		s.logger.Debug("account offline, operations stay queued", "account_id", folder.AccountID, "folder", folder.Name)
	}
	return nil
}

// Reload restarts the supervisor of one account after its settings changed
func (s *Service) Reload(ctx context.Context, accountID int64) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	r := s.runners[accountID]
	delete(s.runners, accountID)
	running := s.running
	s.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}
	if !running {
		return nil
	}

	acc, err := s.deps.DB.GetAccountByID(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !acc.Synchronize {
		return nil
	}
	return s.startAccount(ctx, acc)
}

func (s *Service) startAccount(ctx context.Context, acc *models.Account) error {
	outbox, err := s.deps.DB.EnsureOutbox(ctx, acc.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	parent := s.serviceCtx
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(parent)
	r := &runner{
		sup:    NewSupervisor(acc.ID, s.deps, s.opts, s.folders, s.messages, s.ops),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.runners[acc.ID] = r
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		r.sup.Run(runCtx)
	}()

	// Sends queued while offline
	s.postOutbox(outbox)
	return nil
}

func (s *Service) postOutbox(folder *models.Folder) {
	s.outbox.Post("outbox", func(ctx context.Context) error {
		notify := func(folderID int64) {
			if err := s.ProcessOperations(ctx, folderID); err != nil {
				s.logger.Warn("failed to wake folder", "folder_id", folderID, "error", err)
			}
		}
		return s.ops.Process(ctx, Target{Notify: notify}, folder)
	})
}
