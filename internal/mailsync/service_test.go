package mailsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/pkg/models"
)

func newOfflineService(env *testEnv) *Service {
	env.dialer.errs = []error{&remoteUnreachable{}}
	return NewService(env.deps, DefaultOptions())
}

type remoteUnreachable struct{}

func (*remoteUnreachable) Error() string { return "dial tcp: connect: network is unreachable" }

func waitDials(t *testing.T, env *testEnv, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return env.dialer.count() >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServiceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newOfflineService(env)

	assert.False(t, s.IsRunning())
	require.NoError(t, s.OnNetworkAvailable(ctx))
	assert.True(t, s.IsRunning())
	waitDials(t, env, 1)

	// A second start is a no-op
	require.NoError(t, s.Start(ctx))
	assert.Len(t, s.runners, 1)

	_, err := env.db.GetFolderByType(ctx, env.account.ID, models.FolderOutbox)
	require.NoError(t, err)

	s.OnNetworkLost(true)
	assert.True(t, s.IsRunning())

	s.OnNetworkLost(false)
	assert.False(t, s.IsRunning())

	acc, err := env.db.GetAccountByID(ctx, env.account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDisconnected, acc.State)

	// Restart after a stop
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestServiceSkipsDisabledAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	off := &models.Account{Name: "off", User: "off@example.com", Password: "x", Port: 993, PollInterval: 60}
	require.NoError(t, env.db.CreateAccount(ctx, off))

	s := newOfflineService(env)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.Len(t, s.runners, 1)
	assert.Contains(t, s.runners, env.account.ID)
}

func TestServiceProcessesOutbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newOfflineService(env)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	outbox, err := env.db.GetFolderByType(ctx, env.account.ID, models.FolderOutbox)
	require.NoError(t, err)
	// No identity: the send is dropped as unrecoverable
	msg := env.message(t, outbox, nil, "")
	env.queue(t, outbox, msg, models.OpSend)

	require.NoError(t, s.ProcessOperations(ctx, outbox.ID))
	require.Eventually(t, func() bool {
		n, err := env.db.CountOperations(ctx, outbox.ID)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	got, err := env.db.GetMessageByID(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
}

func TestServiceProcessOperationsOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newOfflineService(env)

	msg := env.message(t, env.inbox, uidPtr(1), "a@example.com")
	env.queue(t, env.inbox, msg, models.OpSeen, true)

	// Not running: the operation stays queued
	require.NoError(t, s.ProcessOperations(ctx, env.inbox.ID))
	n, err := env.db.CountOperations(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.ProcessOperations(ctx, 9999)
	assert.Error(t, err)
}

func TestServiceReload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := newOfflineService(env)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	waitDials(t, env, 1)

	first := s.runners[env.account.ID]
	require.NoError(t, s.Reload(ctx, env.account.ID))
	waitDials(t, env, 2)

	s.mu.Lock()
	second := s.runners[env.account.ID]
	s.mu.Unlock()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)

	// Deleted accounts are not restarted
	require.NoError(t, env.db.DeleteAccount(ctx, env.account.ID))
	require.NoError(t, s.Reload(ctx, env.account.ID))
	s.mu.Lock()
	assert.NotContains(t, s.runners, env.account.ID)
	s.mu.Unlock()
}

func TestServiceReloadWhenStopped(t *testing.T) {
	env := newTestEnv(t)
	s := newOfflineService(env)
	require.NoError(t, s.Reload(context.Background(), env.account.ID))
	assert.Empty(t, s.runners)
	assert.Zero(t, env.dialer.count())
}

func TestServiceStoresSentCopyInAdoptedFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session := newFakeSession(remote.Capabilities{Idle: true})
	session.list = []remote.FolderInfo{{Name: "INBOX"}, {Name: "Sent", Attributes: []string{`\Sent`}}}
	session.folder("INBOX")
	sentRemote := session.folder("Sent")
	env.dialer.session = session

	s := NewService(env.deps, DefaultOptions())
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	waitConnected(t, env)

	var sent *models.Folder
	require.Eventually(t, func() bool {
		var err error
		sent, err = env.db.GetFolderByType(ctx, env.account.ID, models.FolderSent)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, sent.Synchronize)
	outbox, err := env.db.GetFolderByType(ctx, env.account.ID, models.FolderOutbox)
	require.NoError(t, err)

	ident := newIdentity(t, env, true)
	msg := &models.Message{
		AccountID:  env.account.ID,
		FolderID:   outbox.ID,
		From:       models.AddressList{{Address: "me@example.com"}},
		To:         models.AddressList{{Address: "bob@example.com"}},
		Subject:    "stored",
		Received:   time.Now(),
		IdentityID: &ident.ID,
	}
	require.NoError(t, env.db.CreateMessage(ctx, msg))
	env.queue(t, outbox, msg, models.OpSend)
	require.NoError(t, s.ProcessOperations(ctx, outbox.ID))

	require.Eventually(t, func() bool {
		got, err := env.db.GetMessageByID(ctx, msg.ID)
		return err == nil && got.FolderID == sent.ID && got.UID != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, env.transports.sentMails(), 1)
	assert.Len(t, sentRemote.uids(), 1)
	n, err := env.db.CountOperations(ctx, sent.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
