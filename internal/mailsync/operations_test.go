package mailsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/pkg/models"
)

func TestProcessTimeoutKeepsQueueOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.processor()

	rf := newFakeFolder("INBOX")
	u1 := rf.add("1@example.com", "one", false, time.Now())
	u2 := rf.add("2@example.com", "two", false, time.Now())
	m1 := env.message(t, env.inbox, uidPtr(u1), "1@example.com")
	m2 := env.message(t, env.inbox, uidPtr(u2), "2@example.com")
	env.queue(t, env.inbox, m1, models.OpSeen, true)
	env.queue(t, env.inbox, m2, models.OpSeen, true)

	rf.setSeenErrs = []error{context.DeadlineExceeded}
	target := Target{Folder: rf}

	require.NoError(t, p.Process(ctx, target, env.inbox))
	n, err := env.db.CountOperations(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := env.db.GetMessageByID(ctx, m1.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Error)

	require.NoError(t, p.Process(ctx, target, env.inbox))
	n, err = env.db.CountOperations(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"seen 1 true", "seen 1 true", "seen 2 true"}, rf.calls)
	got, err = env.db.GetMessageByID(ctx, m2.ID)
	require.NoError(t, err)
	assert.True(t, got.Seen)
	assert.True(t, got.UISeen)
}

func TestProcessUnrecoverableDropsOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rf := newFakeFolder("INBOX")
	u1 := rf.add("1@example.com", "one", false, time.Now())
	m1 := env.message(t, env.inbox, uidPtr(u1), "1@example.com")
	env.queue(t, env.inbox, m1, models.OpMove, 9999)
	env.queue(t, env.inbox, m1, models.OpSeen, true)

	require.NoError(t, env.processor().Process(ctx, Target{Folder: rf}, env.inbox))

	n, err := env.db.CountOperations(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := env.db.GetMessageByID(ctx, m1.ID)
	require.NoError(t, err)
	assert.True(t, got.Seen)
	// The seen operation cleared the error left by the failed move
	assert.Nil(t, got.Error)
}

func TestProcessMissingUIDIsFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m := env.message(t, env.inbox, nil, "")
	env.queue(t, env.inbox, m, models.OpDelete)

	err := env.processor().Process(ctx, Target{Folder: newFakeFolder("INBOX")}, env.inbox)
	require.ErrorIs(t, err, ErrNoUID)

	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	n, err := env.db.CountOperations(ctx, env.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessMoveWithoutMoveCapability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := env.folder(t, "Projects", models.FolderUser, true)

	session := newFakeSession(remote.Capabilities{})
	src := session.folder("INBOX")
	uid := src.add("mv@example.com", "move me", true, time.Now())
	m := env.message(t, env.inbox, uidPtr(uid), "mv@example.com")
	env.queue(t, env.inbox, m, models.OpMove, other.ID)

	require.NoError(t, env.processor().Process(ctx, Target{Session: session, Folder: src}, env.inbox))

	assert.Empty(t, src.uids())
	dst := session.folder("Projects")
	require.Len(t, dst.uids(), 1)

	_, err := env.db.GetMessageByID(ctx, m.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcessMoveFromArchiveKeepsOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	archive := env.folder(t, "All Mail", models.FolderArchive, true)
	trash := env.folder(t, "Trash", models.FolderTrash, false)

	session := newFakeSession(remote.Capabilities{})
	src := session.folder("All Mail")
	uid := src.add("arch@example.com", "archived", true, time.Now())
	m := env.message(t, archive, uidPtr(uid), "")
	env.queue(t, archive, m, models.OpMove, trash.ID)

	require.NoError(t, env.processor().Process(ctx, Target{Session: session, Folder: src}, archive))

	assert.Len(t, src.uids(), 1)
	assert.Len(t, session.folder("Trash").uids(), 1)
	_, err := env.db.GetMessageByID(ctx, m.ID)
	assert.NoError(t, err)
}

func TestProcessMoveNative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := env.folder(t, "Projects", models.FolderUser, true)

	session := newFakeSession(remote.Capabilities{Move: true})
	src := session.folder("INBOX")
	uid := src.add("mv@example.com", "move me", false, time.Now())
	m := env.message(t, env.inbox, uidPtr(uid), "mv@example.com")
	env.queue(t, env.inbox, m, models.OpMove, other.ID)

	require.NoError(t, env.processor().Process(ctx, Target{Session: session, Folder: src, Caps: session.caps}, env.inbox))
	assert.Equal(t, []string{"move 1 Projects"}, src.calls)
	assert.Len(t, session.folder("Projects").uids(), 1)
}

func TestProcessAddSupersedesEarlierCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	drafts := env.folder(t, "Drafts", models.FolderDrafts, true)

	session := newFakeSession(remote.Capabilities{})
	rf := session.folder("Drafts")
	// Left behind by an attempt that appended but never stored the UID
	rf.add("draft@example.com", "draft", false, time.Now())

	m := env.message(t, drafts, nil, "draft@example.com")
	require.NoError(t, env.blobs.WriteMessage(m.ID, "<p>draft</p>"))
	env.queue(t, drafts, m, models.OpAdd)

	require.NoError(t, env.processor().Process(ctx, Target{Session: session, Folder: rf}, drafts))

	uids := rf.uids()
	require.Len(t, uids, 1)
	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UID)
	assert.Equal(t, uids[0], *got.UID)
}

func TestProcessAddRetryAfterDroppedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	drafts := env.folder(t, "Drafts", models.FolderDrafts, true)

	session := newFakeSession(remote.Capabilities{})
	rf := session.folder("Drafts")
	session.appendErr = remote.ErrSessionClosed

	m := env.message(t, drafts, nil, "retry@example.com")
	env.queue(t, drafts, m, models.OpAdd)
	p := env.processor()
	target := Target{Session: session, Folder: rf}

	err := p.Process(ctx, target, drafts)
	require.Error(t, err)
	assert.Equal(t, Connectivity, Classify(err))
	n, err := env.db.CountOperations(ctx, drafts.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, rf.uids(), 1)

	// The retry appends again and removes the copy left by the first attempt
	require.NoError(t, p.Process(ctx, target, drafts))
	uids := rf.uids()
	require.Len(t, uids, 1)
	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UID)
	assert.Equal(t, uids[0], *got.UID)
}

func TestProcessAddUnresolvedCopyIsBoundOnNextPass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	drafts := env.folder(t, "Drafts", models.FolderDrafts, true)

	session := newFakeSession(remote.Capabilities{})
	session.appendLost = true
	rf := session.folder("Drafts")
	old := rf.add("edited@example.com", "draft", false, time.Now())

	m := env.message(t, drafts, uidPtr(old), "edited@example.com")
	env.queue(t, drafts, m, models.OpAdd)
	require.NoError(t, env.processor().Process(ctx, Target{Session: session, Folder: rf}, drafts))

	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UID)
	uids := rf.uids()
	require.Len(t, uids, 1)
	assert.NotEqual(t, old, uids[0])

	stats, err := NewReconciler(env.deps).Synchronize(ctx, drafts, rf)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Zero(t, stats.Inserted)

	copies, err := env.db.GetMessagesByMsgID(ctx, env.account.ID, "edited@example.com")
	require.NoError(t, err)
	require.Len(t, copies, 1)
	require.NotNil(t, copies[0].UID)
	assert.Equal(t, uids[0], *copies[0].UID)
}

func TestProcessAddAssignsMessageID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	drafts := env.folder(t, "Drafts", models.FolderDrafts, true)
	session := newFakeSession(remote.Capabilities{})
	rf := session.folder("Drafts")

	m := env.message(t, drafts, nil, "")
	env.queue(t, drafts, m, models.OpAdd)
	require.NoError(t, env.processor().Process(ctx, Target{Session: session, Folder: rf}, drafts))

	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MsgID)
	assert.Contains(t, *got.MsgID, "@example.com")
}

func newIdentity(t *testing.T, env *testEnv, storeSent bool) *models.Identity {
	t.Helper()
	ident := &models.Identity{
		AccountID:   env.account.ID,
		Name:        "Me",
		Email:       "me@example.com",
		Host:        "smtp.example.com",
		Port:        465,
		Encryption:  "ssl",
		User:        "me@example.com",
		Password:    "x",
		StoreSent:   storeSent,
		Synchronize: true,
	}
	require.NoError(t, env.db.CreateIdentity(context.Background(), ident))
	return ident
}

func TestProcessSendStoresSentCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sent := env.folder(t, "Sent", models.FolderSent, true)
	outbox, err := env.db.EnsureOutbox(ctx, env.account.ID)
	require.NoError(t, err)
	ident := newIdentity(t, env, true)

	m := env.message(t, outbox, nil, "")
	m.IdentityID = &ident.ID
	require.NoError(t, env.db.DeleteMessage(ctx, m.ID))
	require.NoError(t, env.db.CreateMessage(ctx, m))
	env.queue(t, outbox, m, models.OpSend)

	var woken []int64
	target := Target{Notify: func(id int64) { woken = append(woken, id) }}
	require.NoError(t, env.processor().Process(ctx, target, outbox))

	require.Len(t, env.transports.sent, 1)
	assert.Equal(t, "me@example.com", env.transports.sent[0].from)
	assert.Equal(t, []string{"bob@example.com"}, env.transports.sent[0].to)
	assert.True(t, env.transports.configs[0].Implicit)

	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.FolderID)
	assert.Nil(t, got.UID)
	assert.NotNil(t, got.Sent)
	assert.True(t, got.UISeen)
	require.NotNil(t, got.MsgID)

	ops, err := env.db.GetOperations(ctx, sent.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpAdd, ops[0].Kind)
	assert.Equal(t, []int64{sent.ID}, woken)
}

func TestProcessSendPermanentRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	outbox, err := env.db.EnsureOutbox(ctx, env.account.ID)
	require.NoError(t, err)
	ident := newIdentity(t, env, false)

	m := &models.Message{
		AccountID:  env.account.ID,
		FolderID:   outbox.ID,
		From:       models.AddressList{{Address: "me@example.com"}},
		To:         models.AddressList{{Address: "nobody@example.com"}},
		Received:   time.Now(),
		IdentityID: &ident.ID,
	}
	require.NoError(t, env.db.CreateMessage(ctx, m))
	env.queue(t, outbox, m, models.OpSend)

	env.transports.sendErr = &remote.SendError{Code: 550, Err: errors.New("mailbox unavailable")}
	require.NoError(t, env.processor().Process(ctx, Target{}, outbox))

	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "550")
	assert.Nil(t, got.Sent)

	n, err := env.db.CountOperations(ctx, outbox.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessSendDisabledIdentityConsumesOperation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	outbox, err := env.db.EnsureOutbox(ctx, env.account.ID)
	require.NoError(t, err)
	ident := newIdentity(t, env, false)
	ident.Synchronize = false
	ident.Email = "other@example.com"
	require.NoError(t, env.db.CreateIdentity(ctx, ident))

	m := &models.Message{AccountID: env.account.ID, FolderID: outbox.ID, Received: time.Now(), IdentityID: &ident.ID}
	require.NoError(t, env.db.CreateMessage(ctx, m))
	env.queue(t, outbox, m, models.OpSend)

	require.NoError(t, env.processor().Process(ctx, Target{}, outbox))
	assert.Empty(t, env.transports.sent)
	n, err := env.db.CountOperations(ctx, outbox.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessOutboxRejectsOtherKinds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	outbox, err := env.db.EnsureOutbox(ctx, env.account.ID)
	require.NoError(t, err)

	m := env.message(t, outbox, nil, "")
	env.queue(t, outbox, m, models.OpSeen, true)

	require.NoError(t, env.processor().Process(ctx, Target{}, outbox))
	got, err := env.db.GetMessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
}
