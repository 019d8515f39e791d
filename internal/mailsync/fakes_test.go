package mailsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailsync/internal/codec"
	"github.com/mixelka/mailsync/internal/database"
	"github.com/mixelka/mailsync/internal/metrics"
	"github.com/mixelka/mailsync/internal/remote"
	"github.com/mixelka/mailsync/internal/storage"
	"github.com/mixelka/mailsync/pkg/models"
)

type fakeMessage struct {
	uid     uint32
	msgid   string
	seen    bool
	deleted bool
	date    time.Time
	raw     []byte
}

type fakeFolder struct {
	mu      sync.Mutex
	name    string
	session *fakeSession
	msgs    map[uint32]*fakeMessage
	nextUID uint32
	events  []remote.Event
	closed  bool

	setSeenErrs []error // consumed one per SetSeen call
	calls       []string
}

func newFakeFolder(name string) *fakeFolder {
	return &fakeFolder{name: name, msgs: make(map[uint32]*fakeMessage), nextUID: 1}
}

// add stores a message and returns its UID
func (f *fakeFolder) add(msgid, subject string, seen bool, date time.Time) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addRaw(msgid, rawMessage(msgid, subject, ""), seen, date)
}

func (f *fakeFolder) addRaw(msgid string, raw []byte, seen bool, date time.Time) uint32 {
	uid := f.nextUID
	f.nextUID++
	f.msgs[uid] = &fakeMessage{uid: uid, msgid: msgid, seen: seen, date: date, raw: raw}
	return uid
}

func (f *fakeFolder) uids() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for uid := range f.msgs {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeFolder) setSeen(uid uint32, seen bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[uid].seen = seen
}

func (f *fakeFolder) Name() string { return f.name }

func (f *fakeFolder) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeFolder) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uint32
	for uid, m := range f.msgs {
		if !m.date.Before(since) {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeFolder) FetchFlags(ctx context.Context, uids []uint32) ([]remote.MessageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.MessageInfo
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			out = append(out, remote.MessageInfo{UID: uid, Seen: m.seen, Deleted: m.deleted})
		}
	}
	return out, nil
}

func (f *fakeFolder) FetchMessage(ctx context.Context, uid uint32) (*remote.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[uid]
	if !ok {
		return nil, remote.ErrMessageRemoved
	}
	return &remote.Message{
		MessageInfo:  remote.MessageInfo{UID: uid, Seen: m.seen},
		InternalDate: m.date,
		Raw:          m.raw,
	}, nil
}

func (f *fakeFolder) SetSeen(ctx context.Context, uid uint32, seen bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("seen %d %t", uid, seen))
	if len(f.setSeenErrs) > 0 {
		err := f.setSeenErrs[0]
		f.setSeenErrs = f.setSeenErrs[1:]
		if err != nil {
			return err
		}
	}
	m, ok := f.msgs[uid]
	if !ok {
		return remote.ErrMessageRemoved
	}
	m.seen = seen
	return nil
}

func (f *fakeFolder) Delete(ctx context.Context, uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("delete %d", uid))
	delete(f.msgs, uid)
	return nil
}

func (f *fakeFolder) Move(ctx context.Context, uid uint32, mailbox string) error {
	f.mu.Lock()
	m, ok := f.msgs[uid]
	delete(f.msgs, uid)
	f.calls = append(f.calls, fmt.Sprintf("move %d %s", uid, mailbox))
	f.mu.Unlock()
	if !ok {
		return remote.ErrMessageRemoved
	}

	target := f.session.folder(mailbox)
	target.mu.Lock()
	defer target.mu.Unlock()
	target.addRaw(m.msgid, m.raw, m.seen, m.date)
	return nil
}

func (f *fakeFolder) Noop(ctx context.Context) error { return nil }

func (f *fakeFolder) Idle(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (f *fakeFolder) PollEvents(ctx context.Context) ([]remote.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.events
	f.events = nil
	return out, nil
}

func (f *fakeFolder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeSession struct {
	mu      sync.Mutex
	caps    remote.Capabilities
	list    []remote.FolderInfo
	folders map[string]*fakeFolder
	closed  bool

	// Returned once by AppendUnique after the append went through
	appendErr error
	// AppendUnique appends but cannot find the new copy again
	appendLost bool
}

func newFakeSession(caps remote.Capabilities) *fakeSession {
	return &fakeSession{caps: caps, folders: make(map[string]*fakeFolder)}
}

func (s *fakeSession) folder(name string) *fakeFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		f = newFakeFolder(name)
		f.session = s
		s.folders[name] = f
	}
	return f
}

func (s *fakeSession) Capabilities() remote.Capabilities { return s.caps }

func (s *fakeSession) ListFolders(ctx context.Context) ([]remote.FolderInfo, error) {
	return s.list, nil
}

func (s *fakeSession) OpenFolder(ctx context.Context, name string) (remote.Folder, error) {
	s.mu.Lock()
	f, ok := s.folders[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("select %s: %w", name, remote.ErrFolderNotFound)
	}
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
	return f, nil
}

func (s *fakeSession) AppendUnique(ctx context.Context, mailbox, msgid string, raw []byte, seen bool, date time.Time) (uint32, error) {
	f := s.folder(mailbox)
	f.mu.Lock()
	defer f.mu.Unlock()

	uid := f.addRaw(msgid, raw, seen, date)
	s.mu.Lock()
	err := s.appendErr
	s.appendErr = nil
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	lost := s.appendLost
	s.mu.Unlock()
	if lost {
		return 0, nil
	}
	if msgid == "" {
		return uid, nil
	}
	for other, m := range f.msgs {
		if other != uid && m.msgid == msgid {
			delete(f.msgs, other)
		}
	}
	return uid, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	session *fakeSession
	errs    []error // returned in order, then session
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, cfg remote.SessionConfig) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		if len(d.errs) > 1 || d.session != nil {
			d.errs = d.errs[1:]
		}
		return nil, err
	}
	return d.session, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type sentMail struct {
	from string
	to   []string
	raw  []byte
}

type fakeTransports struct {
	mu      sync.Mutex
	sendErr error
	sent    []sentMail
	configs []remote.TransportConfig
}

func (t *fakeTransports) DialTransport(ctx context.Context, cfg remote.TransportConfig) (remote.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.configs = append(t.configs, cfg)
	return &fakeTransport{parent: t}, nil
}

func (t *fakeTransports) sentMails() []sentMail {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMail(nil), t.sent...)
}

type fakeTransport struct {
	parent *fakeTransports
}

func (t *fakeTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.sendErr != nil {
		return t.parent.sendErr
	}
	t.parent.sent = append(t.parent.sent, sentMail{from: from, to: to, raw: raw})
	return nil
}

func (t *fakeTransport) Close() error { return nil }

type fakeCredentials struct {
	mu          sync.Mutex
	err         error
	invalidated []int64
}

func (c *fakeCredentials) AccountSecret(ctx context.Context, acc *models.Account) (string, error) {
	return "secret", c.err
}

func (c *fakeCredentials) IdentitySecret(ctx context.Context, ident *models.Identity) (string, error) {
	return "secret", c.err
}

func (c *fakeCredentials) InvalidateAccount(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
}

func rawMessage(msgid, subject, refs string) []byte {
	var b strings.Builder
	b.WriteString("From: Alice <alice@example.com>\r\n")
	b.WriteString("To: me@example.com\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: Fri, 10 May 2024 09:30:00 +0000\r\n")
	if msgid != "" {
		b.WriteString("Message-ID: <" + msgid + ">\r\n")
	}
	if refs != "" {
		b.WriteString("References: " + refs + "\r\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString("body of " + subject + "\r\n")
	return []byte(b.String())
}

type testEnv struct {
	db         *database.DB
	blobs      *storage.Store
	blobDir    string
	deps       Deps
	dialer     *fakeDialer
	transports *fakeTransports
	creds      *fakeCredentials
	account    *models.Account
	inbox      *models.Folder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	blobDir := t.TempDir()
	blobs, err := storage.New(blobDir)
	require.NoError(t, err)

	env := &testEnv{
		db:         db,
		blobs:      blobs,
		blobDir:    blobDir,
		dialer:     &fakeDialer{},
		transports: &fakeTransports{},
		creds:      &fakeCredentials{},
	}
	env.deps = Deps{
		DB:          db,
		Blobs:       blobs,
		Codec:       codec.New(),
		Credentials: env.creds,
		Dialer:      env.dialer,
		Transports:  env.transports,
		Metrics:     metrics.New(nil),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	env.account = &models.Account{Name: "work", User: "me@example.com", Password: "x", Port: 993, PollInterval: 60, Synchronize: true}
	require.NoError(t, db.CreateAccount(ctx, env.account))
	env.inbox = env.folder(t, "INBOX", models.FolderInbox, true)
	return env
}

func (e *testEnv) folder(t *testing.T, name, folderType string, sync bool) *models.Folder {
	t.Helper()
	f := &models.Folder{AccountID: e.account.ID, Name: name, Type: folderType, Synchronize: sync, RetentionDays: 7}
	require.NoError(t, e.db.CreateFolder(context.Background(), f))
	return f
}

func (e *testEnv) message(t *testing.T, folder *models.Folder, uid *uint32, msgid string) *models.Message {
	t.Helper()
	m := &models.Message{
		AccountID: e.account.ID,
		FolderID:  folder.ID,
		UID:       uid,
		From:      models.AddressList{{Address: "me@example.com"}},
		To:        models.AddressList{{Address: "bob@example.com"}},
		Subject:   "hello",
		Received:  time.Now(),
	}
	if msgid != "" {
		m.MsgID = &msgid
	}
	require.NoError(t, e.db.CreateMessage(context.Background(), m))
	return m
}

func (e *testEnv) queue(t *testing.T, folder *models.Folder, msg *models.Message, kind string, args ...any) *models.Operation {
	t.Helper()
	op, err := models.NewOperation(folder.ID, msg.ID, kind, args...)
	require.NoError(t, err)
	require.NoError(t, e.db.CreateOperation(context.Background(), op))
	return op
}

func (e *testEnv) processor() *Processor {
	return NewProcessor(e.deps, NewFetcher(e.deps, 5), time.Second)
}

func uidPtr(v uint32) *uint32 { return &v }

// failingCodec fails every parse with err
type failingCodec struct {
	*codec.Codec
	err error
}

func (c failingCodec) Parse(raw []byte) (*codec.Parsed, error) {
	return nil, c.err
}
