package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mail-sync/internal/config"
	"github.com/brandon/mail-sync/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testEnv struct {
	store     *Store
	cache     *Cache
	files     *FileStorage
	accountID int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	c, err := NewCache(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	files, err := NewFileStorage(filepath.Join(t.TempDir(), "attachments"))
	require.NoError(t, err)

	store := NewStore(c, files, testLogger())
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	id, err := store.UpsertAccount(context.Background(), &config.AccountConfig{
		Name:         "work",
		Email:        "bob@example.org",
		IMAPHost:     "imap.example.org",
		IMAPPort:     993,
		IMAPUsername: "bob",
		TLSMode:      config.TLSModeImplicit,
		Active:       true,
	})
	require.NoError(t, err)

	return &testEnv{store: store, cache: c, files: files, accountID: id}
}

// inUTC drops the parsed zone so stored rows compare with reflect.DeepEqual
func inUTC(m *types.Message) *types.Message {
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if m.SentAt != nil {
		t := m.SentAt.UTC()
		m.SentAt = &t
	}
	if m.ReceivedAt != nil {
		t := m.ReceivedAt.UTC()
		m.ReceivedAt = &t
	}
	return m
}

func contactsInUTC(contacts []types.Contact) []types.Contact {
	for i := range contacts {
		contacts[i].LastSeen = contacts[i].LastSeen.UTC()
	}
	return contacts
}

func sampleMessage(id string) *types.MappedMessage {
	received := time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)
	return &types.MappedMessage{
		MessageID:  id,
		Subject:    "Quarterly numbers",
		From:       &types.Address{Name: "Alice Example", Email: "Alice@Example.com"},
		To:         []types.Address{{Name: "bob", Email: "bob@example.org"}},
		Cc:         []types.Address{{Name: "Carol", Email: "carol@example.net"}},
		ReceivedAt: &received,
		Flags:      types.MessageFlags{Read: true},
		Labels:     []string{"Work"},
		Headers:    map[string]string{"Subject": "Quarterly numbers"},
		Size:       2048,
		ThreadID:   id,
		BodyText:   "see attached",
		Attachments: []types.AttachmentData{
			{Filename: "q1.csv", ContentType: "text/csv", Content: []byte("a,b\n1,2\n")},
		},
	}
}

func TestUpsertAccount_PreservesSyncState(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.MarkSynced(ctx, "work"))

	// Act
	id, err := env.store.UpsertAccount(ctx, &config.AccountConfig{
		Name: "work", IMAPHost: "imap2.example.org", IMAPPort: 143, IMAPUsername: "bob@example.org",
		TLSMode: config.TLSModeStartTLS, Active: true,
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, env.accountID, id)
	st, err := env.store.GetAccountStatus(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSynced, st.SyncStatus)
	assert.Equal(t, "bob@example.org", st.Email)
	assert.NotNil(t, st.LastSync)
}

func TestAccountStatusLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SetSyncStatus(ctx, "work", types.StatusPending))
	require.NoError(t, env.store.MarkSyncStarted(ctx, "work"))
	st, err := env.store.GetAccountStatus(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSyncing, st.SyncStatus)
	assert.NotNil(t, st.LastSyncStart)
	assert.Nil(t, st.LastSync)

	require.NoError(t, env.store.SetLastError(ctx, "work", "folder Archive: timeout"))
	require.NoError(t, env.store.IncrementSkipped(ctx, "work", 2))
	st, err = env.store.GetAccountStatus(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSyncing, st.SyncStatus)
	assert.Equal(t, "folder Archive: timeout", st.LastSyncError)
	assert.Equal(t, 2, st.SkippedCount)

	require.NoError(t, env.store.MarkSyncFailed(ctx, "work", "authentication failed"))
	names, err := env.store.ActiveAccountNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, env.store.Reactivate(ctx, "work"))
	names, err = env.store.ActiveAccountNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, names)
	st, err = env.store.GetAccountStatus(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, st.SyncStatus)
	assert.Empty(t, st.LastSyncError)
}

func TestStatusUpdate_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	err := env.store.SetSyncStatus(context.Background(), "missing", types.StatusSynced)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveMessage_CreatesRowAttachmentsAndContacts(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()

	// Act
	res, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))

	// Assert
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.Attachments)

	msg, err := env.store.GetMessage(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "work", msg.AccountName)
	assert.Equal(t, uint32(7), msg.UID)
	assert.Equal(t, "Alice Example", msg.SenderName)
	assert.True(t, msg.Flags.Read)
	assert.Equal(t, []string{"Work"}, msg.Labels)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "name:q1.csv", msg.Attachments[0].DedupKey)
	assert.Equal(t, int64(8), msg.Attachments[0].Size)

	payload, err := env.files.Read(msg.Attachments[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(payload))

	assert.Equal(t, []types.MessageContact{
		{Role: types.RoleFrom, Name: "Alice Example", Email: "alice@example.com"},
		{Role: types.RoleTo, Name: "bob", Email: "bob@example.org"},
		{Role: types.RoleCc, Name: "Carol", Email: "carol@example.net"},
	}, msg.Contacts)
}

func TestSaveMessage_Idempotent(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))
	require.NoError(t, err)
	before, err := env.store.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	contactsBefore, err := env.store.ListContacts(ctx, env.accountID, 0)
	require.NoError(t, err)

	// Act
	second, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.False(t, second.Created)
	assert.False(t, second.Changed)
	assert.Zero(t, second.Attachments)

	after, err := env.store.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, inUTC(before), inUTC(after))

	contactsAfter, err := env.store.ListContacts(ctx, env.accountID, 0)
	require.NoError(t, err)
	assert.Equal(t, contactsInUTC(contactsBefore), contactsInUTC(contactsAfter))
}

func TestSaveMessage_ConcurrentSavesOfOneMessage(t *testing.T) {
	// Arrange
	c, err := NewCache(filepath.Join(t.TempDir(), "cache.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	store := NewStore(c, nil, testLogger())
	ctx := context.Background()
	accountID, err := store.UpsertAccount(ctx, &config.AccountConfig{
		Name: "work", Email: "bob@example.org", IMAPHost: "imap.example.org", IMAPPort: 993,
		IMAPUsername: "bob", TLSMode: config.TLSModeImplicit, Active: true,
	})
	require.NoError(t, err)

	const workers = 8
	results := make([]*SaveResult, workers)
	var g errgroup.Group

	// Act
	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			msg := sampleMessage("race@example.com")
			msg.Attachments = nil
			res, err := store.SaveMessage(ctx, accountID, "INBOX", 11, msg)
			results[i] = res
			return err
		})
	}

	// Assert
	require.NoError(t, g.Wait())
	created := 0
	for _, res := range results {
		assert.Equal(t, results[0].ID, res.ID)
		if res.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)

	uids, err := store.ListUIDs(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{11}, uids)
}

func TestSaveMessage_ContentChangeUpdatesRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))
	require.NoError(t, err)

	edited := sampleMessage("m-1@example.com")
	edited.Subject = "Quarterly numbers (v2)"
	edited.Flags.Flagged = true
	res, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, edited)

	require.NoError(t, err)
	assert.Equal(t, first.ID, res.ID)
	assert.False(t, res.Created)
	assert.True(t, res.Changed)
	msg, err := env.store.GetMessage(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly numbers (v2)", msg.Subject)
	assert.True(t, msg.Flags.Flagged)
}

func TestListUIDs_DiffAgainstRemote(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	for _, uid := range []uint32{1, 2, 3} {
		_, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", uid, sampleMessage("m@example.com"))
		require.NoError(t, err)
	}
	_, err := env.store.SaveMessage(ctx, env.accountID, "Archive", 9, sampleMessage("a@example.com"))
	require.NoError(t, err)

	// Act
	local, err := env.store.ListUIDs(ctx, env.accountID, "INBOX")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, local)

	known := make(map[uint32]bool)
	for _, uid := range local {
		known[uid] = true
	}
	var missing []uint32
	for _, uid := range []uint32{1, 2, 3, 4, 5} {
		if !known[uid] {
			missing = append(missing, uid)
		}
	}
	assert.Equal(t, []uint32{4, 5}, missing)
}

func TestAttach_DedupPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 1, &types.MappedMessage{MessageID: "x@example.com"})
	require.NoError(t, err)

	inline := types.AttachmentData{Filename: "logo.png", ContentID: "logo@example.com", Content: []byte("png")}
	renamed := types.AttachmentData{Filename: "logo-copy.png", ContentID: "logo@example.com", Content: []byte("png2")}
	named := types.AttachmentData{Filename: "notes.txt", Content: []byte("one")}
	sameName := types.AttachmentData{Filename: "notes.txt", Content: []byte("two")}
	anonymous := types.AttachmentData{ContentType: "application/octet-stream", Content: []byte("blob")}

	for _, tc := range []struct {
		name string
		att  types.AttachmentData
		want bool
	}{
		{"first by content id", inline, true},
		{"same content id", renamed, false},
		{"first by filename", named, true},
		{"same filename", sameName, false},
		{"by payload digest", anonymous, true},
		{"same payload again", anonymous, false},
	} {
		added, err := env.store.Attach(ctx, env.accountID, res.ID, tc.att)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, added, tc.name)
	}

	msg, err := env.store.GetMessage(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, msg.Attachments, 3)
}

func TestDedupKey(t *testing.T) {
	att := types.AttachmentData{Filename: "a.pdf", ContentID: "cid-1"}

	assert.Equal(t, "cid:cid-1", DedupKey(att, DefaultDedupKeys))
	assert.Equal(t, "name:a.pdf", DedupKey(att, []DedupKeyFunc{ByFilename, ByContentID}))
	assert.Empty(t, DedupKey(types.AttachmentData{}, []DedupKeyFunc{ByContentID, ByFilename}))
}

func TestLinkContacts_ReplacesAssociations(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))
	require.NoError(t, err)

	// Act
	msg := sampleMessage("m-1@example.com")
	msg.To = []types.Address{{Name: "Dave", Email: "dave@example.com"}}
	msg.Cc = nil
	require.NoError(t, env.store.LinkContacts(ctx, env.accountID, res.ID, msg, false))

	// Assert
	stored, err := env.store.GetMessage(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.MessageContact{
		{Role: types.RoleFrom, Name: "Alice Example", Email: "alice@example.com"},
		{Role: types.RoleTo, Name: "Dave", Email: "dave@example.com"},
	}, stored.Contacts)

	contacts, err := env.store.ListContacts(ctx, env.accountID, 0)
	require.NoError(t, err)
	byEmail := map[string]types.Contact{}
	for _, c := range contacts {
		byEmail[c.Email] = c
	}
	assert.Len(t, contacts, 4)
	assert.Equal(t, 1, byEmail["alice@example.com"].InteractionCount)
	assert.Equal(t, 0, byEmail["dave@example.com"].InteractionCount)
}

func TestLinkContacts_DisplayNameReplacesLocalPart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := sampleMessage("m-1@example.com")
	_, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 1, first)
	require.NoError(t, err)

	second := sampleMessage("m-2@example.com")
	second.To = []types.Address{{Name: "Bob Builder", Email: "BOB@example.org"}}
	_, err = env.store.SaveMessage(ctx, env.accountID, "INBOX", 2, second)
	require.NoError(t, err)

	contacts, err := env.store.ListContacts(ctx, env.accountID, 0)
	require.NoError(t, err)
	for _, c := range contacts {
		if c.Email == "bob@example.org" {
			assert.Equal(t, "Bob Builder", c.Name)
			assert.Equal(t, 2, c.InteractionCount)
			return
		}
	}
	t.Fatal("contact bob@example.org not found")
}

func TestUpdateFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))
	require.NoError(t, err)

	changed, err := env.store.UpdateFlags(ctx, env.accountID, "INBOX", 7, types.MessageFlags{Read: true})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = env.store.UpdateFlags(ctx, env.accountID, "INBOX", 7, types.MessageFlags{Read: false, Flagged: true})
	require.NoError(t, err)
	assert.True(t, changed)

	msg, err := env.store.FindMessage(ctx, env.accountID, "INBOX", 7)
	require.NoError(t, err)
	assert.Equal(t, types.MessageFlags{Flagged: true}, msg.Flags)
}

func TestMoveMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))
	require.NoError(t, err)

	require.NoError(t, env.store.MoveMessage(ctx, res.ID, "Archive", 301))

	inbox, err := env.store.ListUIDs(ctx, env.accountID, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, inbox)
	msg, err := env.store.FindMessage(ctx, env.accountID, "Archive", 301)
	require.NoError(t, err)
	assert.Equal(t, res.ID, msg.ID)
}

func TestMoveMessage_DestinationAlreadySynced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	moved, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", 7, sampleMessage("m-1@example.com"))
	require.NoError(t, err)
	_, err = env.store.SaveMessage(ctx, env.accountID, "Archive", 301, sampleMessage("m-1@example.com"))
	require.NoError(t, err)

	require.NoError(t, env.store.MoveMessage(ctx, moved.ID, "Archive", 301))

	_, err = env.store.GetMessage(ctx, moved.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = os.Stat(filepath.Join(env.files.basePath, "1", "1"))
	assert.True(t, os.IsNotExist(err))
}

func TestFolders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.UpsertFolder(ctx, env.accountID, types.Folder{
		Name: "Archive", Path: "Archive", Delimiter: "/", Attributes: []string{`\Archive`},
	})
	require.NoError(t, err)

	state, err := env.store.RecordFolderState(ctx, env.accountID, "Archive",
		&types.FolderStatus{Name: "Archive", Messages: 12, UidNext: 40, UidValidity: 77})
	require.NoError(t, err)
	assert.Zero(t, state.PreviousValidity)
	assert.False(t, state.Reset(77))

	state, err = env.store.RecordFolderState(ctx, env.accountID, "Archive",
		&types.FolderStatus{Name: "Archive", Messages: 13, UidNext: 41, UidValidity: 77})
	require.NoError(t, err)
	assert.Equal(t, uint32(77), state.PreviousValidity)
	assert.False(t, state.Reset(77))

	folders, err := env.store.ListFolders(ctx, &env.accountID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "work", folders[0].AccountName)
	assert.Equal(t, []string{`\Archive`}, folders[0].Attributes)
	assert.Equal(t, 13, folders[0].MessageCount)
	assert.NotNil(t, folders[0].LastSynced)
}

func TestRecordFolderState_UIDValidityChangePurges(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.RecordFolderState(ctx, env.accountID, "INBOX",
		&types.FolderStatus{Name: "INBOX", Messages: 2, UidNext: 3, UidValidity: 1})
	require.NoError(t, err)
	for _, uid := range []uint32{1, 2} {
		_, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", uid, sampleMessage("m@example.com"))
		require.NoError(t, err)
	}

	// Act
	state, err := env.store.RecordFolderState(ctx, env.accountID, "INBOX",
		&types.FolderStatus{Name: "INBOX", Messages: 1, UidNext: 2, UidValidity: 2})

	// Assert
	require.NoError(t, err)
	assert.True(t, state.Reset(2))
	assert.Equal(t, uint32(1), state.PreviousValidity)
	assert.Equal(t, int64(2), state.Purged)
	uids, err := env.store.ListUIDs(ctx, env.accountID, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestRecordFolderState_FailedPurgeIsRetried(t *testing.T) {
	// Arrange
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.store.RecordFolderState(ctx, env.accountID, "INBOX",
		&types.FolderStatus{Name: "INBOX", Messages: 2, UidNext: 3, UidValidity: 1})
	require.NoError(t, err)
	for _, uid := range []uint32{1, 2} {
		_, err := env.store.SaveMessage(ctx, env.accountID, "INBOX", uid, sampleMessage("m@example.com"))
		require.NoError(t, err)
	}
	_, err = env.cache.DB().ExecContext(ctx, `
		CREATE TRIGGER fail_delete BEFORE DELETE ON messages
		BEGIN SELECT RAISE(ABORT, 'delete refused'); END`)
	require.NoError(t, err)
	changed := &types.FolderStatus{Name: "INBOX", Messages: 1, UidNext: 2, UidValidity: 2}

	// Act
	_, failed := env.store.RecordFolderState(ctx, env.accountID, "INBOX", changed)
	_, err = env.cache.DB().ExecContext(ctx, "DROP TRIGGER fail_delete")
	require.NoError(t, err)
	state, err := env.store.RecordFolderState(ctx, env.accountID, "INBOX", changed)

	// Assert
	require.Error(t, failed)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), state.PreviousValidity, "the failed attempt kept the old UIDVALIDITY")
	assert.True(t, state.Reset(2))
	assert.Equal(t, int64(2), state.Purged)
	uids, err := env.store.ListUIDs(ctx, env.accountID, "INBOX")
	require.NoError(t, err)
	assert.Empty(t, uids)
}
