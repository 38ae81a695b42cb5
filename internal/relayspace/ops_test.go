package relayspace

import (
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentEndToEnd(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	befriend(t, db, a, b)
	rxA := openSession(t, db, a)

	doc, err := db.CreateEntity(a, KindDocument, "plan")
	require.NoError(t, err)
	meta, err := db.Metadata(doc)
	require.NoError(t, err)
	assert.Equal(t, Revision(0), meta.Revision)
	assert.Equal(t, a, meta.Author)

	update, err := db.InsertElement(a, doc.Raw, 0, 0, Element{Data: "Intro", Style: StyleTitle})
	require.NoError(t, err)
	assert.Equal(t, UpdateNewElement, update.Kind())
	assert.Equal(t, doc, update.ID)
	assert.Equal(t, Revision(1), update.NewRevision)
	assert.Equal(t, Index(0), update.Index)
	assert.Equal(t, []*Update{update}, drain(rxA))

	_, err = db.SetElement(b, doc.Raw, 1, 0, Element{Data: "Hijack", Style: StyleTitle})
	require.ErrorIs(t, err, ErrPermissionDenied)

	share(t, db, a, b, doc, false)

	update, err = db.SetElement(b, doc.Raw, 1, 0, Element{Data: "Introduction", Style: StyleTitle})
	require.NoError(t, err)
	assert.Equal(t, Revision(2), update.NewRevision)

	rev, elements, err := db.LoadDocument(a, doc.Raw)
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)
	assert.Equal(t, []Element{{Data: "Introduction", Style: StyleTitle}}, elements)
}

func TestDocumentIndexBounds(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	doc, err := db.CreateEntity(a, KindDocument, "d")
	require.NoError(t, err)

	_, err = db.InsertElement(a, doc.Raw, 0, 1, Element{Style: StyleParagraph})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = db.SetElement(a, doc.Raw, 0, 0, Element{Style: StyleParagraph})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = db.InsertElement(a, doc.Raw, 0, 0, Element{Style: "banner"})
	require.ErrorIs(t, err, ErrInvalidInput)

	for i := 0; i < 3; i++ {
		_, err := db.InsertElement(a, doc.Raw, Revision(i), Index(i), Element{Data: fmt.Sprint(i), Style: StyleParagraph})
		require.NoError(t, err)
	}
	update, err := db.DeleteElement(a, doc.Raw, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, UpdateByeElement, update.Kind())
	assert.Equal(t, Revision(4), update.NewRevision)

	_, elements, err := db.LoadDocument(a, doc.Raw)
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "0", elements[0].Data)
	assert.Equal(t, "2", elements[1].Data)
}

func TestAccountsAndTokens(t *testing.T) {
	db := newTestDB(t)
	admin := createUser(t, db, "root")
	other := createUser(t, db, "bob")

	isAdmin, err := db.IsServerAdmin(admin)
	require.NoError(t, err)
	assert.True(t, isAdmin)
	isAdmin, err = db.IsServerAdmin(other)
	require.NoError(t, err)
	assert.False(t, isAdmin)

	_, err = db.CreateAccount("bob", "whatever")
	require.ErrorIs(t, err, ErrInvalidInput)

	id, err := db.WhoIs("bob")
	require.NoError(t, err)
	assert.Equal(t, other, id)
	_, err = db.WhoIs("nobody")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = db.IssueToken(other, "wrong")
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, _, err = db.OpenSession(other, "forged")
	require.ErrorIs(t, err, ErrPermissionDenied)

	limit, err := db.MaxFileSize(other)
	require.NoError(t, err)
	assert.EqualValues(t, DefaultMaxFileSize, limit)

	profile, err := db.LoadProfile(other)
	require.NoError(t, err)
	assert.Equal(t, "bob", profile.Public.Name)
	assert.Equal(t, "Exploring", profile.Public.Status)
	assert.Equal(t, ImageGradient, profile.Image.Kind)

	self, err := db.LoadSelf(other)
	require.NoError(t, err)
	assert.Empty(t, self.Secret.PasswordHash)
	assert.Contains(t, self.Entities, UserEntity(other))
}

func TestSetUserDataNotifiesFriends(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	befriend(t, db, a, b)
	rxB := openSession(t, db, b)

	profile, err := db.LoadProfile(a)
	require.NoError(t, err)
	update, err := db.SetUserData(a, profile.Revision, UserData{Name: "Alice", Status: "busy"})
	require.NoError(t, err)
	assert.Equal(t, profile.Revision+1, update.NewRevision)

	got := drain(rxB)
	require.Len(t, got, 1)
	assert.Equal(t, UpdateSetUser, got[0].Kind())

	_, err = db.SetUserData(a, profile.Revision, UserData{Name: "Stale"})
	require.ErrorIs(t, err, ErrRevisionConflict)
}

func TestFriendRequestIsReciprocal(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	rxA := openSession(t, db, a)
	rxB := openSession(t, db, b)

	require.NoError(t, db.CreateInvite(a, UserEntity(a), true, []UserID{b}))
	invites := drain(rxB)
	require.Len(t, invites, 1)
	assert.Equal(t, UpdateNewInvite, invites[0].Kind())

	require.ErrorIs(t, db.CreateInvite(a, UserEntity(a), true, []UserID{b}), ErrInvalidInput)

	self, err := db.LoadSelf(b)
	require.NoError(t, err)
	require.Len(t, self.Secret.Invites, 1)
	require.NoError(t, db.OpenInvite(b, self.Revision, 0, false))

	require.NoError(t, db.CheckAccess(b, UserEntity(a), false))
	require.NoError(t, db.CheckAccess(a, UserEntity(b), false))
	require.ErrorIs(t, db.CheckAccess(a, UserEntity(b), true), ErrPermissionDenied)

	metaA, _ := db.Metadata(UserEntity(a))
	metaB, _ := db.Metadata(UserEntity(b))
	assert.Equal(t, []UserID{b}, metaA.Guests)
	assert.Equal(t, []UserID{a}, metaB.Guests)

	friend := drain(rxA)
	require.Len(t, friend, 1)
	assert.Equal(t, UpdateNewFriend, friend[0].Kind())
	assert.Equal(t, Index(b), friend[0].Index)

	self, err = db.LoadSelf(b)
	require.NoError(t, err)
	assert.Empty(t, self.Secret.Invites)
}

func TestInviteRules(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	c := createUser(t, db, "carol")
	befriend(t, db, a, b)

	conv, err := db.CreateEntity(a, KindConversation, "chat")
	require.NoError(t, err)

	require.ErrorIs(t, db.CreateInvite(a, conv, false, []UserID{c}), ErrPermissionDenied)
	require.ErrorIs(t, db.CreateInvite(b, conv, false, []UserID{a}), ErrPermissionDenied)
	require.ErrorIs(t, db.CreateInvite(a, conv, false, []UserID{a}), ErrInvalidInput)

	share(t, db, a, b, conv, true)
	require.ErrorIs(t, db.CreateInvite(a, conv, false, []UserID{b}), ErrInvalidInput)

	access, err := db.Access(b, conv)
	require.NoError(t, err)
	assert.True(t, access.ReadOnly)
	assert.Equal(t, "chat", access.LocalName)

	_, err = db.PostMessage(b, conv.Raw, 0, "read only")
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, _, _, err = db.LoadMessages(b, conv.Raw, nil)
	require.NoError(t, err)
}

func TestOpenInviteDiscardAndStaleRevision(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	require.NoError(t, db.CreateInvite(a, UserEntity(a), false, []UserID{b}))

	self, err := db.LoadSelf(b)
	require.NoError(t, err)
	require.ErrorIs(t, db.OpenInvite(b, self.Revision+1, 0, false), ErrRevisionConflict)
	require.ErrorIs(t, db.OpenInvite(b, self.Revision, 3, false), ErrNotFound)
	require.NoError(t, db.OpenInvite(b, self.Revision, 0, true))

	after, err := db.LoadSelf(b)
	require.NoError(t, err)
	assert.Empty(t, after.Secret.Invites)
	assert.Equal(t, self.Revision+1, after.Revision)
	require.ErrorIs(t, db.CheckAccess(b, UserEntity(a), false), ErrPermissionDenied)
	meta, _ := db.Metadata(UserEntity(a))
	assert.Empty(t, meta.Guests)
}

func TestDropHandsOverAuthorship(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	c := createUser(t, db, "carol")
	befriend(t, db, a, b)
	befriend(t, db, a, c)
	doc, err := db.CreateEntity(a, KindDocument, "d")
	require.NoError(t, err)
	share(t, db, a, b, doc, false)
	share(t, db, a, c, doc, false)
	rxC := openSession(t, db, c)

	require.NoError(t, db.Drop(a, doc))
	meta, err := db.Metadata(doc)
	require.NoError(t, err)
	assert.Equal(t, b, meta.Author)
	assert.Equal(t, []UserID{c}, meta.Guests)
	require.ErrorIs(t, db.CheckAccess(a, doc, false), ErrPermissionDenied)

	got := drain(rxC)
	require.Len(t, got, 1)
	assert.Equal(t, UpdateByeGuest, got[0].Kind())

	require.ErrorIs(t, db.Drop(a, doc), ErrNotFound)
	require.ErrorIs(t, db.Drop(a, UserEntity(a)), ErrInvalidInput)
}

func TestDropByLastMemberLeavesEntityOwnerless(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	sheet, err := db.CreateEntity(a, KindSpreadsheet, "s")
	require.NoError(t, err)
	_, err = db.SetCell(a, sheet.Raw, 0, 4, Cell{Text: "1"})
	require.NoError(t, err)

	require.NoError(t, db.Drop(a, sheet))
	meta, err := db.Metadata(sheet)
	require.NoError(t, err)
	assert.Equal(t, NoUser, meta.Author)
	s, _ := db.Sheets.Find(sheet.Raw)
	s.Read(func(p *Sheet, _ *Metadata) { assert.Empty(t, p.Cells) })
}

func TestBanGuest(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	befriend(t, db, a, b)
	bucket, err := db.CreateEntity(a, KindBucket, "files")
	require.NoError(t, err)
	share(t, db, a, b, bucket, false)
	rxB := openSession(t, db, b)

	require.ErrorIs(t, db.BanGuest(b, bucket, "alice"), ErrPermissionDenied)
	require.NoError(t, db.BanGuest(a, bucket, "bob"))

	meta, _ := db.Metadata(bucket)
	assert.Empty(t, meta.Guests)
	require.ErrorIs(t, db.CheckAccess(b, bucket, false), ErrPermissionDenied)
	got := drain(rxB)
	require.Len(t, got, 1)
	assert.Equal(t, UpdateByeGuest, got[0].Kind())

	require.ErrorIs(t, db.BanGuest(a, bucket, "bob"), ErrNotFound)
}

func TestTransferOwnership(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	befriend(t, db, a, b)
	conv, err := db.CreateEntity(a, KindConversation, "c")
	require.NoError(t, err)
	share(t, db, a, b, conv, true)

	require.ErrorIs(t, db.TransferOwnership(b, conv, "bob"), ErrPermissionDenied)
	require.NoError(t, db.TransferOwnership(a, conv, "bob"))

	meta, _ := db.Metadata(conv)
	assert.Equal(t, b, meta.Author)
	assert.Equal(t, []UserID{a}, meta.Guests)
	require.NoError(t, db.CheckAccess(b, conv, true))
	require.NoError(t, db.CheckAccess(a, conv, true))

	require.ErrorIs(t, db.TransferOwnership(b, UserEntity(b), "alice"), ErrInvalidInput)
}

func TestEntityTagsAndRename(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	conv, err := db.CreateEntity(a, KindConversation, "c")
	require.NoError(t, err)

	require.NoError(t, db.SetEntityTags(a, conv, []string{"work", "urgent"}))
	require.NoError(t, db.RenameEntity(a, conv, "standup"))
	require.NoError(t, db.MarkSeen(a, conv, 3))
	access, err := db.Access(a, conv)
	require.NoError(t, err)
	assert.Equal(t, EntityAccess{LocalName: "standup", Tags: []string{"work", "urgent"}, LastSeenRev: 3}, access)

	require.ErrorIs(t, db.RenameEntity(a, DocumentID(9), "x"), ErrNotFound)
	_, err = db.CreateEntity(a, KindUser, "nope")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestMessagesPaging(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	conv, err := db.CreateEntity(a, KindConversation, "c")
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		_, err := db.PostMessage(a, conv.Raw, Revision(i), fmt.Sprint(i))
		require.NoError(t, err)
	}

	rev, start, msgs, err := db.LoadMessages(a, conv.Raw, nil)
	require.NoError(t, err)
	assert.Equal(t, Revision(120), rev)
	assert.Equal(t, Index(70), start)
	require.Len(t, msgs, MessagePage)
	assert.Equal(t, "70", msgs[0].Content)
	assert.Equal(t, testNow.Unix(), msgs[0].Created)

	cursor := Index(30)
	_, start, msgs, err = db.LoadMessages(a, conv.Raw, &cursor)
	require.NoError(t, err)
	assert.Equal(t, Index(0), start)
	assert.Len(t, msgs, 30)

	cursor = 500
	_, _, _, err = db.LoadMessages(a, conv.Raw, &cursor)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEditMessage(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	b := createUser(t, db, "bob")
	befriend(t, db, a, b)
	conv, err := db.CreateEntity(a, KindConversation, "c")
	require.NoError(t, err)
	share(t, db, a, b, conv, false)

	_, err = db.PostMessage(a, conv.Raw, 0, "helo")
	require.NoError(t, err)
	_, err = db.EditMessage(b, conv.Raw, 1, 0, "mine now")
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = db.EditMessage(a, conv.Raw, 1, 4, "hello")
	require.ErrorIs(t, err, ErrInvalidInput)

	update, err := db.EditMessage(a, conv.Raw, 1, 0, "hello")
	require.NoError(t, err)
	assert.Equal(t, UpdateEditMessage, update.Kind())
	assert.Equal(t, Revision(2), update.NewRevision)

	_, _, msgs, err := db.LoadMessages(a, conv.Raw, nil)
	require.NoError(t, err)
	require.NotNil(t, msgs[0].Edited)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestSheetCells(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	sheet, err := db.CreateEntity(a, KindSpreadsheet, "s")
	require.NoError(t, err)

	_, err = db.SetCell(a, sheet.Raw, 0, 9, Cell{Text: "9", Formula: "CellsSum"})
	require.NoError(t, err)
	update, err := db.SetCell(a, sheet.Raw, 1, 2, Cell{Text: "2"})
	require.NoError(t, err)
	assert.Equal(t, Revision(2), update.NewRevision)
	_, err = db.SetCell(a, sheet.Raw, 2, 3, Cell{Formula: "Magic"})
	require.ErrorIs(t, err, ErrInvalidInput)

	rev, cells, err := db.LoadSheet(a, sheet.Raw)
	require.NoError(t, err)
	assert.Equal(t, Revision(2), rev)
	require.Len(t, cells, 2)
	assert.Equal(t, Index(2), cells[0].Index)
	assert.Equal(t, CellFormula("Literal"), cells[0].Cell.Formula)
	assert.Equal(t, Index(9), cells[1].Index)
}

func TestBucketFilesTrackReferences(t *testing.T) {
	db := newTestDB(t)
	a := createUser(t, db, "alice")
	bucket, err := db.CreateEntity(a, KindBucket, "b")
	require.NoError(t, err)

	first := File{Name: "a.txt", SHA256: "aa", Size: 1}
	second := File{Name: "b.txt", SHA256: "bb", Size: 2}

	update, err := db.PutFile(a, bucket.Raw, 0, nil, first)
	require.NoError(t, err)
	assert.Equal(t, UpdateNewFile, update.Kind())
	_, err = db.PutFile(a, bucket.Raw, 1, nil, first)
	require.NoError(t, err)
	count, _ := db.Refs.Count("aa")
	assert.Equal(t, 2, count)

	index := Index(1)
	update, err = db.PutFile(a, bucket.Raw, 2, &index, second)
	require.NoError(t, err)
	assert.Equal(t, UpdateSetFile, update.Kind())
	count, _ = db.Refs.Count("aa")
	assert.Equal(t, 1, count)
	count, _ = db.Refs.Count("bb")
	assert.Equal(t, 1, count)

	index = 7
	_, err = db.PutFile(a, bucket.Raw, 3, &index, second)
	require.ErrorIs(t, err, ErrInvalidInput)

	update, err = db.DeleteFile(a, bucket.Raw, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, UpdateByeFile, update.Kind())
	count, _ = db.Refs.Count("aa")
	assert.Equal(t, 0, count)

	rev, files, err := db.LoadBucket(a, bucket.Raw)
	require.NoError(t, err)
	assert.Equal(t, Revision(4), rev)
	assert.Equal(t, []File{second}, files)
}

func TestDropByLastMemberReleasesBucketFiles(t *testing.T) {
	db := newTestDB(t)
	files := newTestFiles(t, db.Refs)
	a := createUser(t, db, "alice")
	bucket, err := db.CreateEntity(a, KindBucket, "b")
	require.NoError(t, err)

	up, err := files.Begin(0)
	require.NoError(t, err)
	_, err = up.Write([]byte("payload"))
	require.NoError(t, err)
	_, err = db.FinishUpload(a, bucket.Raw, 0, "p.txt", up)
	require.NoError(t, err)
	sum := sha("payload")
	count, _ := db.Refs.Count(sum)
	require.Equal(t, 1, count)

	removed, err := files.Collect()
	require.NoError(t, err)
	assert.Zero(t, removed)

	require.NoError(t, db.Drop(a, bucket))
	count, _ = db.Refs.Count(sum)
	assert.Zero(t, count)

	removed, err = files.Collect()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, tracked := db.Refs.Count(sum)
	assert.False(t, tracked)
	_, err = os.Stat(files.Path(sum))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
