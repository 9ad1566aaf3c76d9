package services

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"sync"
	"testing"

	"github.com/dmitrijs2005/cipherchat/internal/client/migrations"
	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/friendships"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/messages"
	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type sentItem struct {
	payload     *envelope.Payload
	recipientID string
}

type fakeAPI struct {
	userID    string
	masterKey []byte

	mu      sync.Mutex
	exists  map[string]bool
	names   map[string]string
	pubDER  []byte
	sent    []sentItem
	renamed string
	marker  string
}

func (f *fakeAPI) UserID() string     { return f.userID }
func (f *fakeAPI) ScreenName() string { return "Self" }
func (f *fakeAPI) MasterKey() []byte  { return f.masterKey }

func (f *fakeAPI) UserIDExists(_ context.Context, userID string) (bool, error) {
	return f.exists[userID], nil
}

func (f *fakeAPI) RecipientPublicKey(_ context.Context, userID string) ([]byte, error) {
	if !f.exists[userID] {
		return nil, nil
	}
	return f.pubDER, nil
}

func (f *fakeAPI) FriendDetails(_ context.Context, userID string) (string, []byte, error) {
	name, ok := f.names[userID]
	if !ok {
		return "", nil, common.ErrorNotFound
	}
	return name, f.pubDER, nil
}

func (f *fakeAPI) AllUserData(context.Context) (*envelope.UserDetails, error) {
	return &envelope.UserDetails{UserID: f.userID}, nil
}

func (f *fakeAPI) ChangeScreenName(_ context.Context, newName string) error {
	f.renamed = newName
	return nil
}

func (f *fakeAPI) DeleteAccount(context.Context) (string, error) {
	return f.marker, nil
}

func (f *fakeAPI) SendToPeer(p *envelope.Payload, _ *rsa.PublicKey, peerUserID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentItem{payload: p, recipientID: peerUserID})
	return common.GenerateRandByteArray(16), nil
}

func (f *fakeAPI) lastSent(t *testing.T) sentItem {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	api     *fakeAPI
	friends *FriendshipService
	msgs    *MessageService
	account *AccountService
	frepo   friendships.Repository
	mrepo   messages.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	goose.SetBaseFS(migrations.Migrations)
	require.NoError(t, goose.SetDialect("sqlite3"))
	require.NoError(t, goose.Up(db, "."))

	kp, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)
	pubDER, err := cryptox.MarshalPublicKey(kp.Public)
	require.NoError(t, err)

	api := &fakeAPI{
		userID:    "alice",
		masterKey: common.GenerateRandByteArray(16),
		exists:    map[string]bool{"bob": true, "carol": true},
		names:     map[string]string{"bob": "Bob", "carol": "Carol"},
		pubDER:    pubDER,
		marker:    "deleted account(42)",
	}

	frepo := friendships.NewSQLiteRepository(db)
	mrepo := messages.NewSQLiteRepository(db)
	log := logging.Discard()

	return &fixture{
		api:     api,
		friends: NewFriendshipService(api, frepo, mrepo, log),
		msgs:    NewMessageService(api, frepo, mrepo, log),
		account: NewAccountService(api, frepo, log),
		frepo:   frepo,
		mrepo:   mrepo,
	}
}

func (fx *fixture) addAcceptedFriend(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, fx.frepo.Upsert(context.Background(), &models.Friendship{
		FriendUserID: id,
		ScreenName:   name,
		PublicKey:    fx.api.pubDER,
		Status:       models.StatusAccepted,
		SpecifierID:  id,
	}))
}

func TestFriendship_SendRequest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.friends.SendRequest(ctx, "bob"))

	f, err := fx.frepo.GetByID(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, f.Status)
	assert.Equal(t, "alice", f.SpecifierID)
	assert.Equal(t, "Bob", f.ScreenName)

	sent := fx.api.lastSent(t)
	assert.Equal(t, envelope.TypeFriendRequest, sent.payload.Type)
	assert.Equal(t, "bob", sent.recipientID)
	assert.Equal(t, "alice", sent.payload.Sender)
}

func TestFriendship_SendRequest_UnknownCode(t *testing.T) {
	fx := newFixture(t)
	err := fx.friends.SendRequest(context.Background(), "nobody")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestFriendship_AcceptIncomingRequest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// bob sent us a request
	fx.friends.HandleNotification(ctx, &envelope.Payload{
		Type: envelope.TypeFriendRequest, Sender: "bob",
	})
	f, err := fx.frepo.GetByID(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, f.Status)
	assert.Equal(t, "bob", f.SpecifierID)

	require.NoError(t, fx.friends.Accept(ctx, "bob"))
	f, err = fx.frepo.GetByID(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, f.Status)
	assert.Equal(t, "alice", f.SpecifierID)
	assert.Equal(t, envelope.TypeFriendAccepted, fx.api.lastSent(t).payload.Type)
}

func TestFriendship_CannotAcceptOwnRequest(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.friends.SendRequest(ctx, "bob"))
	assert.Error(t, fx.friends.Accept(ctx, "bob"))
}

func TestFriendship_RejectRemovesRow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.friends.HandleNotification(ctx, &envelope.Payload{
		Type: envelope.TypeFriendRequest, Sender: "bob",
	})
	require.NoError(t, fx.friends.Reject(ctx, "bob"))

	_, err := fx.frepo.GetByID(ctx, "bob")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Equal(t, envelope.TypeFriendRejected, fx.api.lastSent(t).payload.Type)
}

func TestFriendship_BlockAndUnblock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	require.NoError(t, fx.friends.Block(ctx, "bob"))
	f, _ := fx.frepo.GetByID(ctx, "bob")
	assert.Equal(t, models.StatusBlocked, f.Status)
	assert.Equal(t, "alice", f.SpecifierID)

	require.NoError(t, fx.friends.Unblock(ctx, "bob"))
	f, _ = fx.frepo.GetByID(ctx, "bob")
	assert.Equal(t, models.StatusAccepted, f.Status)
}

func TestFriendship_CannotUnblockPeerBlock(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	// bob blocked us
	fx.friends.HandleNotification(ctx, &envelope.Payload{Type: envelope.TypeBlocked, Sender: "bob"})
	f, _ := fx.frepo.GetByID(ctx, "bob")
	require.Equal(t, models.StatusBlocked, f.Status)
	require.Equal(t, "bob", f.SpecifierID)

	assert.Error(t, fx.friends.Unblock(ctx, "bob"))
}

func TestFriendship_PeerScreenNameSync(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	fx.friends.HandleNotification(ctx, &envelope.Payload{
		Type: envelope.TypeSyncScreenName, Sender: "bob", NewScreenName: "Bobby",
	})
	f, _ := fx.frepo.GetByID(ctx, "bob")
	assert.Equal(t, "Bobby", f.ScreenName)
}

func TestFriendship_PeerAccountDeletion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	_, err := fx.mrepo.Add(ctx, &models.Message{
		FriendUserID: "bob", Sender: "bob",
		EncryptedBody: []byte("x"), EncryptedEpk: []byte("y"),
		Date: "2026-09-01", Time: "10:00",
	})
	require.NoError(t, err)

	fx.friends.HandleNotification(ctx, &envelope.Payload{
		Type: envelope.TypeSyncAccountDeletion, Sender: "bob",
		AccountDeletionName: "deleted account(7)",
	})

	_, err = fx.frepo.GetByID(ctx, "bob")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	f, err := fx.frepo.GetByID(ctx, "deleted account(7)")
	require.NoError(t, err)
	assert.Equal(t, "deleted account(7)", f.ScreenName)

	conv, err := fx.mrepo.GetConversation(ctx, "deleted account(7)")
	require.NoError(t, err)
	assert.Len(t, conv, 1)
}

func TestMessages_SendArchivesSealed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	require.NoError(t, fx.msgs.Send(ctx, "bob", "hello bob", false))

	sent := fx.api.lastSent(t)
	assert.Equal(t, envelope.TypeMessage, sent.payload.Type)
	assert.Equal(t, "hello bob", sent.payload.Message)
	assert.Equal(t, "bob", sent.recipientID)

	// at rest the body is unreadable
	conv, err := fx.mrepo.GetConversation(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, conv, 1)
	assert.NotContains(t, string(conv[0].EncryptedBody), "hello bob")

	lines, err := fx.msgs.History(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello bob", lines[0].Text)
	assert.Equal(t, "alice", lines[0].Sender)
}

func TestMessages_SendRequiresAcceptedFriend(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.friends.SendRequest(ctx, "bob"))
	err := fx.msgs.Send(ctx, "bob", "too early", false)
	assert.ErrorIs(t, err, ErrNotFriends)
}

func TestMessages_RecordIncoming(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	epk := common.GenerateRandByteArray(16)
	require.NoError(t, fx.msgs.Record(ctx, &envelope.Opened{
		Deliverable: true,
		Payload: &envelope.Payload{
			Type: envelope.TypeMessage, Sender: "bob",
			Message: "hi alice", Date: "2026-09-01", Time: "12:30",
		},
		EphemeralKey: epk,
	}))

	lines, err := fx.msgs.History(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "hi alice", lines[0].Text)
	assert.Equal(t, "bob", lines[0].Sender)
	assert.Equal(t, "12:30", lines[0].Time)
}

func TestAccount_ChangeScreenNameFansOut(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")
	fx.addAcceptedFriend(t, "carol", "Carol")

	// a pending request must not get the sync
	require.NoError(t, fx.frepo.Upsert(ctx, &models.Friendship{
		FriendUserID: "dave", ScreenName: "Dave", PublicKey: fx.api.pubDER,
		Status: models.StatusRequested, SpecifierID: "alice",
	}))

	require.NoError(t, fx.account.ChangeScreenName(ctx, "Alicia"))
	assert.Equal(t, "Alicia", fx.api.renamed)

	recipients := map[string]bool{}
	for _, s := range fx.api.sent {
		require.Equal(t, envelope.TypeSyncScreenName, s.payload.Type)
		assert.Equal(t, "Alicia", s.payload.NewScreenName)
		recipients[s.recipientID] = true
	}
	assert.Equal(t, map[string]bool{"bob": true, "carol": true}, recipients)
}

func TestAccount_DeleteFansOutMarker(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.addAcceptedFriend(t, "bob", "Bob")

	marker, err := fx.account.DeleteAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "deleted account(42)", marker)

	sent := fx.api.lastSent(t)
	assert.Equal(t, envelope.TypeSyncAccountDeletion, sent.payload.Type)
	assert.Equal(t, marker, sent.payload.AccountDeletionName)
}
