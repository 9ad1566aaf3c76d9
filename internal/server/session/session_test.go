package session

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/dbx"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/framing"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
	"github.com/dmitrijs2005/cipherchat/internal/server/directory"
	"github.com/dmitrijs2005/cipherchat/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type memoryRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{users: make(map[string]*models.User)}
}

func (r *memoryRepo) Create(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.UserID] = &cp
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, userID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryRepo) Exists(_ context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok, nil
}

func (r *memoryRepo) UpdateScreenName(_ context.Context, userID, screenName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return common.ErrorNotFound
	}
	u.ScreenName = screenName
	return nil
}

func (r *memoryRepo) Tombstone(_ context.Context, userID, marker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return common.ErrorNotFound
	}
	delete(r.users, userID)
	u.UserID = marker
	u.ScreenName = marker
	r.users[marker] = u
	return nil
}

type testEnv struct {
	dir      *directory.Service
	registry *Registry
	relay    *Relay
	keys     *cryptox.KeyPair
	repo     *memoryRepo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := newMemoryRepo()
	dir := directory.NewServiceWithRepository(db,
		func(dbx.DBTX) directory.Repository { return repo },
		[]byte("test-pepper"))

	reg := NewRegistry()
	queue := NewPendingQueue()
	keys, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)

	return &testEnv{
		dir:      dir,
		registry: reg,
		relay:    NewRelay(reg, queue, logging.Discard()),
		keys:     keys,
		repo:     repo,
	}
}

// testClient drives one end of a piped connection the way a real client
// would.
type testClient struct {
	t         *testing.T
	tr        *framing.Transport
	codec     *envelope.Codec
	keys      *cryptox.KeyPair
	serverPub *rsa.PublicKey
	done      chan struct{}
}

func (e *testEnv) connect(t *testing.T) *testClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	sess := New(serverConn, e.keys, 0, e.registry, e.relay, e.dir, logging.Discard())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Handle(context.Background())
	}()

	keys, err := cryptox.GenerateKeyPair()
	require.NoError(t, err)

	c := &testClient{
		t:     t,
		tr:    framing.New(clientConn),
		codec: envelope.NewCodec(envelope.ScopeClient),
		keys:  keys,
		done:  done,
	}
	t.Cleanup(func() {
		_ = c.tr.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return c
}

func (c *testClient) exchangeKeys() {
	c.t.Helper()
	der, err := cryptox.MarshalPublicKey(c.keys.Public)
	require.NoError(c.t, err)
	body, sig, err := c.codec.SealPlain(&envelope.Payload{PublicKey: der}, c.keys)
	require.NoError(c.t, err)
	require.NoError(c.t, c.tr.SendPair(body, sig))

	replyBody, replySig, err := c.tr.RecvPair()
	require.NoError(c.t, err)
	p, _, err := c.codec.OpenPlain(replyBody, replySig)
	require.NoError(c.t, err)
	c.serverPub, err = cryptox.ParsePublicKey(p.PublicKey)
	require.NoError(c.t, err)
}

func (c *testClient) sendPlain(p *envelope.Payload) {
	c.t.Helper()
	body, sig, err := c.codec.SealPlain(p, c.keys)
	require.NoError(c.t, err)
	require.NoError(c.t, c.tr.SendPair(body, sig))
}

func (c *testClient) recvPlain() *envelope.Payload {
	c.t.Helper()
	body, sig, err := c.tr.RecvPair()
	require.NoError(c.t, err)
	p, _, err := c.codec.OpenPlain(body, sig)
	require.NoError(c.t, err)
	return p
}

func (c *testClient) sendToServer(p *envelope.Payload) {
	c.t.Helper()
	envBytes, sigBytes, _, err := c.codec.Seal(p, c.serverPub, c.keys, envelope.ScopeServer, "")
	require.NoError(c.t, err)
	require.NoError(c.t, c.tr.SendPair(envBytes, sigBytes))
}

func (c *testClient) recvSealed() *envelope.Payload {
	c.t.Helper()
	envBytes, sigBytes, err := c.tr.RecvPair()
	require.NoError(c.t, err)
	opened, err := c.codec.Open(envBytes, sigBytes, c.keys.Private)
	require.NoError(c.t, err)
	require.True(c.t, opened.Deliverable)
	return opened.Payload
}

func (c *testClient) createAccount(userID, screenName, password string) *envelope.Payload {
	c.t.Helper()
	c.sendPlain(&envelope.Payload{Type: envelope.TypeCreateAccount})
	c.sendToServer(&envelope.Payload{UserID: userID})
	probe := c.recvSealed()
	if probe.UserIDTaken {
		return probe
	}
	c.sendToServer(&envelope.Payload{UserID: userID, ScreenName: screenName, Password: password})
	return c.recvSealed()
}

func (c *testClient) login(userID, password string) *envelope.Payload {
	c.t.Helper()
	c.sendPlain(&envelope.Payload{Type: envelope.TypeLoginRequest})
	c.sendToServer(&envelope.Payload{UserID: userID, Password: password})
	return c.recvSealed()
}

// finishLogin performs the post-authentication key exchange and consumes the
// pushed screen name.
func (c *testClient) finishLogin() string {
	c.t.Helper()
	c.exchangeKeys()
	return c.recvPlain().ScreenName
}

func TestSession_CreateAccountAndUseDirectory(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(t)
	c.exchangeKeys()

	reply := c.createAccount("alice", "Alice", "s3cret")
	require.True(t, reply.AccountCreated)

	name := c.finishLogin()
	assert.Equal(t, "Alice", name)

	// uniqueness probe for a friend code
	c.sendToServer(&envelope.Payload{Type: envelope.TypeFriendCodeExists, FriendCode: "alice"})
	assert.True(t, c.recvSealed().Exists)
	c.sendToServer(&envelope.Payload{Type: envelope.TypeFriendCodeExists, FriendCode: "nobody"})
	assert.False(t, c.recvSealed().Exists)

	// the stored public key is the one negotiated during creation
	c.sendToServer(&envelope.Payload{Type: envelope.TypeRecipientKey, RecipientUserID: "alice"})
	key := c.recvSealed().RecipientPublicKey
	der, err := cryptox.MarshalPublicKey(c.keys.Public)
	require.NoError(t, err)
	assert.Equal(t, der, key)

	c.sendToServer(&envelope.Payload{Type: envelope.TypeAllUserData})
	data := c.recvSealed()
	require.NotNil(t, data.UserDetails)
	assert.Equal(t, "alice", data.UserDetails.UserID)
	assert.Equal(t, "Alice", data.UserDetails.ScreenName)

	c.sendToServer(&envelope.Payload{Type: envelope.TypeDisconnect})

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after disconnect")
	}
	assert.Equal(t, 0, env.registry.Count())
}

func TestSession_LoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t)
	c.exchangeKeys()
	require.True(t, c.createAccount("bob", "Bob", "hunter2").AccountCreated)
	c.finishLogin()
	c.sendToServer(&envelope.Payload{Type: envelope.TypeDisconnect})
	<-c.done

	c2 := env.connect(t)
	c2.exchangeKeys()
	assert.False(t, c2.login("bob", "wrong").ValidPassword)
	// a failed attempt keeps the session usable
	assert.True(t, c2.login("bob", "hunter2").ValidPassword)
	c2.finishLogin()
	c2.sendToServer(&envelope.Payload{Type: envelope.TypeDisconnect})
	<-c2.done
}

func TestSession_DuplicateUserIDRejected(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t)
	c.exchangeKeys()
	require.True(t, c.createAccount("carol", "Carol", "pw").AccountCreated)
	c.finishLogin()
	c.sendToServer(&envelope.Payload{Type: envelope.TypeDisconnect})
	<-c.done

	c2 := env.connect(t)
	c2.exchangeKeys()
	assert.True(t, c2.createAccount("carol", "Other", "pw").UserIDTaken)
}

func TestSession_SecondLoginWhileOnlineRejected(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t)
	c.exchangeKeys()
	require.True(t, c.createAccount("dave", "Dave", "pw").AccountCreated)
	c.finishLogin()

	c2 := env.connect(t)
	c2.exchangeKeys()
	assert.False(t, c2.login("dave", "pw").ValidPassword)
}

// Two logins for the same user racing through password verification:
// exactly one may end up authenticated, whatever the interleaving.
func TestSession_ConcurrentLoginsSingleWinner(t *testing.T) {
	env := newTestEnv(t)

	boot := env.connect(t)
	boot.exchangeKeys()
	require.True(t, boot.createAccount("alice", "Alice", "pw").AccountCreated)
	boot.finishLogin()
	boot.sendToServer(&envelope.Payload{Type: envelope.TypeDisconnect})
	<-boot.done

	const attempts = 2
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		c := env.connect(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.exchangeKeys()
			reply := c.login("alice", "pw")
			results <- reply.ValidPassword
			if reply.ValidPassword {
				c.finishLogin()
			}
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.True(t, env.registry.IsOnline("alice"))
}

func TestSession_RelaysBetweenClients(t *testing.T) {
	env := newTestEnv(t)

	alice := env.connect(t)
	alice.exchangeKeys()
	require.True(t, alice.createAccount("alice", "Alice", "pw").AccountCreated)
	alice.finishLogin()

	bob := env.connect(t)
	bob.exchangeKeys()
	require.True(t, bob.createAccount("bob", "Bob", "pw").AccountCreated)
	bob.finishLogin()
	bob.sendToServer(&envelope.Payload{Type: envelope.TypeCanReceive, CanReceive: true})

	// client-scoped traffic is forwarded sealed; give the listener toggle a
	// moment to land before routing through it
	require.Eventually(t, func() bool {
		return env.registry.FindReceiving("bob") != nil
	}, 2*time.Second, 10*time.Millisecond)

	envBytes, sigBytes, _, err := alice.codec.Seal(
		&envelope.Payload{Type: envelope.TypeMessage, Sender: "alice", Message: "hello"},
		bob.keys.Public, alice.keys, envelope.ScopeClient, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.tr.SendPair(envBytes, sigBytes))

	got := bob.recvSealed()
	assert.Equal(t, envelope.TypeMessage, got.Type)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "hello", got.Message)
}

func TestSession_QueuedWhileOfflineDeliveredOnListen(t *testing.T) {
	env := newTestEnv(t)

	alice := env.connect(t)
	alice.exchangeKeys()
	require.True(t, alice.createAccount("alice", "Alice", "pw").AccountCreated)
	alice.finishLogin()

	bob := env.connect(t)
	bob.exchangeKeys()
	require.True(t, bob.createAccount("bob", "Bob", "pw").AccountCreated)
	bob.finishLogin()

	// bob exists but is not listening yet
	envBytes, sigBytes, _, err := alice.codec.Seal(
		&envelope.Payload{Type: envelope.TypeMessage, Sender: "alice", Message: "offline hello"},
		bob.keys.Public, alice.keys, envelope.ScopeClient, "bob")
	require.NoError(t, err)
	require.NoError(t, alice.tr.SendPair(envBytes, sigBytes))

	// nudge until the relay has queued it, then announce
	require.Eventually(t, func() bool {
		return env.relay.queue.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bob.sendToServer(&envelope.Payload{Type: envelope.TypeCanReceive, CanReceive: true})

	got := bob.recvSealed()
	assert.Equal(t, "offline hello", got.Message)
	assert.Equal(t, 0, env.relay.queue.Len())
}

func TestSession_InvalidSignatureDropped(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t)
	c.exchangeKeys()
	require.True(t, c.createAccount("eve", "Eve", "pw").AccountCreated)
	c.finishLogin()

	// pair one envelope with the signature of another: both parse, but the
	// signature does not cover the sent bytes
	envBytes, _, _, err := c.codec.Seal(
		&envelope.Payload{Type: envelope.TypeFriendCodeExists, FriendCode: "eve"},
		c.serverPub, c.keys, envelope.ScopeServer, "")
	require.NoError(t, err)
	_, otherSig, _, err := c.codec.Seal(
		&envelope.Payload{Type: envelope.TypeFriendCodeExists, FriendCode: "other"},
		c.serverPub, c.keys, envelope.ScopeServer, "")
	require.NoError(t, err)
	require.NoError(t, c.tr.SendPair(envBytes, otherSig))

	// session survives: the next well-formed request is answered
	c.sendToServer(&envelope.Payload{Type: envelope.TypeFriendCodeExists, FriendCode: "eve"})
	assert.True(t, c.recvSealed().Exists)
}

func TestSession_ChangeScreenNameAndDelete(t *testing.T) {
	env := newTestEnv(t)

	c := env.connect(t)
	c.exchangeKeys()
	require.True(t, c.createAccount("frank", "Frank", "pw").AccountCreated)
	c.finishLogin()

	c.sendToServer(&envelope.Payload{Type: envelope.TypeChangeScreenName, NewScreenName: "Francis"})

	require.Eventually(t, func() bool {
		u, err := env.repo.GetByID(context.Background(), "frank")
		return err == nil && u.ScreenName == "Francis"
	}, 2*time.Second, 10*time.Millisecond)

	c.sendToServer(&envelope.Payload{Type: envelope.TypeDeletingAccount})
	reply := c.recvSealed()
	require.True(t, reply.AccountDeleted)
	assert.Contains(t, reply.AccountDeletionName, "deleted account(")

	// the row survives under the marker
	_, err := env.repo.GetByID(context.Background(), "frank")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	u, err := env.repo.GetByID(context.Background(), reply.AccountDeletionName)
	require.NoError(t, err)
	assert.Equal(t, reply.AccountDeletionName, u.ScreenName)
}
