package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiver struct {
	userID     string
	canReceive bool

	mu        sync.Mutex
	delivered [][2][]byte
	failOn    int
	calls     int
}

func (f *fakeReceiver) UserID() string   { return f.userID }
func (f *fakeReceiver) CanReceive() bool { return f.canReceive }

func (f *fakeReceiver) Deliver(envBytes, sigBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return errors.New("write: broken pipe")
	}
	f.delivered = append(f.delivered, [2][]byte{envBytes, sigBytes})
	return nil
}

func (f *fakeReceiver) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

var (
	testKeysOnce sync.Once
	testSender   *cryptox.KeyPair
	testRecip    *cryptox.KeyPair
)

func testKeys(t *testing.T) (sender, recipient *cryptox.KeyPair) {
	t.Helper()
	testKeysOnce.Do(func() {
		var err error
		testSender, err = cryptox.GenerateKeyPair()
		require.NoError(t, err)
		testRecip, err = cryptox.GenerateKeyPair()
		require.NoError(t, err)
	})
	return testSender, testRecip
}

func sealFor(t *testing.T, recipientUserID string) (envBytes, sigBytes []byte) {
	t.Helper()
	sender, recipient := testKeys(t)
	codec := envelope.NewCodec(envelope.ScopeServer)
	envBytes, sigBytes, _, err := codec.Seal(
		&envelope.Payload{Type: envelope.TypeMessage, Message: "hi"},
		recipient.Public, sender, envelope.ScopeClient, recipientUserID)
	require.NoError(t, err)
	return envBytes, sigBytes
}

func newTestRelay() (*Relay, *Registry, *PendingQueue) {
	reg := NewRegistry()
	q := NewPendingQueue()
	return NewRelay(reg, q, logging.Discard()), reg, q
}

// addOnline registers f and claims its user id, the way a session does at
// login.
func addOnline(t *testing.T, reg *Registry, f *fakeReceiver) {
	t.Helper()
	reg.Add(f)
	require.True(t, reg.Claim(f.userID, f))
}

func TestRegistry_OnlineTracking(t *testing.T) {
	reg := NewRegistry()
	a := &fakeReceiver{userID: "alice"}
	b := &fakeReceiver{userID: "bob", canReceive: true}

	addOnline(t, reg, a)
	addOnline(t, reg, b)
	assert.Equal(t, 2, reg.Count())
	assert.True(t, reg.IsOnline("alice"))
	assert.False(t, reg.IsOnline("carol"))

	// online but not listening
	assert.Nil(t, reg.FindReceiving("alice"))
	assert.Equal(t, b, reg.FindReceiving("bob"))

	reg.Remove(b)
	assert.False(t, reg.IsOnline("bob"))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_IgnoresUnauthenticatedSessions(t *testing.T) {
	reg := NewRegistry()
	unauth := &fakeReceiver{userID: ""}
	reg.Add(unauth)
	assert.False(t, reg.IsOnline(""))
	assert.False(t, reg.Claim("", unauth))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_ClaimIsExclusive(t *testing.T) {
	reg := NewRegistry()
	a := &fakeReceiver{userID: "alice"}
	b := &fakeReceiver{userID: "alice"}
	reg.Add(a)
	reg.Add(b)

	require.True(t, reg.Claim("alice", a))
	assert.True(t, reg.Claim("alice", a), "re-claim by the holder")
	assert.False(t, reg.Claim("alice", b))

	// a release by the loser must not free the winner's claim
	reg.Release("alice", b)
	assert.True(t, reg.IsOnline("alice"))

	reg.Release("alice", a)
	assert.False(t, reg.IsOnline("alice"))
	assert.True(t, reg.Claim("alice", b))
}

// Many sessions racing to claim one user id: exactly one may win, however
// the attempts interleave.
func TestRegistry_ConcurrentClaimSingleWinner(t *testing.T) {
	reg := NewRegistry()

	const contenders = 16
	var wg sync.WaitGroup
	var wins int64
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f := &fakeReceiver{userID: "alice"}
			reg.Add(f)
			if reg.Claim("alice", f) {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.True(t, reg.IsOnline("alice"))
}

func TestRelay_DeliversToListeningRecipient(t *testing.T) {
	relay, reg, q := newTestRelay()
	bob := &fakeReceiver{userID: "bob", canReceive: true}
	addOnline(t, reg, bob)

	envBytes, sigBytes := sealFor(t, "bob")
	require.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))

	require.Equal(t, 1, bob.deliveredCount())
	assert.Equal(t, envBytes, bob.delivered[0][0])
	assert.Equal(t, sigBytes, bob.delivered[0][1])
	assert.Equal(t, 0, q.Len())
}

func TestRelay_QueuesForOfflineRecipient(t *testing.T) {
	relay, _, q := newTestRelay()

	envBytes, sigBytes := sealFor(t, "bob")
	require.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))
	assert.Equal(t, 1, q.Len())
}

func TestRelay_QueuesWhenNotListening(t *testing.T) {
	relay, reg, q := newTestRelay()
	bob := &fakeReceiver{userID: "bob", canReceive: false}
	addOnline(t, reg, bob)

	envBytes, sigBytes := sealFor(t, "bob")
	require.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))

	assert.Equal(t, 0, bob.deliveredCount())
	assert.Equal(t, 1, q.Len())
}

func TestRelay_QueuesOnDeliveryFailure(t *testing.T) {
	relay, reg, q := newTestRelay()
	bob := &fakeReceiver{userID: "bob", canReceive: true, failOn: 1}
	addOnline(t, reg, bob)

	envBytes, sigBytes := sealFor(t, "bob")
	require.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))

	assert.Equal(t, 0, bob.deliveredCount())
	assert.Equal(t, 1, q.Len())
}

func TestRelay_AnnounceListeningReplaysInOrder(t *testing.T) {
	relay, reg, q := newTestRelay()

	var pairs [][2][]byte
	for i := 0; i < 5; i++ {
		envBytes, sigBytes := sealFor(t, "bob")
		pairs = append(pairs, [2][]byte{envBytes, sigBytes})
		require.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))
	}
	// traffic for someone else stays put
	otherEnv, otherSig := sealFor(t, "carol")
	require.NoError(t, relay.Route(context.Background(), otherEnv, otherSig))
	require.Equal(t, 6, q.Len())

	bob := &fakeReceiver{userID: "bob", canReceive: true}
	addOnline(t, reg, bob)
	relay.AnnounceListening(context.Background(), bob)

	require.Equal(t, 5, bob.deliveredCount())
	for i, pair := range pairs {
		assert.Equal(t, pair, bob.delivered[i], "message %d out of order", i)
	}
	assert.Equal(t, 1, q.Len())
}

func TestRelay_ReplayRestoresUndeliveredOnFailure(t *testing.T) {
	relay, reg, q := newTestRelay()

	for i := 0; i < 3; i++ {
		envBytes, sigBytes := sealFor(t, "bob")
		require.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))
	}

	// first delivery succeeds, second fails: one out, two back in queue
	bob := &fakeReceiver{userID: "bob", canReceive: true, failOn: 2}
	addOnline(t, reg, bob)
	relay.AnnounceListening(context.Background(), bob)

	assert.Equal(t, 1, bob.deliveredCount())
	assert.Equal(t, 2, q.Len())
}

// Concurrent senders routing to an offline recipient must neither drop nor
// duplicate: the replay delivers every message exactly once.
func TestRelay_ConcurrentRoutingExactlyOnce(t *testing.T) {
	relay, reg, q := newTestRelay()

	envBytes, sigBytes := sealFor(t, "bob")

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				assert.NoError(t, relay.Route(context.Background(), envBytes, sigBytes))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, senders*perSender, q.Len())

	bob := &fakeReceiver{userID: "bob", canReceive: true}
	addOnline(t, reg, bob)
	relay.AnnounceListening(context.Background(), bob)

	assert.Equal(t, senders*perSender, bob.deliveredCount())
	assert.Equal(t, 0, q.Len())
}

func TestPendingQueue_TakeForIsSelective(t *testing.T) {
	q := NewPendingQueue()
	q.Enqueue("a", []byte("1"), nil)
	q.Enqueue("b", []byte("2"), nil)
	q.Enqueue("a", []byte("3"), nil)

	got := q.TakeFor("a")
	require.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got[0].Envelope)
	assert.Equal(t, []byte("3"), got[1].Envelope)
	assert.Equal(t, 1, q.Len())

	assert.Empty(t, q.TakeFor("a"))
}

func TestPendingQueue_RestorePrepends(t *testing.T) {
	q := NewPendingQueue()
	q.Enqueue("a", []byte("late"), nil)
	q.Restore([]PendingDelivery{{RecipientUserID: "a", Envelope: []byte("early")}})

	got := q.TakeFor("a")
	require.Len(t, got, 2)
	assert.Equal(t, []byte("early"), got[0].Envelope)
	assert.Equal(t, []byte("late"), got[1].Envelope)
}
