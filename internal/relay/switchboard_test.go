package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscriber collects delivered envelopes.
type fakeSubscriber struct {
	mu   sync.Mutex
	envs []Envelope
	fail bool
}

func (f *fakeSubscriber) Deliver(env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeSubscriber) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func (f *fakeSubscriber) delivered() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, len(f.envs))
	copy(out, f.envs)
	return out
}

type fakeDirectory struct {
	mu       sync.Mutex
	names    []string
	sent     map[string]int
	received map[string]int
}

func newFakeDirectory(names ...string) *fakeDirectory {
	return &fakeDirectory{names: names, sent: map[string]int{}, received: map[string]int{}}
}

func (d *fakeDirectory) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.names
}

func (d *fakeDirectory) RecordSent(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[name]++
	return nil
}

func (d *fakeDirectory) RecordReceived(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received[name]++
	return nil
}

func newTestSwitchboard(dir Directory) *Switchboard {
	return NewSwitchboard(Config{}, dir, nil, nil)
}

func TestPublishDirect(t *testing.T) {
	dir := newFakeDirectory("alice", "bob")
	sb := newTestSwitchboard(dir)
	bob := &fakeSubscriber{}
	sb.Subscribe("bob", bob)

	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "hello")))

	envs := bob.delivered()
	require.Len(t, envs, 1)
	assert.Equal(t, "alice", envs[0].From)
	assert.Equal(t, "hello", envs[0].Body)
	assert.Equal(t, 1, dir.sent["alice"])
	assert.Equal(t, 1, dir.received["bob"])
}

func TestPublishUnknownRecipient(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice"))

	err := sb.Publish(NewEnvelope("alice", "ghost", "anyone there"))
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestPublishRejectsEmptySender(t *testing.T) {
	sb := newTestSwitchboard(nil)
	assert.ErrorIs(t, sb.Publish(NewEnvelope("", "bob", "x")), ErrEmptySender)
}

func TestSenderHashSuppressesReparsedLine(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob"))
	bob := &fakeSubscriber{}
	sb.Subscribe("bob", bob)

	// Same line parsed twice from overlapping output windows produces
	// two envelopes with distinct ids but identical content.
	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "hello")))
	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "hello")))

	assert.Len(t, bob.delivered(), 1)
}

func TestRecipientIDDedupe(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob"))
	bob := &fakeSubscriber{}
	sb.Subscribe("bob", bob)

	env := NewEnvelope("alice", "bob", "hello")
	require.NoError(t, sb.Publish(env))

	// Force-route the same envelope id again past the sender hash.
	sb.deliverTo("bob", env)

	assert.Len(t, bob.delivered(), 1)
}

func TestBroadcastExcludesSender(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob", "carol"))
	alice := &fakeSubscriber{}
	bob := &fakeSubscriber{}
	carol := &fakeSubscriber{}
	sb.Subscribe("alice", alice)
	sb.Subscribe("bob", bob)
	sb.Subscribe("carol", carol)

	require.NoError(t, sb.Publish(NewEnvelope("alice", "*", "all hands")))

	assert.Len(t, alice.delivered(), 0)
	assert.Len(t, bob.delivered(), 1)
	assert.Len(t, carol.delivered(), 1)
}

func TestChannelFanOut(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob", "carol"))
	bob := &fakeSubscriber{}
	carol := &fakeSubscriber{}
	sb.Subscribe("bob", bob)
	sb.Subscribe("carol", carol)

	sb.Join("#build", "alice")
	sb.Join("#build", "bob")
	sb.Join("#build", "carol")

	require.NoError(t, sb.Publish(NewEnvelope("alice", "#build", "build green")))

	assert.Len(t, bob.delivered(), 1)
	assert.Len(t, carol.delivered(), 1)
}

func TestChannelJoinLeaveViaCommandEnvelopes(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob"))

	join := NewEnvelope("bob", "#build", cmdChannelJoin)
	join.Kind = KindCommand
	require.NoError(t, sb.Publish(join))
	assert.Equal(t, []string{"bob"}, sb.Members("#build"))

	leave := NewEnvelope("bob", "#build", cmdChannelLeave)
	leave.Kind = KindCommand
	require.NoError(t, sb.Publish(leave))
	assert.Empty(t, sb.Members("#build"))
}

func TestDMChannelNormalization(t *testing.T) {
	assert.Equal(t, "dm:alice:bob", NormalizeChannel("dm:bob:alice"))
	assert.Equal(t, "dm:alice:bob", DMChannel("bob", "alice"))

	sb := newTestSwitchboard(nil)
	sb.Join("dm:bob:alice", "alice")
	assert.Equal(t, []string{"alice"}, sb.Members("dm:alice:bob"))
}

func TestOfflineParkAndFlushOnSubscribe(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob"))

	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "while you were out")))
	assert.Equal(t, 1, sb.PendingFor("bob"))

	bob := &fakeSubscriber{}
	sb.Subscribe("bob", bob)

	envs := bob.delivered()
	require.Len(t, envs, 1)
	assert.Equal(t, "while you were out", envs[0].Body)
}

func TestOfflineOverflowPreservesUrgent(t *testing.T) {
	sb := NewSwitchboard(Config{OfflineQueueCap: 2}, newFakeDirectory("alice", "bob"), nil, nil)

	urgent := NewEnvelope("alice", "bob", "urgent one")
	urgent.Importance = ImportanceUrgent
	require.NoError(t, sb.Publish(urgent))
	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "plain one")))
	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "plain two")))

	bob := &fakeSubscriber{}
	sb.Subscribe("bob", bob)

	envs := bob.delivered()
	require.Len(t, envs, 2)
	assert.Equal(t, "urgent one", envs[0].Body)
	assert.Equal(t, "plain two", envs[1].Body)
}

func TestSweepDropsNeverOnlineRecipient(t *testing.T) {
	sb := NewSwitchboard(Config{OfflineTTL: time.Millisecond}, newFakeDirectory("alice", "bob"), nil, nil)
	sb.Join("#build", "bob")

	require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", "stale")))

	sb.sweep(time.Now().Add(time.Hour))

	assert.Equal(t, 0, sb.PendingFor("bob"))
	assert.Empty(t, sb.Members("#build"))
}

func TestPerPairOrderingPreserved(t *testing.T) {
	sb := newTestSwitchboard(newFakeDirectory("alice", "bob"))
	bob := &fakeSubscriber{}
	sb.Subscribe("bob", bob)

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, sb.Publish(NewEnvelope("alice", "bob", body)))
	}

	envs := bob.delivered()
	require.Len(t, envs, 3)
	assert.Equal(t, "one", envs[0].Body)
	assert.Equal(t, "two", envs[1].Body)
	assert.Equal(t, "three", envs[2].Body)
}

func TestRenderStableLayout(t *testing.T) {
	env := NewEnvelope("alice", "bob", "ship it")
	assert.Equal(t, "[relay] alice: ship it", Render(env))

	env.Thread = "deploy"
	assert.Equal(t, "[relay:deploy] alice: ship it", Render(env))
}
