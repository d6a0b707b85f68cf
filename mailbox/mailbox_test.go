// SPDX-License-Identifier: ice License 1.0

package mailbox

import (
	"context"
	"sync"
	"testing"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
)

type fakePool struct {
	mx          sync.Mutex
	queries     []model.Filter
	published   map[string][]*model.Event
	relayLists  []*model.Event
	failingURLs map[string]struct{}
}

func newFakePool(relayLists ...*model.Event) *fakePool {
	return &fakePool{
		published:   make(map[string][]*model.Event),
		relayLists:  relayLists,
		failingURLs: make(map[string]struct{}),
	}
}

func (p *fakePool) Query(_ context.Context, _ []string, filter model.Filter) (events []*model.Event) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.queries = append(p.queries, filter)
	for _, event := range p.relayLists {
		for _, author := range filter.Authors {
			if event.PubKey == author {
				events = append(events, event)
			}
		}
	}

	return events
}

func (p *fakePool) Publish(_ context.Context, url string, event *model.Event) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if _, failing := p.failingURLs[url]; failing {
		return errors.Errorf("%v unreachable", url)
	}
	p.published[url] = append(p.published[url], event)

	return nil
}

func (p *fakePool) queryCount() int {
	p.mx.Lock()
	defer p.mx.Unlock()

	return len(p.queries)
}

func helperKeyPair(t *testing.T) (privKey, pubKey string) {
	t.Helper()
	privKey = nostr.GeneratePrivateKey()
	pubKey, err := nostr.GetPublicKey(privKey)
	require.NoError(t, err)

	return privKey, pubKey
}

func helperRelayList(t *testing.T, privKey string, tags nostr.Tags) *model.Event {
	t.Helper()
	ev := &model.Event{Event: nostr.Event{Kind: nostr.KindRelayListMetadata, CreatedAt: 100, Tags: tags}}
	require.NoError(t, ev.Sign(privKey))

	return ev
}

func helperDM(t *testing.T, privKey string, tags nostr.Tags) *model.Event {
	t.Helper()
	ev := &model.Event{Event: nostr.Event{Kind: nostr.KindEncryptedDirectMessage, CreatedAt: 200, Content: "?iv=", Tags: tags}}
	require.NoError(t, ev.Sign(privKey))

	return ev
}

func TestMain(m *testing.M) {
	query.MustInit(":memory:")
	m.Run()
}

func TestParseMailboxesMarkers(t *testing.T) {
	t.Parallel()
	privKey, _ := helperKeyPair(t)
	list := helperRelayList(t, privKey, nostr.Tags{
		{"r", "wss://both.example"},
		{"r", "wss://inbox.example", "read"},
		{"r", "wss://outbox.example", "write"},
		{"x", "wss://ignored.example"},
	})
	mailboxes := parseMailboxes(list)
	require.Equal(t, []string{"wss://both.example", "wss://inbox.example"}, mailboxes.Read)
	require.Equal(t, []string{"wss://both.example", "wss://outbox.example"}, mailboxes.Write)
}

func TestAddressBookCoalescesConcurrentLookups(t *testing.T) {
	t.Parallel()
	alicePrivKey, alicePubKey := helperKeyPair(t)
	bobPrivKey, bobPubKey := helperKeyPair(t)
	pool := newFakePool(
		helperRelayList(t, alicePrivKey, nostr.Tags{{"r", "wss://alice.example"}}),
		helperRelayList(t, bobPrivKey, nostr.Tags{{"r", "wss://bob.example"}}),
	)
	ab := NewAddressBook(pool, query.RootStore(), []string{"wss://contacts.example"}, WithCoalescingWindow(50*stdlibtime.Millisecond))
	defer ab.Close()

	var group errgroup.Group
	lookup := func(pubkey, expected string) func() error {
		return func() error {
			mailboxes, err := ab.LoadMailboxes(context.Background(), pubkey)
			if err != nil {
				return err
			}
			if len(mailboxes.Read) != 1 || mailboxes.Read[0] != expected {
				return errors.Errorf("unexpected mailboxes %+v", mailboxes)
			}

			return nil
		}
	}
	group.Go(lookup(alicePubKey, "wss://alice.example"))
	group.Go(lookup(bobPubKey, "wss://bob.example"))
	group.Go(lookup(alicePubKey, "wss://alice.example"))
	require.NoError(t, group.Wait())
	require.Equal(t, 1, pool.queryCount(), "lookups within one window share a single pool query")

	// Cached now: no further pool traffic.
	_, err := ab.LoadMailboxes(context.Background(), alicePubKey)
	require.NoError(t, err)
	require.Equal(t, 1, pool.queryCount())
}

func TestAddressBookPrefersLocalStore(t *testing.T) {
	t.Parallel()
	privKey, pubKey := helperKeyPair(t)
	list := helperRelayList(t, privKey, nostr.Tags{{"r", "wss://stored.example"}})
	require.NoError(t, query.RootStore().AcceptEvent(context.Background(), list))

	pool := newFakePool()
	ab := NewAddressBook(pool, query.RootStore(), []string{"wss://contacts.example"}, WithCoalescingWindow(stdlibtime.Millisecond))
	defer ab.Close()
	mailboxes, err := ab.LoadMailboxes(context.Background(), pubKey)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://stored.example"}, mailboxes.Read)
	require.Zero(t, pool.queryCount())
}

func TestAddressBookMissWithHintsFallsBack(t *testing.T) {
	t.Parallel()
	_, unknownPubKey := helperKeyPair(t)
	pool := newFakePool()
	ab := NewAddressBook(pool, query.RootStore(), []string{"wss://contacts.example"}, WithCoalescingWindow(stdlibtime.Millisecond))
	defer ab.Close()

	_, err := ab.LoadMailboxes(context.Background(), unknownPubKey)
	require.Error(t, err)

	mailboxes, err := ab.LoadMailboxes(context.Background(), unknownPubKey, "wss://hint.example")
	require.NoError(t, err)
	require.Equal(t, []string{"wss://hint.example"}, mailboxes.Read)
}

func TestDMForwarderDeliversToEveryInbox(t *testing.T) {
	t.Parallel()
	ownerPrivKey, _ := helperKeyPair(t)
	recipientPrivKey, recipientPubKey := helperKeyPair(t)
	pool := newFakePool(helperRelayList(t, recipientPrivKey, nostr.Tags{
		{"r", "wss://inbox-1.example", "read"},
		{"r", "wss://inbox-2.example", "read"},
		{"r", "wss://outbox.example", "write"},
	}))
	ab := NewAddressBook(pool, query.RootStore(), []string{"wss://contacts.example"}, WithCoalescingWindow(stdlibtime.Millisecond))
	defer ab.Close()
	forwarder := NewDMForwarder(pool, ab)

	dm := helperDM(t, ownerPrivKey, nostr.Tags{{"p", recipientPubKey}})
	delivered, attempted, err := forwarder.Forward(context.Background(), dm)
	require.NoError(t, err)
	require.Equal(t, 2, attempted)
	require.Equal(t, 2, delivered)
	require.Len(t, pool.published["wss://inbox-1.example"], 1)
	require.Len(t, pool.published["wss://inbox-2.example"], 1)
	require.Empty(t, pool.published["wss://outbox.example"], "write relays are not inboxes")
}

func TestDMForwarderPartialDelivery(t *testing.T) {
	t.Parallel()
	ownerPrivKey, _ := helperKeyPair(t)
	recipientPrivKey, recipientPubKey := helperKeyPair(t)
	pool := newFakePool(helperRelayList(t, recipientPrivKey, nostr.Tags{
		{"r", "wss://up.example", "read"},
		{"r", "wss://down.example", "read"},
	}))
	pool.failingURLs["wss://down.example"] = struct{}{}
	ab := NewAddressBook(pool, query.RootStore(), []string{"wss://contacts.example"}, WithCoalescingWindow(stdlibtime.Millisecond))
	defer ab.Close()
	forwarder := NewDMForwarder(pool, ab)

	dm := helperDM(t, ownerPrivKey, nostr.Tags{{"p", recipientPubKey}})
	delivered, attempted, err := forwarder.Forward(context.Background(), dm)
	require.Error(t, err)
	require.Equal(t, 2, attempted)
	require.Equal(t, 1, delivered)
}

func TestDMForwarderWithoutRecipient(t *testing.T) {
	t.Parallel()
	ownerPrivKey, _ := helperKeyPair(t)
	pool := newFakePool()
	ab := NewAddressBook(pool, query.RootStore(), nil, WithCoalescingWindow(stdlibtime.Millisecond))
	defer ab.Close()
	forwarder := NewDMForwarder(pool, ab)

	dm := helperDM(t, ownerPrivKey, nostr.Tags{})
	delivered, attempted, err := forwarder.Forward(context.Background(), dm)
	require.Error(t, err)
	require.Zero(t, attempted)
	require.Zero(t, delivered)
}
