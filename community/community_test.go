// SPDX-License-Identifier: ice License 1.0

package community

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
)

type fakeUpstream struct {
	mx            sync.Mutex
	published     []*model.Event
	subscriptions []model.Filters
	callbacks     []func(*model.Event)
	closed        bool
}

func (u *fakeUpstream) Publish(_ context.Context, event *model.Event) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.published = append(u.published, event)

	return nil
}

func (u *fakeUpstream) Subscribe(_ context.Context, filters model.Filters, onEvent func(*model.Event)) error {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.subscriptions = append(u.subscriptions, filters)
	u.callbacks = append(u.callbacks, onEvent)

	return nil
}

func (u *fakeUpstream) Close() error {
	u.mx.Lock()
	defer u.mx.Unlock()
	u.closed = true

	return nil
}

func (u *fakeUpstream) subscriptionCount() int {
	u.mx.Lock()
	defer u.mx.Unlock()

	return len(u.subscriptions)
}

func (u *fakeUpstream) emit(event *model.Event) {
	u.mx.Lock()
	callbacks := append([]func(*model.Event){}, u.callbacks...)
	u.mx.Unlock()
	for _, cb := range callbacks {
		cb(event)
	}
}

func helperKeyPair(t *testing.T) (privKey, pubKey string) {
	t.Helper()
	privKey = nostr.GeneratePrivateKey()
	pubKey, err := nostr.GetPublicKey(privKey)
	require.NoError(t, err)

	return privKey, pubKey
}

func helperSignedEvent(t *testing.T, privKey string, kind model.Kind, createdAt model.Timestamp, content string, tags nostr.Tags) *model.Event {
	t.Helper()
	if tags == nil {
		tags = nostr.Tags{}
	}
	ev := &model.Event{Event: nostr.Event{Kind: kind, CreatedAt: createdAt, Content: content, Tags: tags}}
	require.NoError(t, ev.Sign(privKey))

	return ev
}

func helperStoreDefinition(t *testing.T, privKey string, addresses ...string) {
	t.Helper()
	tags := nostr.Tags{}
	for _, addr := range addresses {
		tags = append(tags, nostr.Tag{"r", addr})
	}
	definition := helperSignedEvent(t, privKey, model.KindCommunityDefinition, 100, "", tags)
	require.NoError(t, query.RootStore().AcceptEvent(context.Background(), definition))
}

func helperNewProxy(t *testing.T, pubKey string, upstream Upstream, dialErr error) *Proxy {
	t.Helper()
	dial := func(context.Context, string) (Upstream, error) {
		if dialErr != nil {
			return nil, dialErr
		}

		return upstream, nil
	}

	return NewProxy(pubKey, query.LabeledStore(pubKey), query.RootStore(), dial, DirectResolver(), nil)
}

func helperSelectAll(t *testing.T, store *query.Store, kinds ...model.Kind) (events []*model.Event) {
	t.Helper()
	filter := model.Filter{}
	filter.Kinds = kinds
	it := store.SelectEvents(context.Background(), &model.Subscription{Filters: model.Filters{filter}})
	for ev, err := range it {
		require.NoError(t, err)
		events = append(events, ev)
	}

	return events
}

func TestMain(m *testing.M) {
	query.MustInit(":memory:")
	m.Run()
}

func TestProxyConnectOpensMetadataAndDeletionSync(t *testing.T) {
	communityPrivKey, communityPubKey := helperKeyPair(t)
	helperStoreDefinition(t, communityPrivKey, "https://irrelevant.example", "wss://upstream.example")

	upstream := &fakeUpstream{}
	proxy := helperNewProxy(t, communityPubKey, upstream, nil)
	require.NoError(t, proxy.Connect(context.Background()))
	require.Equal(t, 2, upstream.subscriptionCount())
	require.Contains(t, upstream.subscriptions[0][0].Kinds, model.KindCommunityDefinition)
	require.Equal(t, []string{communityPubKey}, upstream.subscriptions[0][0].Authors)
	require.Equal(t, []model.Kind{nostr.KindDeletion}, upstream.subscriptions[1][0].Kinds)
}

func TestProxyConnectWithoutDefinitionFails(t *testing.T) {
	_, communityPubKey := helperKeyPair(t)
	proxy := helperNewProxy(t, communityPubKey, &fakeUpstream{}, nil)
	require.ErrorContains(t, proxy.Connect(context.Background()), "definition")
}

func TestProxyPublishWithoutUpstream(t *testing.T) {
	communityPrivKey, communityPubKey := helperKeyPair(t)
	helperStoreDefinition(t, communityPrivKey, "wss://upstream.example")
	proxy := helperNewProxy(t, communityPubKey, nil, errors.New("connection refused"))
	require.Error(t, proxy.Connect(context.Background()))

	memberPrivKey, _ := helperKeyPair(t)
	event := helperSignedEvent(t, memberPrivKey, nostr.KindTextNote, 200, "hi", nil)
	require.ErrorIs(t, proxy.Publish(context.Background(), event), ErrNoUpstream)
}

func TestProxyChannelTrackingIsIdempotent(t *testing.T) {
	communityPrivKey, communityPubKey := helperKeyPair(t)
	helperStoreDefinition(t, communityPrivKey, "wss://upstream.example")
	upstream := &fakeUpstream{}
	proxy := helperNewProxy(t, communityPubKey, upstream, nil)
	require.NoError(t, proxy.Connect(context.Background()))
	baseline := upstream.subscriptionCount()

	subscription := &model.Subscription{Filters: model.Filters{{Filter: nostr.Filter{
		Kinds: []model.Kind{model.KindChannelMessage},
		Tags:  nostr.TagMap{model.ChannelTag: []string{"chan-1", "chan-2"}},
	}}}}
	proxy.TrackChannels(context.Background(), subscription)
	require.Equal(t, baseline+2, upstream.subscriptionCount())
	require.ElementsMatch(t, []string{"chan-1", "chan-2"}, proxy.TrackedChannels())

	// Repeating the same channels opens nothing new.
	proxy.TrackChannels(context.Background(), subscription)
	require.Equal(t, baseline+2, upstream.subscriptionCount())

	channelFilter := upstream.subscriptions[baseline][0]
	require.Equal(t, []model.Kind{model.KindChannelMessage, model.KindChannelHide, model.KindChannelThread, model.KindChannelReply}, channelFilter.Kinds)
}

func TestProxyUpstreamEventsLandInLabeledStore(t *testing.T) {
	communityPrivKey, communityPubKey := helperKeyPair(t)
	helperStoreDefinition(t, communityPrivKey, "wss://upstream.example")
	upstream := &fakeUpstream{}
	proxy := helperNewProxy(t, communityPubKey, upstream, nil)
	require.NoError(t, proxy.Connect(context.Background()))

	memberPrivKey, _ := helperKeyPair(t)
	note := helperSignedEvent(t, memberPrivKey, nostr.KindTextNote, 300, "channel post", nostr.Tags{{model.ChannelTag, "chan-1"}})
	upstream.emit(note)

	stored := helperSelectAll(t, query.LabeledStore(communityPubKey), nostr.KindTextNote)
	require.Len(t, stored, 1)
	require.Equal(t, note.ID, stored[0].ID)
	require.Empty(t, helperSelectAll(t, query.RootStore(), nostr.KindTextNote), "community events stay out of the root partition")
}

func TestProxyCommunityDeletionIsUnconditional(t *testing.T) {
	communityPrivKey, communityPubKey := helperKeyPair(t)
	helperStoreDefinition(t, communityPrivKey, "wss://upstream.example")
	upstream := &fakeUpstream{}
	proxy := helperNewProxy(t, communityPubKey, upstream, nil)
	require.NoError(t, proxy.Connect(context.Background()))

	memberPrivKey, _ := helperKeyPair(t)
	strangerPrivKey, _ := helperKeyPair(t)
	note := helperSignedEvent(t, memberPrivKey, nostr.KindTextNote, 300, "to be moderated", nil)
	upstream.emit(note)
	require.Len(t, helperSelectAll(t, query.LabeledStore(communityPubKey), nostr.KindTextNote), 1)

	// A random pubkey cannot delete someone else's event.
	strangerDelete := helperSignedEvent(t, strangerPrivKey, nostr.KindDeletion, 301, "", nostr.Tags{{"e", note.ID}})
	upstream.emit(strangerDelete)
	require.Len(t, helperSelectAll(t, query.LabeledStore(communityPubKey), nostr.KindTextNote), 1)

	// The community identity can.
	moderation := helperSignedEvent(t, communityPrivKey, nostr.KindDeletion, 302, "", nostr.Tags{{"e", note.ID}})
	upstream.emit(moderation)
	require.Empty(t, helperSelectAll(t, query.LabeledStore(communityPubKey), nostr.KindTextNote))
}

func TestProxyDropsForgedUpstreamEvents(t *testing.T) {
	communityPrivKey, communityPubKey := helperKeyPair(t)
	helperStoreDefinition(t, communityPrivKey, "wss://upstream.example")
	upstream := &fakeUpstream{}
	proxy := helperNewProxy(t, communityPubKey, upstream, nil)
	require.NoError(t, proxy.Connect(context.Background()))

	memberPrivKey, _ := helperKeyPair(t)
	forged := helperSignedEvent(t, memberPrivKey, nostr.KindTextNote, 303, "original", nil)
	forged.Content = "forged"
	forged.ID = forged.GetID()
	upstream.emit(forged)
	require.Empty(t, helperSelectAll(t, query.LabeledStore(communityPubKey), nostr.KindTextNote))
}

func TestDirectResolver(t *testing.T) {
	t.Parallel()
	url, err := DirectResolver().Resolve(context.Background(), []string{"https://web.example", "wss://relay.example"})
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example", url)

	_, err = DirectResolver().Resolve(context.Background(), []string{"https://web.example"})
	require.Error(t, err)
}

func TestMultiplexerLazyCreationAndIsolation(t *testing.T) {
	onePrivKey, onePubKey := helperKeyPair(t)
	_, twoPubKey := helperKeyPair(t)
	helperStoreDefinition(t, onePrivKey, "wss://one.example")

	upstream := &fakeUpstream{}
	dial := func(context.Context, string) (Upstream, error) { return upstream, nil }
	mux := NewMultiplexer(query.RootStore(), query.LabeledStore, dial, DirectResolver(), "wss://local.example")

	_, found := mux.Peek(onePubKey)
	require.False(t, found)
	one := mux.Get(context.Background(), onePubKey)
	require.Same(t, one, mux.Get(context.Background(), onePubKey), "second access reuses the instance")
	two := mux.Get(context.Background(), twoPubKey)
	require.NotSame(t, one, two)
	require.NotNil(t, one.Handler)
	require.NoError(t, mux.Close())

	_, found = mux.Peek(onePubKey)
	require.False(t, found, "closed multiplexer forgets its communities")
}
