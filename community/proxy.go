// SPDX-License-Identifier: ice License 1.0

package community

import (
	"context"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
)

// Proxy bridges one community's labeled store to its upstream relay. The
// local instance is a cache, never authoritative: local publishes go
// upstream, and metadata/deletion/channel subscriptions replay upstream
// history into the labeled store.
type Proxy struct {
	pubkey    string
	store     *query.Store
	rootStore *query.Store
	dial      UpstreamDialer
	connMgr   ConnectionManager
	onSynced  func(ctx context.Context, event *model.Event)

	mx       sync.Mutex
	upstream Upstream
	channels map[string]struct{}
	cancel   context.CancelFunc
}

// metadataKinds are synced from upstream on connect, scoped to the
// community identity.
var metadataKinds = []model.Kind{
	nostr.KindProfileMetadata,
	nostr.KindRelayListMetadata,
	model.KindCommunityDefinition,
	model.KindCommunityGroup,
	model.KindCommunityAdmins,
	model.KindCommunityMembers,
}

func NewProxy(pubkey string, store, rootStore *query.Store, dial UpstreamDialer, connMgr ConnectionManager, onSynced func(context.Context, *model.Event)) *Proxy {
	return &Proxy{
		pubkey:    pubkey,
		store:     store,
		rootStore: rootStore,
		dial:      dial,
		connMgr:   connMgr,
		onSynced:  onSynced,
		channels:  make(map[string]struct{}),
	}
}

// Connect resolves the community definition and establishes the upstream
// connection. A failure leaves the proxy without an upstream; local reads
// still work, publishes surface ErrNoUpstream.
func (p *Proxy) Connect(ctx context.Context) error {
	definition, err := p.loadDefinition(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to load definition of community %v", p.pubkey)
	}
	address, err := p.connMgr.Resolve(ctx, definition.TagValues("r"))
	if err != nil {
		return errors.Wrapf(err, "failed to resolve upstream address of community %v", p.pubkey)
	}
	upstream, err := p.dial(ctx, address)
	if err != nil {
		return errors.Wrapf(err, "failed to connect community %v upstream %v", p.pubkey, address)
	}

	p.mx.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.upstream = upstream
	p.mx.Unlock()

	if err = p.syncMetadata(ctx, upstream); err != nil {
		return errors.Wrapf(err, "failed to start upstream sync for community %v", p.pubkey)
	}

	return nil
}

func (p *Proxy) loadDefinition(ctx context.Context) (*model.Event, error) {
	limit := 1
	subscription := &model.Subscription{Filters: model.Filters{{Filter: nostr.Filter{
		Kinds:   []model.Kind{model.KindCommunityDefinition},
		Authors: []string{p.pubkey},
		Limit:   limit,
	}}}}
	for event, err := range p.rootStore.SelectEvents(ctx, subscription) {
		if err != nil {
			return nil, errors.Wrap(err, "failed to query community definition")
		}

		return event, nil
	}

	return nil, errors.New("community definition not found")
}

func (p *Proxy) syncMetadata(ctx context.Context, upstream Upstream) error {
	metadata := model.Filters{{Filter: nostr.Filter{
		Kinds:   metadataKinds,
		Authors: []string{p.pubkey},
	}}}
	if err := upstream.Subscribe(ctx, metadata, func(event *model.Event) { p.ingest(ctx, event) }); err != nil {
		return errors.Wrap(err, "failed to subscribe to upstream metadata")
	}
	deletions := model.Filters{{Filter: nostr.Filter{Kinds: []model.Kind{nostr.KindDeletion}}}}
	if err := upstream.Subscribe(ctx, deletions, func(event *model.Event) { p.ingest(ctx, event) }); err != nil {
		return errors.Wrap(err, "failed to subscribe to upstream deletions")
	}

	return nil
}

// ingest applies one upstream-sourced event to the labeled store. A
// deletion signed by the community identity is honored unconditionally;
// everything else goes through the store's ownership rules.
func (p *Proxy) ingest(ctx context.Context, event *model.Event) {
	if err := event.Validate(); err != nil {
		log.Printf("WARN: community %v: dropping invalid upstream event %v: %v", p.pubkey, event.ID, err)

		return
	}
	err := p.Accept(ctx, event)
	if err != nil && !errors.Is(err, model.ErrDuplicate) {
		log.Printf("WARN: community %v: failed to ingest upstream event %v: %v", p.pubkey, event.ID, err)

		return
	}
	if err == nil && p.onSynced != nil {
		p.onSynced(ctx, event)
	}
}

// Accept persists one event into the labeled store. A deletion signed by
// the community identity bypasses the per-author ownership check.
func (p *Proxy) Accept(ctx context.Context, event *model.Event) error {
	if event.Kind == nostr.KindDeletion && event.PubKey == p.pubkey {
		return p.deleteUnconditionally(ctx, event)
	}

	return p.store.AcceptEvent(ctx, event)
}

func (p *Proxy) deleteUnconditionally(ctx context.Context, event *model.Event) error {
	refs, err := model.ParseEventReference(event.Tags)
	if err != nil {
		return errors.Wrap(err, "failed to parse deletion references")
	}
	filters := model.Filters{}
	for _, ref := range refs {
		filters = append(filters, ref.Filter())
	}
	if len(filters) == 0 {
		return nil
	}

	return errors.Wrap(p.store.DeleteEvents(ctx, &model.Subscription{Filters: filters}, ""), "failed to apply community deletion")
}

// Publish forwards a locally submitted event upstream. The upstream copy
// is the authoritative one.
func (p *Proxy) Publish(ctx context.Context, event *model.Event) error {
	p.mx.Lock()
	upstream := p.upstream
	p.mx.Unlock()
	if upstream == nil {
		return ErrNoUpstream
	}

	return errors.Wrapf(upstream.Publish(ctx, event), "failed to publish event %v upstream", event.ID)
}

// TrackChannels opens one idempotent upstream subscription per distinct
// channel id referenced by the local subscription's `#h` filters.
func (p *Proxy) TrackChannels(ctx context.Context, subscription *model.Subscription) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.upstream == nil {
		return
	}
	for filterIdx := range subscription.Filters {
		for _, channel := range subscription.Filters[filterIdx].Tags[model.ChannelTag] {
			if _, tracked := p.channels[channel]; tracked {
				continue
			}
			p.channels[channel] = struct{}{}
			filters := model.Filters{{Filter: nostr.Filter{
				Kinds: []model.Kind{model.KindChannelMessage, model.KindChannelHide, model.KindChannelThread, model.KindChannelReply},
				Tags:  nostr.TagMap{model.ChannelTag: []string{channel}},
			}}}
			if err := p.upstream.Subscribe(ctx, filters, func(event *model.Event) { p.ingest(ctx, event) }); err != nil {
				log.Printf("WARN: community %v: failed to track channel %v: %v", p.pubkey, channel, err)
				delete(p.channels, channel)
			}
		}
	}
}

// TrackedChannels reports the channel ids with a live upstream subscription.
func (p *Proxy) TrackedChannels() []string {
	p.mx.Lock()
	defer p.mx.Unlock()
	channels := make([]string, 0, len(p.channels))
	for channel := range p.channels {
		channels = append(channels, channel)
	}

	return channels
}

func (p *Proxy) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.upstream == nil {
		return nil
	}
	upstream := p.upstream
	p.upstream = nil

	return errors.Wrapf(upstream.Close(), "failed to close upstream of community %v", p.pubkey)
}
