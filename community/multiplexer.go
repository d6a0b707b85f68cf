// SPDX-License-Identifier: ice License 1.0

package community

import (
	"context"
	"log"

	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
	"github.com/ice-blockchain/outpost/server/ws"
)

func NewMultiplexer(rootStore *query.Store, newStore func(label string) *query.Store, dial UpstreamDialer, connMgr ConnectionManager, relayURL string) *Multiplexer {
	return &Multiplexer{
		rootStore:   rootStore,
		newStore:    newStore,
		dial:        dial,
		connMgr:     connMgr,
		relayURL:    relayURL,
		communities: make(map[string]*Community),
	}
}

// Get returns the community for the given identity pubkey, creating it on
// first access. Creation kicks off the upstream connect in the background:
// a community whose upstream is down still serves its local cache.
func (m *Multiplexer) Get(ctx context.Context, pubkey string) *Community {
	m.mx.Lock()
	defer m.mx.Unlock()
	if community, found := m.communities[pubkey]; found {
		return community
	}
	community := m.newCommunity(ctx, pubkey)
	m.communities[pubkey] = community

	return community
}

// Peek returns the community only if it already exists.
func (m *Multiplexer) Peek(pubkey string) (*Community, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	community, found := m.communities[pubkey]

	return community, found
}

func (m *Multiplexer) newCommunity(ctx context.Context, pubkey string) *Community {
	store := m.newStore(pubkey)
	community := &Community{PubKey: pubkey, store: store}
	community.Proxy = NewProxy(pubkey, store, m.rootStore, m.dial, m.connMgr, func(ctx context.Context, event *model.Event) {
		if err := community.Handler.Broadcast(ctx, event); err != nil {
			log.Printf("WARN: community %v: %v", pubkey, err)
		}
	})
	community.Handler = ws.NewHandler(
		&ws.Config{
			RelayURL:    m.relayURL,
			Owner:       func() string { return pubkey },
			OnSubscribe: func(sub *model.Subscription) { community.Proxy.TrackChannels(ctx, sub) },
		},
		store.SelectEvents,
		newUpstreamForwarder(community.Proxy),
		ws.NewStoreHandler(community.Proxy.Accept),
	)
	go func() {
		if err := community.Proxy.Connect(ctx); err != nil {
			log.Printf("WARN: %v", err)
		}
	}()

	return community
}

func (m *Multiplexer) Close() error {
	m.mx.Lock()
	defer m.mx.Unlock()
	var err *multierror.Error
	for _, community := range m.communities {
		err = multierror.Append(err, community.Proxy.Close())
	}
	m.communities = make(map[string]*Community)

	return err.ErrorOrNil()
}

type upstreamForwarder struct {
	proxy *Proxy
}

func newUpstreamForwarder(proxy *Proxy) *upstreamForwarder {
	return &upstreamForwarder{proxy: proxy}
}

// Handle forwards locally submitted events to the authoritative upstream
// before they hit the local cache. No upstream means the write cannot be
// made durable, so it is refused outright.
func (f *upstreamForwarder) Handle(ctx context.Context, _ *ws.Sender, event *model.Event) (ws.Outcome, error) {
	if err := f.proxy.Publish(ctx, event); err != nil {
		return ws.Outcome{Kind: ws.OutcomeReject, Message: "error: community upstream unavailable"}, nil
	}

	return ws.Outcome{Kind: ws.OutcomeNext}, nil
}
