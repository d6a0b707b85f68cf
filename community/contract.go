// SPDX-License-Identifier: ice License 1.0

// Package community routes inbound sockets to isolated per-community relay
// instances and bridges each one to its single authoritative upstream.
package community

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
	"github.com/ice-blockchain/outpost/server/ws"
)

type (
	// Upstream is one community's authoritative relay connection.
	Upstream interface {
		Publish(ctx context.Context, event *model.Event) error
		Subscribe(ctx context.Context, filters model.Filters, onEvent func(*model.Event)) error
		Close() error
	}

	UpstreamDialer func(ctx context.Context, url string) (Upstream, error)

	// ConnectionManager turns the rendezvous addresses advertised in a
	// community definition into one dialable websocket url.
	ConnectionManager interface {
		Resolve(ctx context.Context, addresses []string) (string, error)
	}

	// Community is one isolated label partition: its own store view, relay
	// handler and upstream proxy.
	Community struct {
		PubKey  string
		Handler *ws.Handler
		Proxy   *Proxy

		store *query.Store
	}

	// Multiplexer lazily creates communities keyed by their identity pubkey.
	Multiplexer struct {
		rootStore *query.Store
		newStore  func(label string) *query.Store
		dial      UpstreamDialer
		connMgr   ConnectionManager
		relayURL  string

		mx          sync.Mutex
		communities map[string]*Community
	}

	directResolver struct{}
)

var ErrNoUpstream = errors.New("community upstream is not connected")

// DirectResolver picks the first websocket address from the definition as
// is, with no rendezvous translation.
func DirectResolver() ConnectionManager { return directResolver{} }

func (directResolver) Resolve(_ context.Context, addresses []string) (string, error) {
	for _, addr := range addresses {
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			return addr, nil
		}
	}

	return "", errors.Errorf("no dialable websocket address in %v", addresses)
}
