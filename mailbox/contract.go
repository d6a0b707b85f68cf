// SPDX-License-Identifier: ice License 1.0

// Package mailbox resolves where other nostr users can be reached: their
// NIP-65 relay lists, and the direct-message forwarding built on top.
package mailbox

import (
	"context"
	"sync"
	stdlibtime "time"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
)

type (
	// Pool abstracts the multi-relay client used for lookups and publishes.
	Pool interface {
		Query(ctx context.Context, urls []string, filter model.Filter) []*model.Event
		Publish(ctx context.Context, url string, event *model.Event) error
	}

	// Mailboxes is a parsed NIP-65 relay list. Read relays are where the
	// owner of the list wants to be reached (their inbox).
	Mailboxes struct {
		Read  []string
		Write []string
	}

	// AddressBook caches kind-10002 relay lists. Cache misses are batched:
	// lookups arriving within one coalescing window share a single pool
	// query across the configured contact relays.
	AddressBook struct {
		pool          Pool
		store         *query.Store
		contactRelays []string
		window        stdlibtime.Duration

		mx      sync.Mutex
		cache   map[string]*Mailboxes
		pending map[string][]chan *Mailboxes
		timer   *stdlibtime.Timer
		closed  bool
	}

	// DMForwarder publishes the owner's direct messages to each
	// recipient's inbox relays.
	DMForwarder struct {
		pool        Pool
		addressBook *AddressBook
	}
)

const defaultCoalescingWindow = stdlibtime.Second
