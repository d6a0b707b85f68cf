// SPDX-License-Identifier: ice License 1.0

package mailbox

import (
	"context"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
)

type addressBookOption func(*AddressBook)

func WithCoalescingWindow(window stdlibtime.Duration) addressBookOption {
	return func(ab *AddressBook) { ab.window = window }
}

func NewAddressBook(pool Pool, store *query.Store, contactRelays []string, opts ...addressBookOption) *AddressBook {
	ab := &AddressBook{
		pool:          pool,
		store:         store,
		contactRelays: contactRelays,
		window:        defaultCoalescingWindow,
		cache:         make(map[string]*Mailboxes),
		pending:       make(map[string][]chan *Mailboxes),
	}
	for _, opt := range opts {
		opt(ab)
	}

	return ab
}

// LoadMailboxes resolves the relay list of pubkey, optionally seeded with
// relay hints (from p-tags and similar). Resolution order: memory cache,
// local store, then one coalesced network fetch.
func (ab *AddressBook) LoadMailboxes(ctx context.Context, pubkey string, hints ...string) (*Mailboxes, error) {
	ab.mx.Lock()
	if cached, found := ab.cache[pubkey]; found {
		ab.mx.Unlock()

		return cached.withHints(hints), nil
	}
	ab.mx.Unlock()

	if stored := ab.loadStored(ctx, pubkey); stored != nil {
		return stored.withHints(hints), nil
	}

	wait := ab.enqueue(pubkey)
	select {
	case mailboxes := <-wait:
		if mailboxes == nil {
			if len(hints) == 0 {
				return nil, errors.Errorf("no relay list found for %v", pubkey)
			}

			return (&Mailboxes{}).withHints(hints), nil
		}

		return mailboxes.withHints(hints), nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "relay list lookup for %v interrupted", pubkey)
	}
}

func (ab *AddressBook) loadStored(ctx context.Context, pubkey string) *Mailboxes {
	limit := 1
	subscription := &model.Subscription{Filters: model.Filters{{Filter: nostr.Filter{
		Kinds:   []model.Kind{nostr.KindRelayListMetadata},
		Authors: []string{pubkey},
		Limit:   limit,
	}}}}
	for event, err := range ab.store.SelectEvents(ctx, subscription) {
		if err != nil {
			return nil
		}
		mailboxes := parseMailboxes(event)
		ab.mx.Lock()
		ab.cache[pubkey] = mailboxes
		ab.mx.Unlock()

		return mailboxes
	}

	return nil
}

// enqueue registers interest in pubkey and arms the batch timer if this is
// the first request of the current window.
func (ab *AddressBook) enqueue(pubkey string) chan *Mailboxes {
	wait := make(chan *Mailboxes, 1)
	ab.mx.Lock()
	defer ab.mx.Unlock()
	if ab.closed {
		wait <- nil

		return wait
	}
	ab.pending[pubkey] = append(ab.pending[pubkey], wait)
	if ab.timer == nil {
		ab.timer = stdlibtime.AfterFunc(ab.window, ab.flush)
	}

	return wait
}

// flush performs the one batched query for every pubkey collected during
// the window and resolves all waiters.
func (ab *AddressBook) flush() {
	ab.mx.Lock()
	batch := ab.pending
	ab.pending = make(map[string][]chan *Mailboxes)
	ab.timer = nil
	ab.mx.Unlock()
	if len(batch) == 0 {
		return
	}

	authors := make([]string, 0, len(batch))
	for pubkey := range batch {
		authors = append(authors, pubkey)
	}
	filter := model.Filter{Filter: nostr.Filter{
		Kinds:   []model.Kind{nostr.KindRelayListMetadata},
		Authors: authors,
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 30*stdlibtime.Second)
	defer cancel()
	resolved := make(map[string]*Mailboxes, len(batch))
	for _, event := range ab.pool.Query(ctx, ab.contactRelays, filter) {
		if _, found := resolved[event.PubKey]; !found {
			resolved[event.PubKey] = parseMailboxes(event)
		}
	}

	ab.mx.Lock()
	for pubkey, mailboxes := range resolved {
		ab.cache[pubkey] = mailboxes
	}
	ab.mx.Unlock()
	for pubkey, waiters := range batch {
		for _, wait := range waiters {
			wait <- resolved[pubkey]
		}
	}
}

// Forget drops one cached relay list, forcing a re-fetch on next use.
func (ab *AddressBook) Forget(pubkey string) {
	ab.mx.Lock()
	defer ab.mx.Unlock()
	delete(ab.cache, pubkey)
}

// Close stops the batch timer. In-flight waiters resolve to a miss.
func (ab *AddressBook) Close() {
	ab.mx.Lock()
	defer ab.mx.Unlock()
	ab.closed = true
	if ab.timer != nil {
		ab.timer.Stop()
		ab.timer = nil
	}
	for _, waiters := range ab.pending {
		for _, wait := range waiters {
			wait <- nil
		}
	}
	ab.pending = make(map[string][]chan *Mailboxes)
}

func parseMailboxes(event *model.Event) *Mailboxes {
	mailboxes := &Mailboxes{}
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" || tag[1] == "" {
			continue
		}
		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		switch marker {
		case "read":
			mailboxes.Read = append(mailboxes.Read, tag[1])
		case "write":
			mailboxes.Write = append(mailboxes.Write, tag[1])
		default:
			mailboxes.Read = append(mailboxes.Read, tag[1])
			mailboxes.Write = append(mailboxes.Write, tag[1])
		}
	}

	return mailboxes
}

// withHints returns a copy with extra inbox candidates appended,
// deduplicated, original order preserved.
func (m *Mailboxes) withHints(hints []string) *Mailboxes {
	if len(hints) == 0 {
		return m
	}
	merged := &Mailboxes{Write: m.Write}
	seen := make(map[string]struct{}, len(m.Read)+len(hints))
	for _, url := range m.Read {
		if _, dup := seen[url]; !dup {
			seen[url] = struct{}{}
			merged.Read = append(merged.Read, url)
		}
	}
	for _, url := range hints {
		if _, dup := seen[url]; !dup {
			seen[url] = struct{}{}
			merged.Read = append(merged.Read, url)
		}
	}

	return merged
}
