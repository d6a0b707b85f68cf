// SPDX-License-Identifier: ice License 1.0

package mailbox

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/outpost/model"
)

type nostrPool struct {
	pool *nostr.SimplePool
}

// NewPool wraps the standard multi-relay client.
func NewPool(ctx context.Context) Pool {
	return &nostrPool{pool: nostr.NewSimplePool(ctx)}
}

func (p *nostrPool) Query(ctx context.Context, urls []string, filter model.Filter) (events []*model.Event) {
	for incoming := range p.pool.SubManyEose(ctx, urls, nostr.Filters{filter.Filter}) {
		if incoming.Event == nil {
			continue
		}
		event := &model.Event{Event: *incoming.Event}
		if err := event.Validate(); err != nil {
			continue
		}
		events = append(events, event)
	}

	return events
}

func (p *nostrPool) Publish(ctx context.Context, url string, event *model.Event) error {
	relay, err := p.pool.EnsureRelay(url)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %v", url)
	}

	return errors.Wrapf(relay.Publish(ctx, event.Event), "failed to publish %v to %v", event.ID, url)
}
