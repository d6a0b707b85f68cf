// SPDX-License-Identifier: ice License 1.0

package community

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/outpost/model"
)

type nostrUpstream struct {
	relay *nostr.Relay
}

// DialUpstream connects to a community upstream over the standard nostr
// client machinery.
func DialUpstream(ctx context.Context, url string) (Upstream, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to upstream %v", url)
	}

	return &nostrUpstream{relay: relay}, nil
}

func (u *nostrUpstream) Publish(ctx context.Context, event *model.Event) error {
	return errors.Wrapf(u.relay.Publish(ctx, event.Event), "failed to publish %v to %v", event.ID, u.relay.URL)
}

func (u *nostrUpstream) Subscribe(ctx context.Context, filters model.Filters, onEvent func(*model.Event)) error {
	nostrFilters := make(nostr.Filters, 0, len(filters))
	for i := range filters {
		nostrFilters = append(nostrFilters, filters[i].Filter)
	}
	sub, err := u.relay.Subscribe(ctx, nostrFilters)
	if err != nil {
		return errors.Wrapf(err, "failed to subscribe to %v", u.relay.URL)
	}
	go func() {
		for event := range sub.Events {
			onEvent(&model.Event{Event: *event})
		}
	}()

	return nil
}

func (u *nostrUpstream) Close() error {
	return errors.Wrapf(u.relay.Close(), "failed to close upstream %v", u.relay.URL)
}
