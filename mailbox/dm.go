// SPDX-License-Identifier: ice License 1.0

package mailbox

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/outpost/model"
)

func NewDMForwarder(pool Pool, addressBook *AddressBook) *DMForwarder {
	return &DMForwarder{pool: pool, addressBook: addressBook}
}

// Forward publishes a direct message to every inbox relay of its recipient
// (the first p-tag). It reports how many publishes were attempted and how
// many succeeded so the caller can decide whether the message is durable.
func (f *DMForwarder) Forward(ctx context.Context, event *model.Event) (delivered, attempted int, err error) {
	recipient, hints := recipientOf(event)
	if recipient == "" {
		return 0, 0, errors.Errorf("direct message %v carries no recipient p tag", event.ID)
	}
	mailboxes, err := f.addressBook.LoadMailboxes(ctx, recipient, hints...)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to resolve inbox relays of %v", recipient)
	}
	if len(mailboxes.Read) == 0 {
		return 0, 0, errors.Errorf("no inbox relays known for %v", recipient)
	}

	var mErr *multierror.Error
	for _, url := range mailboxes.Read {
		attempted++
		if pErr := f.pool.Publish(ctx, url, event); pErr != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(pErr, "failed to publish %v to %v", event.ID, url))

			continue
		}
		delivered++
	}

	return delivered, attempted, mErr.ErrorOrNil()
}

// recipientOf extracts the first p-tagged pubkey and any relay hints
// attached to p tags.
func recipientOf(event *model.Event) (recipient string, hints []string) {
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" || tag[1] == "" {
			continue
		}
		if recipient == "" {
			recipient = tag[1]
		}
		if len(tag) >= 3 && tag[2] != "" {
			hints = append(hints, tag[2])
		}
	}

	return recipient, hints
}
