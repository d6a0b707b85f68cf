// SPDX-License-Identifier: ice License 1.0

package model

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

type Event struct {
	nostr.Event
}

// Validate checks that the event id is the hash of the canonical
// serialization and that the signature verifies against the pubkey.
func (e *Event) Validate() error {
	hash := sha256.Sum256(e.Serialize())
	if id := hex.EncodeToString(hash[:]); id != e.ID {
		return ErrInvalidEventID
	}
	ok, err := e.CheckSignature()
	if err != nil {
		return errors.Wrap(err, "failed to check event signature")
	}
	if !ok {
		return ErrInvalidSignature
	}

	return nil
}

func (e *Event) GetTag(tagName string) Tag {
	for _, tag := range e.Tags {
		if tag.Key() == tagName {
			return tag
		}
	}

	return nil
}

// TagValues returns every value of the given single-letter tag, in tag order.
func (e *Event) TagValues(tagName string) []string {
	var values []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == tagName {
			values = append(values, tag[1])
		}
	}

	return values
}

func (e *Event) IsEphemeral() bool {
	return 20000 <= e.Kind && e.Kind < 30000
}

func (e *Event) IsReplaceable() bool {
	return e.Kind == nostr.KindProfileMetadata ||
		e.Kind == nostr.KindFollowList ||
		(10000 <= e.Kind && e.Kind < 20000)
}

func (e *Event) IsParameterizedReplaceable() bool {
	return 30000 <= e.Kind && e.Kind < 40000
}
