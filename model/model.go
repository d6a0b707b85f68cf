// SPDX-License-Identifier: ice License 1.0

package model

import (
	"errors"

	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int

	Filter struct {
		nostr.Filter
	}
	Filters []Filter

	Subscription struct {
		Filters Filters
	}

	EventReference interface {
		Filter() Filter
	}
	ReplaceableEventReference struct {
		PubKey string
		DTag   string
		Kind   int
	}
	PlainEventReference struct {
		EventIDs []string
	}
)

var (
	ErrDuplicate          = errors.New("duplicate event")
	ErrInvalidEventID     = errors.New("event id does not match serialized event")
	ErrInvalidSignature   = errors.New("invalid event signature")
	ErrUnknownFilterKey   = errors.New("unknown filter key")
	ErrDeleteUnauthorized = errors.New("deletion not authorized")
)

const (
	// KindCommunityDefinition describes a community: its identity pubkey
	// publishes one of these with `r` tags listing upstream addresses.
	KindCommunityDefinition Kind = 12012

	KindChannelMessage   Kind = 9
	KindChannelHide      Kind = 10
	KindChannelThread    Kind = 11
	KindChannelReply     Kind = 12
	KindGiftWrap         Kind = 1059
	KindCommunityGroup   Kind = 39000
	KindCommunityAdmins  Kind = 39001
	KindCommunityMembers Kind = 39002
)

// ChannelTag is the single-letter tag that scopes channel events to a channel.
const ChannelTag = "h"
