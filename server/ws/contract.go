// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"context"
	"sync"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
)

type (
	// Writer is one bidirectional client connection. WriteMessage must be
	// safe for concurrent use; Close tears the socket down.
	Writer interface {
		WriteMessage(opCode int, data []byte) error
		Close() error
	}

	// EventGetter feeds REQ replay from the event store.
	EventGetter func(context.Context, *model.Subscription) query.EventIterator

	// EventAcceptor persists an inbound event (the final pipeline stage).
	EventAcceptor func(context.Context, *model.Event) error

	// Config is the per-relay-instance policy. Owner and RequireReadAuth
	// are read through functions because both can change at runtime: the
	// owner is adopted on first AUTH, the read gate is toggled over the
	// admin channel. A nil RequireReadAuth means the gate is off.
	Config struct {
		RelayURL        string
		SensitiveKinds  []model.Kind
		RequireReadAuth func() bool
		Owner           func() string
		OnFirstAuth     func(pubkey string)
		// OnSubscribe observes every accepted REQ, after registration.
		OnSubscribe func(*model.Subscription)
	}

	subscription struct {
		*model.Subscription
		SubscriptionID string
	}

	connState struct {
		challenge    string
		authedPubKey string
		subs         map[string]*subscription
	}

	// Handler is one relay instance: a subscription registry over a set of
	// live connections plus the ingest pipeline for inbound events.
	Handler struct {
		cfg      *Config
		pipeline []EventHandler
		getter   EventGetter

		connsMx sync.Mutex
		conns   map[Writer]*connState

		broadcastHook func(*model.Event)
	}
)

// SetBroadcastHook registers an optional observer invoked after an accepted
// event has been fanned out. Wiring it is a deployment choice.
func (h *Handler) SetBroadcastHook(hook func(*model.Event)) {
	h.broadcastHook = hook
}

func NewHandler(cfg *Config, getter EventGetter, pipeline ...EventHandler) *Handler {
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		getter:   getter,
		conns:    make(map[Writer]*connState),
	}
}
