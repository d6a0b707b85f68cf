// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/outpost/model"
)

type (
	OutcomeKind uint8

	// Outcome is the terminal result of one pipeline handler. Next passes
	// the event down the chain; Accept and Reject short-circuit.
	Outcome struct {
		Kind    OutcomeKind
		Message string
	}

	// Sender identifies the submitting connection to policy handlers.
	Sender struct {
		AuthedPubKey string
	}

	// EventHandler is one stage of the ingest pipeline. Deployments compose
	// an ordered list of them at startup.
	EventHandler interface {
		Handle(ctx context.Context, sender *Sender, event *model.Event) (Outcome, error)
	}

	authGate struct {
		cfg *Config
	}

	// DMForwarder publishes an owner-authored encrypted DM to the
	// recipient's inbox relays. Returns delivered/attempted counts.
	DMForwarder interface {
		Forward(ctx context.Context, event *model.Event) (delivered, attempted int, err error)
	}

	dmForwardHandler struct {
		cfg       *Config
		forwarder DMForwarder
		accept    EventAcceptor
	}

	storeHandler struct {
		accept EventAcceptor
	}
)

const (
	OutcomeNext OutcomeKind = iota
	OutcomeAccept
	OutcomeReject
	OutcomeDuplicate
)

func next() Outcome                { return Outcome{Kind: OutcomeNext} }
func accept(msg string) Outcome    { return Outcome{Kind: OutcomeAccept, Message: msg} }
func reject(reason string) Outcome { return Outcome{Kind: OutcomeReject, Message: reason} }

// NewAuthGate rejects writes from unauthenticated connections unless the
// event is authored by the owner or is a DM addressed to the owner.
func NewAuthGate(cfg *Config) EventHandler {
	return &authGate{cfg: cfg}
}

func (g *authGate) Handle(_ context.Context, sender *Sender, event *model.Event) (Outcome, error) {
	if sender.AuthedPubKey != "" {
		return next(), nil
	}
	owner := g.cfg.Owner()
	if owner == "" || event.PubKey == owner {
		return next(), nil
	}
	if event.Kind == nostr.KindEncryptedDirectMessage || event.Kind == model.KindGiftWrap {
		for _, p := range event.TagValues("p") {
			if p == owner {
				// Inbound mail for the owner is always welcome.
				return next(), nil
			}
		}
	}

	return reject("auth-required: event does not concern this node's owner"), nil
}

// NewDMForwarder delivers owner-authored DMs to the recipient's inboxes,
// then persists locally. Zero successful deliveries reject the event and
// withhold local persistence: an undeliverable message must not be silently
// swallowed by the local store.
func NewDMForwarder(cfg *Config, forwarder DMForwarder, acceptor EventAcceptor) EventHandler {
	return &dmForwardHandler{cfg: cfg, forwarder: forwarder, accept: acceptor}
}

func (d *dmForwardHandler) Handle(ctx context.Context, _ *Sender, event *model.Event) (Outcome, error) {
	if event.Kind != nostr.KindEncryptedDirectMessage || event.PubKey != d.cfg.Owner() {
		return next(), nil
	}
	delivered, attempted, err := d.forwarder.Forward(ctx, event)
	if err != nil {
		return reject(fmt.Sprintf("error: failed to forward message: %v", err)), nil
	}
	if delivered == 0 {
		return reject(fmt.Sprintf("error: failed to forward message to any of %d relays", attempted)), nil
	}
	if err = d.accept(ctx, event); err != nil && !errors.Is(err, model.ErrDuplicate) {
		return Outcome{}, errors.Wrap(err, "failed to store forwarded message")
	}

	return accept(fmt.Sprintf("forwarded to %d/%d relays", delivered, attempted)), nil
}

// NewStoreHandler persists the event. Duplicates are accepted (no error) but
// reported so the caller can skip re-broadcast.
func NewStoreHandler(accept EventAcceptor) EventHandler {
	return &storeHandler{accept: accept}
}

func (s *storeHandler) Handle(ctx context.Context, _ *Sender, event *model.Event) (Outcome, error) {
	if err := s.accept(ctx, event); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return Outcome{Kind: OutcomeDuplicate, Message: "duplicate: already have this event"}, nil
		}

		return Outcome{}, errors.Wrap(err, "failed to store event")
	}

	return next(), nil
}

// runPipeline drives the ordered handler chain. A nil outcome chain that
// reaches the end is an acceptance.
func (h *Handler) runPipeline(ctx context.Context, sender *Sender, event *model.Event) (Outcome, error) {
	for _, stage := range h.pipeline {
		outcome, err := stage.Handle(ctx, sender, event)
		if err != nil {
			return Outcome{}, err
		}
		if outcome.Kind != OutcomeNext {
			return outcome, nil
		}
	}

	return accept(""), nil
}
