// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"context"
	"log"

	"github.com/gookit/goutil/errorx"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/outpost/model"
)

func (h *Handler) handleReq(ctx context.Context, respWriter Writer, sub *subscription) error {
	if reason := h.checkReadGate(respWriter, sub); reason != "" {
		return h.writeResponse(respWriter, &nostr.ClosedEnvelope{SubscriptionID: sub.SubscriptionID, Reason: reason})
	}

	// The subscription is installed before the replay starts: a same-id REQ
	// is one atomic filter swap, and live events arriving while older ones
	// are still being replayed already match against the new filters.
	h.connsMx.Lock()
	conn, found := h.conns[respWriter]
	if !found {
		// The connection was torn down; a late REQ must not resurrect it.
		h.connsMx.Unlock()

		return h.writeResponse(respWriter, &nostr.ClosedEnvelope{SubscriptionID: sub.SubscriptionID, Reason: "error: connection is closed"})
	}
	conn.subs[sub.SubscriptionID] = sub
	h.connsMx.Unlock()
	if h.cfg.OnSubscribe != nil {
		h.cfg.OnSubscribe(sub.Subscription)
	}

	var mErr *multierror.Error
	for event, err := range h.getter(ctx, sub.Subscription) {
		if err != nil {
			return errorx.Withf(err, "failed to query events for subscription req %+v", sub)
		}
		mErr = multierror.Append(mErr, h.writeResponse(respWriter, &nostr.EventEnvelope{SubscriptionID: &sub.SubscriptionID, Event: event.Event}))
	}
	if mErr.ErrorOrNil() != nil {
		return errorx.Withf(mErr, "failed to write events for subscription %+v", sub)
	}

	eos := nostr.EOSEEnvelope(sub.SubscriptionID)

	return h.writeResponse(respWriter, &eos)
}

// checkReadGate enforces the sensitive-kind read policy at REQ time: a
// subscription touching a sensitive kind requires an authenticated
// connection. Returns the CLOSED reason, or "" when allowed.
func (h *Handler) checkReadGate(respWriter Writer, sub *subscription) string {
	gatedKinds := h.hasSensitiveKinds(sub.Filters)
	if !gatedKinds && !h.requireReadAuth() {
		return ""
	}

	h.connsMx.Lock()
	conn := h.conns[respWriter]
	authed := conn != nil && conn.authedPubKey != ""
	h.connsMx.Unlock()
	if authed {
		return ""
	}
	if gatedKinds {
		return "auth-required: subscription requests gated kinds"
	}

	return "auth-required: this relay requires authentication to read"
}

func (h *Handler) requireReadAuth() bool {
	return h.cfg.RequireReadAuth != nil && h.cfg.RequireReadAuth()
}

func (h *Handler) hasSensitiveKinds(filters model.Filters) bool {
	for i := range filters {
		for _, kind := range filters[i].Kinds {
			for _, sensitive := range h.cfg.SensitiveKinds {
				if kind == sensitive {
					return true
				}
			}
		}
	}

	return false
}

func (h *Handler) notifyListenersAboutNewEvent(ev *model.Event) error {
	h.connsMx.Lock()
	defer h.connsMx.Unlock()

	var err *multierror.Error
	for writer, conn := range h.conns {
		for _, sub := range conn.subs {
			if sub.Filters.Match(ev) {
				metricBroadcastSends.Inc(1)
				err = multierror.Append(
					err,
					h.writeResponse(writer, &nostr.EventEnvelope{SubscriptionID: &sub.SubscriptionID, Event: ev.Event}),
				)
			}
		}
	}

	return err.ErrorOrNil()
}

// Broadcast fans an externally sourced event (for example one synced from
// an upstream relay) out to every matching live subscription, bypassing
// the ingest pipeline.
func (h *Handler) Broadcast(_ context.Context, ev *model.Event) error {
	if err := h.notifyListenersAboutNewEvent(ev); err != nil {
		return errorx.Withf(err, "failed to broadcast event %v", ev.ID)
	}

	return nil
}

// CancelSubscription closes one subscription, or every state of the
// connection when subID is nil (socket teardown). Teardown is synchronous:
// after it returns no broadcast will touch the writer.
func (h *Handler) CancelSubscription(_ context.Context, respWriter Writer, subID *string) error {
	h.connsMx.Lock()
	defer h.connsMx.Unlock()
	conn, found := h.conns[respWriter]
	if !found {
		return nil
	}
	if subID == nil {
		delete(h.conns, respWriter)

		return nil
	}
	if _, ok := conn.subs[*subID]; ok {
		delete(conn.subs, *subID)
		if err := h.writeResponse(respWriter, &nostr.ClosedEnvelope{SubscriptionID: *subID, Reason: ""}); err != nil {
			return errorx.Withf(err, "failed to write CLOSED message")
		}
	}

	return nil
}

func (h *Handler) handleEvent(ctx context.Context, respWriter Writer, event *model.Event) (okMsg string, err error) {
	if err = event.Validate(); err != nil {
		metricEventsRejected.Inc(1)

		return "", errorx.Withf(err, "invalid: event is invalid")
	}

	sender := h.senderOf(respWriter)
	outcome, err := h.runPipeline(ctx, sender, event)
	if err != nil {
		metricEventsRejected.Inc(1)

		return "", errorx.Withf(err, "error: failed to ingest event")
	}
	if outcome.Kind == OutcomeReject {
		metricEventsRejected.Inc(1)

		return "", errorx.Errorf("%v", outcome.Message)
	}
	if outcome.Kind == OutcomeDuplicate {
		metricEventsDuplicate.Inc(1)
		// Duplicate submissions are acknowledged but not re-broadcast.
		return outcome.Message, nil
	}
	metricEventsAccepted.Inc(1)

	if err = h.notifyListenersAboutNewEvent(event); err != nil {
		log.Printf("WARN: failed to notify some subscribers about new event %v: %v", event.ID, err)
	}
	if h.broadcastHook != nil {
		h.broadcastHook(event)
	}

	return outcome.Message, nil
}

func (h *Handler) senderOf(respWriter Writer) *Sender {
	h.connsMx.Lock()
	defer h.connsMx.Unlock()
	if conn := h.conns[respWriter]; conn != nil {
		return &Sender{AuthedPubKey: conn.authedPubKey}
	}

	return &Sender{}
}
