// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"context"
	"io"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/hashicorp/go-multierror"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rcrowley/go-metrics"

	"github.com/ice-blockchain/outpost/model"
)

var (
	metricEventsAccepted  = metrics.NewRegisteredCounter("relay.events.accepted", metrics.DefaultRegistry)
	metricEventsRejected  = metrics.NewRegisteredCounter("relay.events.rejected", metrics.DefaultRegistry)
	metricEventsDuplicate = metrics.NewRegisteredCounter("relay.events.duplicate", metrics.DefaultRegistry)
	metricBroadcastSends  = metrics.NewRegisteredCounter("relay.broadcast.sends", metrics.DefaultRegistry)
)

type MessageReader interface {
	ReadMessage() (int, []byte, error)
}

// Read drives one connection until its socket closes, then synchronously
// releases every subscription it owned.
func (h *Handler) Read(ctx context.Context, stream interface {
	Writer
	MessageReader
}) {
	h.Connect(stream)
	for {
		t, msgBytes, err := stream.ReadMessage()
		if err != nil {
			closed := new(wsutil.ClosedError)
			if errors.As(err, closed) {
				if closed.Code != ws.StatusNormalClosure &&
					closed.Code != ws.StatusGoingAway &&
					closed.Code != ws.StatusAbnormalClosure &&
					closed.Code != ws.StatusNoStatusRcvd {
					log.Printf("WARN: unexpected close error %v", closed.Code)
				}
			} else if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("WARN: unexpected read error: %v", err)
			}
			break
		}
		if len(msgBytes) > 0 && ws.OpCode(t) == ws.OpText {
			h.Handle(ctx, stream, msgBytes)
		}
	}
	if err := h.CancelSubscription(ctx, stream, nil); err != nil {
		log.Printf("ERROR:%v", errors.Wrap(err, "failed to cancel subscriptions opened on closing conn"))
	}
}

// Connect registers the connection and issues the NIP-42 challenge.
func (h *Handler) Connect(respWriter Writer) {
	challenge := newChallenge()

	h.connsMx.Lock()
	h.conns[respWriter] = &connState{challenge: challenge, subs: make(map[string]*subscription)}
	h.connsMx.Unlock()

	auth := nostr.AuthEnvelope{Challenge: &challenge}
	if err := h.writeResponse(respWriter, &auth); err != nil {
		log.Printf("WARN: failed to send auth challenge: %v", err)
	}
}

func (h *Handler) Handle(ctx context.Context, respWriter Writer, msgBytes []byte) {
	input, err := model.ParseMessage(msgBytes)
	if err != nil {
		notice := nostr.NoticeEnvelope(err.Error())
		if wErr := h.writeResponse(respWriter, &notice); wErr != nil {
			log.Printf("ERROR:%v", multierror.Append(err, wErr).ErrorOrNil())
		}

		return
	}

	switch e := input.(type) {
	case *model.EventEnvelope:
		okMsg, err := h.handleEvent(ctx, respWriter, &e.Event)
		resp := &nostr.OKEnvelope{EventID: e.Event.ID, OK: true, Reason: okMsg}
		if err != nil {
			log.Printf("WARN: rejected event %v: %v", e.Event.ID, err)
			resp.OK = false
			resp.Reason = err.Error()
		}
		if wErr := h.writeResponse(respWriter, resp); wErr != nil {
			log.Printf("ERROR: write event response: %v", wErr)
		}

		return
	case *model.ReqEnvelope:
		err = h.handleReq(ctx, respWriter, &subscription{
			Subscription:   &model.Subscription{Filters: e.Filters},
			SubscriptionID: e.SubscriptionID,
		})
	case *model.CloseEnvelope:
		err = h.CancelSubscription(ctx, respWriter, &e.SubscriptionID)
	case *model.AuthEnvelope:
		err = h.handleAuth(ctx, respWriter, &e.Event)
	default:
		err = errors.Errorf("unknown message type %v", input.Label())
	}

	if err != nil {
		err = errors.Wrapf(err, "failed to handle %v", input.Label())
		notice := nostr.NoticeEnvelope(err.Error())
		if wErr := h.writeResponse(respWriter, &notice); wErr != nil {
			log.Printf("ERROR:%v", multierror.Append(err, wErr).ErrorOrNil())
		}
	}
}

func (h *Handler) writeResponse(respWriter Writer, envelope nostr.Envelope) error {
	b, err := envelope.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %+v into json", envelope)
	}

	return respWriter.WriteMessage(int(ws.OpText), b)
}

// MetricsSnapshot returns the relay counters for the control channel.
func MetricsSnapshot() map[string]int64 {
	return map[string]int64{
		"eventsAccepted":  metricEventsAccepted.Count(),
		"eventsRejected":  metricEventsRejected.Count(),
		"eventsDuplicate": metricEventsDuplicate.Count(),
		"broadcastSends":  metricBroadcastSends.Count(),
	}
}
