// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/gookit/goutil/errorx"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"

	"github.com/ice-blockchain/outpost/model"
)

func newChallenge() string {
	return uuid.NewString()
}

// handleAuth validates a NIP-42 auth event against the challenge issued on
// connect. The first successful authenticator of a node without an owner is
// adopted as the owner (first-run bootstrap).
func (h *Handler) handleAuth(_ context.Context, respWriter Writer, event *model.Event) error {
	h.connsMx.Lock()
	conn := h.conns[respWriter]
	h.connsMx.Unlock()
	if conn == nil {
		return errorx.New("auth-required: connection is not registered")
	}

	pubkey, ok := nip42.ValidateAuthEvent(&event.Event, conn.challenge, h.cfg.RelayURL)
	if !ok {
		return errorx.New("invalid: failed to validate auth event")
	}

	h.connsMx.Lock()
	conn.authedPubKey = pubkey
	h.connsMx.Unlock()

	if h.cfg.Owner() == "" && h.cfg.OnFirstAuth != nil {
		log.Printf("adopting %v as node owner", pubkey)
		h.cfg.OnFirstAuth(pubkey)
	}

	return h.writeResponse(respWriter, &nostr.OKEnvelope{EventID: event.ID, OK: true})
}
