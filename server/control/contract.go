// SPDX-License-Identifier: ice License 1.0

// Package control implements the out-of-band admin channel: CONTROL frames
// on a dedicated websocket path, gated by a bearer code.
package control

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/ice-blockchain/outpost/receiver"
	"github.com/ice-blockchain/outpost/server/ws"
)

type (
	// MessageHandler serves one CONTROL namespace. Args are the frame
	// elements after the action, already parsed.
	MessageHandler interface {
		Name() string
		Handle(ctx context.Context, conn ws.Writer, action string, args []gjson.Result) error
	}

	// ReceiverControl is what the RECEIVER namespace drives. The concrete
	// start parameters (relays, authors) are bound by the caller.
	ReceiverControl interface {
		StartScraping(ctx context.Context) error
		StopScraping()
		Status() []receiver.RelayStatus
	}

	// Controller authenticates admin connections and dispatches frames to
	// the statically composed handler list.
	Controller struct {
		secret   string
		handlers map[string]MessageHandler

		mx     sync.Mutex
		authed map[ws.Writer]struct{}
	}
)

func New(secret string, handlers ...MessageHandler) *Controller {
	byName := make(map[string]MessageHandler, len(handlers))
	for _, handler := range handlers {
		byName[handler.Name()] = handler
	}

	return &Controller{
		secret:   secret,
		handlers: byName,
		authed:   make(map[ws.Writer]struct{}),
	}
}
