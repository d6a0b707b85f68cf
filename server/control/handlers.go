// SPDX-License-Identifier: ice License 1.0

package control

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/model"
	"github.com/ice-blockchain/outpost/nodecfg"
	wsserver "github.com/ice-blockchain/outpost/server/ws"
)

type (
	configHandler struct {
		manager *nodecfg.Manager
	}
	// DatabaseHandler also pushes a stats frame to its subscribers after
	// every accepted event, see NotifyStats.
	DatabaseHandler struct {
		store       *query.Store
		mx          sync.Mutex
		subscribers map[wsserver.Writer]struct{}
	}
	receiverHandler struct {
		receiver ReceiverControl
	}
	statusHandler struct {
		metrics func() map[string]int64
	}
)

func NewConfigHandler(manager *nodecfg.Manager) MessageHandler { return &configHandler{manager} }

func (*configHandler) Name() string { return "CONFIG" }

func (h *configHandler) Handle(_ context.Context, conn wsserver.Writer, action string, args []gjson.Result) error {
	switch action {
	case "GET":
		return WriteFrame(conn, "CONFIG", "VALUE", h.manager.Snapshot())
	case "SET":
		if len(args) < 2 {
			log.Printf("WARN: control: CONFIG SET needs a field and a value")

			return nil
		}

		return h.set(conn, args[0].Str, args[1])
	default:
		log.Printf("WARN: control: unknown CONFIG action %v", action)

		return nil
	}
}

func (h *configHandler) set(conn wsserver.Writer, field string, value gjson.Result) error {
	err := h.manager.Update(func(cfg *nodecfg.Config) {
		switch field {
		case "owner":
			cfg.Owner = value.Str
		case "pubkeys":
			cfg.PubKeys = toStrings(value)
		case "relays":
			cfg.Relays = toStrings(value)
		case "cache_level":
			cfg.CacheLevel = int(value.Int())
		case "require_read_auth":
			cfg.RequireReadAuth = value.Bool()
		case "public_addresses":
			cfg.PublicAddresses = toStrings(value)
		case "logs_enabled":
			cfg.LogsEnabled = value.Bool()
		default:
			log.Printf("WARN: control: unknown CONFIG field %v", field)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "failed to apply CONFIG SET %v", field)
	}

	return WriteFrame(conn, "CONFIG", "VALUE", h.manager.Snapshot())
}

func toStrings(value gjson.Result) []string {
	elems := value.Array()
	result := make([]string, 0, len(elems))
	for _, elem := range elems {
		result = append(result, elem.Str)
	}

	return result
}

func NewDatabaseHandler(store *query.Store) *DatabaseHandler {
	return &DatabaseHandler{store: store, subscribers: make(map[wsserver.Writer]struct{})}
}

func (*DatabaseHandler) Name() string { return "DATABASE" }

func (h *DatabaseHandler) Handle(ctx context.Context, conn wsserver.Writer, action string, _ []gjson.Result) error {
	switch action {
	case "STATS":
		stats, err := h.store.Stats(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to collect database stats")
		}

		return WriteFrame(conn, "DATABASE", "STATS", stats)
	case "SUBSCRIBE":
		h.mx.Lock()
		h.subscribers[conn] = struct{}{}
		h.mx.Unlock()

		return h.Handle(ctx, conn, "STATS", nil)
	case "UNSUBSCRIBE":
		h.OnDisconnect(conn)

		return nil
	case "CLEAR":
		if err := h.store.Clear(ctx); err != nil {
			return errors.Wrap(err, "failed to clear database")
		}

		return WriteFrame(conn, "DATABASE", "CLEARED")
	case "EXPORT":
		return h.export(ctx, conn)
	default:
		log.Printf("WARN: control: unknown DATABASE action %v", action)

		return nil
	}
}

func (h *DatabaseHandler) OnDisconnect(conn wsserver.Writer) {
	h.mx.Lock()
	delete(h.subscribers, conn)
	h.mx.Unlock()
}

// NotifyStats pushes the current database stats to every subscriber.
// Called after event inserts; subscribers whose socket fails are dropped.
func (h *DatabaseHandler) NotifyStats(ctx context.Context) {
	h.mx.Lock()
	conns := make([]wsserver.Writer, 0, len(h.subscribers))
	for conn := range h.subscribers {
		conns = append(conns, conn)
	}
	h.mx.Unlock()
	if len(conns) == 0 {
		return
	}
	stats, err := h.store.Stats(ctx)
	if err != nil {
		log.Printf("WARN: control: failed to collect database stats: %v", err)

		return
	}
	for _, conn := range conns {
		if wErr := WriteFrame(conn, "DATABASE", "STATS", stats); wErr != nil {
			h.OnDisconnect(conn)
		}
	}
}

// export streams every stored event, one frame each, then a terminator.
func (h *DatabaseHandler) export(ctx context.Context, conn wsserver.Writer) error {
	subscription := &model.Subscription{Filters: model.Filters{{}}}
	for event, err := range h.store.SelectEvents(ctx, subscription) {
		if err != nil {
			return errors.Wrap(err, "failed to iterate events for export")
		}
		data, mErr := json.Marshal(&event.Event)
		if mErr != nil {
			return errors.Wrapf(mErr, "failed to marshal event %v for export", event.ID)
		}

		if wErr := WriteFrame(conn, "DATABASE", "EVENT", json.RawMessage(data)); wErr != nil {
			return wErr
		}
	}

	return WriteFrame(conn, "DATABASE", "EXPORT-COMPLETE")
}

func NewReceiverHandler(receiver ReceiverControl) MessageHandler { return &receiverHandler{receiver} }

func (*receiverHandler) Name() string { return "RECEIVER" }

func (h *receiverHandler) Handle(ctx context.Context, conn wsserver.Writer, action string, _ []gjson.Result) error {
	switch action {
	case "START":
		if err := h.receiver.StartScraping(ctx); err != nil {
			return errors.Wrap(err, "failed to start receiver")
		}

		return WriteFrame(conn, "RECEIVER", "STARTED")
	case "STOP":
		h.receiver.StopScraping()

		return WriteFrame(conn, "RECEIVER", "STOPPED")
	case "STATUS":
		return WriteFrame(conn, "RECEIVER", "STATUS", h.receiver.Status())
	default:
		log.Printf("WARN: control: unknown RECEIVER action %v", action)

		return nil
	}
}

func NewStatusHandler(metrics func() map[string]int64) MessageHandler {
	return &statusHandler{metrics: metrics}
}

func (*statusHandler) Name() string { return "STATUS" }

func (h *statusHandler) Handle(_ context.Context, conn wsserver.Writer, action string, _ []gjson.Result) error {
	if action != "GET" {
		log.Printf("WARN: control: unknown STATUS action %v", action)

		return nil
	}

	return WriteFrame(conn, "STATUS", "VALUE", h.metrics())
}
