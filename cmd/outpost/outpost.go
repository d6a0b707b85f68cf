// SPDX-License-Identifier: ice License 1.0

package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ice-blockchain/outpost/cfg"
	"github.com/ice-blockchain/outpost/community"
	"github.com/ice-blockchain/outpost/database/query"
	"github.com/ice-blockchain/outpost/mailbox"
	"github.com/ice-blockchain/outpost/model"
	"github.com/ice-blockchain/outpost/nodecfg"
	"github.com/ice-blockchain/outpost/receiver"
	"github.com/ice-blockchain/outpost/server"
	"github.com/ice-blockchain/outpost/server/control"
	wsserver "github.com/ice-blockchain/outpost/server/ws"
)

var (
	port        int
	configPath  string
	dataDir     string
	controlAuth string
	outpost     = &cobra.Command{
		Use:   "outpost",
		Short: "personal relay node",
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
	initFlags = func() {
		outpost.Flags().IntVar(&port, "port", 0, "port to communicate with clients (http/websocket)")
		outpost.Flags().StringVar(&configPath, "config", "", "path to the static yaml configuration")
		outpost.Flags().StringVar(&dataDir, "data-dir", ".", "directory for the event database and node state")
		outpost.Flags().StringVar(&controlAuth, "control-auth", "", "bearer code for the admin channel (falls back to OUTPOST_CONTROL_AUTH)")
	}
)

func init() {
	initFlags()
}

func main() {
	if err := outpost.Execute(); err != nil {
		log.Panic(err)
	}
}

//nolint:funlen // Wiring.
func run() {
	if configPath != "" {
		cfg.MustInit(configPath)
	} else {
		cfg.MustInit()
	}
	serverCfg := cfg.MustGet[server.Config]()
	if port != 0 {
		serverCfg.Port = port
	}
	if controlAuth == "" {
		controlAuth = os.Getenv("OUTPOST_CONTROL_AUTH")
	}
	query.MustInit(resolvePath(serverCfg.DatabasePath))

	nodeCfg, err := nodecfg.Load(resolvePath(serverCfg.NodeConfigPath))
	if err != nil {
		log.Panic(err)
	}
	if err = nodeCfg.Watch(); err != nil {
		log.Printf("WARN: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ring := control.NewLogRing(1024)
	if nodeCfg.Snapshot().LogsEnabled {
		log.SetOutput(io.MultiWriter(os.Stderr, ring))
	}

	store := query.RootStore()
	dbHandler := control.NewDatabaseHandler(store)
	acceptEvent := func(ctx context.Context, event *model.Event) error {
		if err := store.AcceptEvent(ctx, event); err != nil {
			return err //nolint:wrapcheck // ErrDuplicate is inspected upstream.
		}
		dbHandler.NotifyStats(ctx)

		return nil
	}
	pool := mailbox.NewPool(ctx)
	addressBook := mailbox.NewAddressBook(pool, store, serverCfg.ContactRelays)
	dmForwarder := mailbox.NewDMForwarder(pool, addressBook)

	relayCfg := &wsserver.Config{
		RelayURL:        serverCfg.RelayURL,
		SensitiveKinds:  []model.Kind{4, model.KindGiftWrap},
		RequireReadAuth: func() bool { return nodeCfg.Snapshot().RequireReadAuth },
		Owner:           nodeCfg.Owner,
		OnFirstAuth:     func(pubkey string) { nodeCfg.AdoptOwner(pubkey) },
	}
	rootRelay := wsserver.NewHandler(relayCfg, store.SelectEvents,
		wsserver.NewAuthGate(relayCfg),
		wsserver.NewDMForwarder(relayCfg, dmForwarder, acceptEvent),
		wsserver.NewStoreHandler(acceptEvent),
	)

	rcv := receiver.New(receiver.Dial, func(event *model.Event) {
		if aErr := acceptEvent(ctx, event); aErr != nil {
			if !errors.Is(aErr, model.ErrDuplicate) {
				log.Printf("WARN: failed to store scraped event %v: %v", event.ID, aErr)
			}

			return
		}
		if bErr := rootRelay.Broadcast(ctx, event); bErr != nil {
			log.Printf("WARN: %v", bErr)
		}
	})
	startReceiver := func(ctx context.Context) error {
		snapshot := nodeCfg.Snapshot()
		authors := make([]string, 0, 1+len(snapshot.PubKeys))
		for _, pubkey := range append([]string{snapshot.Owner}, snapshot.PubKeys...) {
			if pubkey != "" {
				authors = append(authors, pubkey)
			}
		}

		return rcv.Start(ctx, snapshot.Relays, authors, snapshot.CacheLevel < 2)
	}
	if err = startReceiver(ctx); err != nil {
		log.Printf("WARN: %v", err)
	}

	communities := community.NewMultiplexer(store, query.LabeledStore, community.DialUpstream, community.DirectResolver(), serverCfg.RelayURL)
	controller := control.New(controlAuth,
		control.NewConfigHandler(nodeCfg),
		dbHandler,
		control.NewReceiverHandler(&receiverControl{rcv: rcv, start: startReceiver}),
		control.NewLogHandler(ring),
		control.NewStatusHandler(wsserver.MetricsSnapshot),
	)

	srv := server.New(serverCfg, rootRelay, communities, controller)
	go srv.ListenAndServe(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	shutdown(srv, rcv, communities, nodeCfg)
}

// shutdown order matters: stop accepting traffic, stop producers, flush
// the node config, close the database last.
func shutdown(srv *server.Server, rcv *receiver.Receiver, communities *community.Multiplexer, nodeCfg *nodecfg.Manager) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*stdlibtime.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: %v", err)
	}
	rcv.Stop()
	if err := communities.Close(); err != nil {
		log.Printf("WARN: %v", err)
	}
	if err := nodeCfg.Close(); err != nil {
		log.Printf("WARN: %v", err)
	}
	if err := query.Close(); err != nil {
		log.Printf("WARN: %v", err)
	}
}

func resolvePath(path string) string {
	if path == "" || path == ":memory:" || path[0] == '/' {
		return path
	}

	return dataDir + "/" + path
}

// receiverControl binds the admin channel's RECEIVER namespace to the
// supervisor plus the node-config derived start parameters.
type receiverControl struct {
	rcv   *receiver.Receiver
	start func(ctx context.Context) error
}

func (r *receiverControl) StartScraping(ctx context.Context) error { return r.start(ctx) }
func (r *receiverControl) StopScraping()                           { r.rcv.Stop() }
func (r *receiverControl) Status() []receiver.RelayStatus          { return r.rcv.Status() }
