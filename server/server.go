// SPDX-License-Identifier: ice License 1.0

// Package server is the HTTP front door: one listener routing websocket
// upgrades to the root relay, per-community relays or the admin channel,
// and serving the NIP-11 information document.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/gookit/goutil/errorx"
	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/ice-blockchain/outpost/community"
	"github.com/ice-blockchain/outpost/server/control"
	wsserver "github.com/ice-blockchain/outpost/server/ws"
)

type (
	// Config is the static server configuration, resolved from the yaml
	// `server` key.
	Config struct {
		Port           int
		RelayURL       string
		NodeConfigPath string
		DatabasePath   string
		ContactRelays  []string
	}

	// Server multiplexes one listener between the relay instances and the
	// control channel.
	Server struct {
		cfg         *Config
		root        *wsserver.Handler
		communities *community.Multiplexer
		control     *control.Controller
		httpServer  *http.Server
	}

	// wsConnection adapts one upgraded socket to the relay handler's
	// reader/writer contract. Writes are serialized: broadcasts and REQ
	// replays can target the same socket concurrently.
	wsConnection struct {
		conn    net.Conn
		writeMx sync.Mutex
	}
)

func New(cfg *Config, root *wsserver.Handler, communities *community.Multiplexer, controller *control.Controller) *Server {
	return &Server{cfg: cfg, root: root, communities: communities, control: controller}
}

// ListenAndServe blocks until the listener fails or ctx is cancelled.
// A bind failure is fatal for the process.
func (s *Server) ListenAndServe(ctx context.Context) {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%v", s.cfg.Port),
		Handler:     s.router(ctx),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	log.Printf("server started listening on %v...", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Panic(errorx.Withf(err, "failed to listen on %v", s.cfg.Port))
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return errorx.With(s.httpServer.Shutdown(ctx), "failed to shut down server")
}

func (s *Server) router(ctx context.Context) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Any("/*path", s.handle(ctx))

	return engine
}

func (s *Server) handle(ctx context.Context) gin.HandlerFunc {
	return func(ginCtx *gin.Context) {
		path := strings.Trim(ginCtx.Param("path"), "/")
		if !strings.EqualFold(ginCtx.GetHeader("Upgrade"), "websocket") {
			s.handleHTTP(ginCtx, path)

			return
		}
		conn, _, _, err := ws.UpgradeHTTP(ginCtx.Request, ginCtx.Writer)
		if err != nil {
			log.Printf("ERROR:%v", errorx.Withf(err, "websocket upgrade failed for /%v", path))
			ginCtx.AbortWithStatus(http.StatusBadRequest)

			return
		}
		stream := &wsConnection{conn: conn}
		switch {
		case path == "control":
			go s.serveControl(ctx, stream)
		case isCommunityKey(path):
			go s.communities.Get(ctx, strings.ToLower(path)).Handler.Read(ctx, stream)
		default:
			// Unknown paths fall back to the root relay.
			go s.root.Read(ctx, stream)
		}
	}
}

func (s *Server) handleHTTP(ginCtx *gin.Context, path string) {
	if path == "" && strings.Contains(ginCtx.GetHeader("Accept"), "application/nostr+json") {
		ginCtx.JSON(http.StatusOK, s.relayInformation())

		return
	}
	ginCtx.Status(http.StatusNotFound)
}

func (s *Server) relayInformation() nip11.RelayInformationDocument {
	return nip11.RelayInformationDocument{
		Name:          "outpost",
		Description:   "personal relay node",
		Software:      "outpost",
		SupportedNIPs: []int{1, 9, 11, 40, 42, 65},
	}
}

// serveControl drives one admin connection until its socket closes.
func (s *Server) serveControl(ctx context.Context, stream *wsConnection) {
	defer func() {
		s.control.OnDisconnect(stream)
		if err := stream.Close(); err != nil {
			log.Printf("WARN: failed to close control connection: %v", err)
		}
	}()
	for {
		opCode, msg, err := stream.ReadMessage()
		if err != nil {
			return
		}
		if len(msg) == 0 || ws.OpCode(opCode) != ws.OpText {
			continue
		}
		if err = s.control.HandleMessage(ctx, stream, msg); err != nil {
			log.Printf("WARN: %v", err)
		}
	}
}

// isCommunityKey reports whether path looks like a hex-encoded community
// identity pubkey.
func isCommunityKey(path string) bool {
	if len(path) != 64 {
		return false
	}
	for _, c := range path {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}

	return true
}

func (c *wsConnection) WriteMessage(opCode int, data []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	return errorx.With(wsutil.WriteServerMessage(c.conn, ws.OpCode(opCode), data), "failed to write message")
}

func (c *wsConnection) ReadMessage() (int, []byte, error) {
	data, opCode, err := wsutil.ReadClientData(c.conn)

	return int(opCode), data, err //nolint:wrapcheck // Close/EOF semantics are inspected by the caller.
}

func (c *wsConnection) Close() error {
	return errorx.With(c.conn.Close(), "failed to close connection")
}
