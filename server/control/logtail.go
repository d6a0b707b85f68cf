// SPDX-License-Identifier: ice License 1.0

package control

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	wsserver "github.com/ice-blockchain/outpost/server/ws"
)

type (
	// LogRing keeps the most recent log lines and pushes new ones to
	// subscribers. It plugs into the stdlib logger as an io.Writer.
	LogRing struct {
		mx          sync.Mutex
		lines       []string
		next        int
		full        bool
		subscribers map[wsserver.Writer]struct{}
	}

	logHandler struct {
		ring *LogRing
	}
)

func NewLogRing(capacity int) *LogRing {
	return &LogRing{
		lines:       make([]string, capacity),
		subscribers: make(map[wsserver.Writer]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput chaining.
func (r *LogRing) Write(line []byte) (int, error) {
	trimmed := strings.TrimRight(string(line), "\n")
	r.mx.Lock()
	r.lines[r.next] = trimmed
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	subscribers := make([]wsserver.Writer, 0, len(r.subscribers))
	for conn := range r.subscribers {
		subscribers = append(subscribers, conn)
	}
	r.mx.Unlock()

	for _, conn := range subscribers {
		if err := WriteFrame(conn, "LOG", "LINE", trimmed); err != nil {
			r.Unsubscribe(conn)
		}
	}

	return len(line), nil
}

// Tail returns the buffered lines, oldest first.
func (r *LogRing) Tail() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	var tail []string
	if r.full {
		tail = append(tail, r.lines[r.next:]...)
	}
	for _, line := range r.lines[:r.next] {
		tail = append(tail, line)
	}

	return tail
}

func (r *LogRing) Subscribe(conn wsserver.Writer) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.subscribers[conn] = struct{}{}
}

func (r *LogRing) Unsubscribe(conn wsserver.Writer) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.subscribers, conn)
}

func NewLogHandler(ring *LogRing) MessageHandler { return &logHandler{ring} }

func (*logHandler) Name() string { return "LOG" }

func (h *logHandler) Handle(_ context.Context, conn wsserver.Writer, action string, _ []gjson.Result) error {
	switch action {
	case "SUBSCRIBE":
		if err := WriteFrame(conn, "LOG", "TAIL", h.ring.Tail()); err != nil {
			return err
		}
		h.ring.Subscribe(conn)

		return nil
	case "UNSUBSCRIBE":
		h.ring.Unsubscribe(conn)

		return nil
	default:
		log.Printf("WARN: control: unknown LOG action %v", action)

		return nil
	}
}

// OnDisconnect drops the connection's log subscription.
func (h *logHandler) OnDisconnect(conn wsserver.Writer) {
	h.ring.Unsubscribe(conn)
}
