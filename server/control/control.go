// SPDX-License-Identifier: ice License 1.0

package control

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/tidwall/gjson"

	wsserver "github.com/ice-blockchain/outpost/server/ws"
)

// HandleMessage processes one inbound control frame. Anything that is not
// a well-formed, authenticated CONTROL frame is dropped with a warning:
// the admin channel never leaks information to strangers.
func (c *Controller) HandleMessage(ctx context.Context, conn wsserver.Writer, msg []byte) error {
	parsed := gjson.ParseBytes(msg)
	if !parsed.IsArray() {
		log.Printf("WARN: control: dropping non-array frame")

		return nil
	}
	elems := parsed.Array()
	if len(elems) < 3 || elems[0].Str != "CONTROL" {
		log.Printf("WARN: control: dropping malformed frame")

		return nil
	}
	namespace, action := elems[1].Str, elems[2].Str
	if namespace == "AUTH" {
		return c.handleAuth(conn, action, elems[3:])
	}
	if !c.isAuthed(conn) {
		log.Printf("WARN: control: dropping %v frame from unauthenticated connection", namespace)

		return nil
	}
	handler, found := c.handlers[namespace]
	if !found {
		log.Printf("WARN: control: dropping frame for unknown namespace %v", namespace)

		return nil
	}

	return errors.Wrapf(handler.Handle(ctx, conn, action, elems[3:]), "control: %v %v failed", namespace, action)
}

// handleAuth implements the bearer handshake: ["CONTROL","AUTH","CODE",<secret>].
func (c *Controller) handleAuth(conn wsserver.Writer, action string, args []gjson.Result) error {
	if action != "CODE" || len(args) < 1 {
		log.Printf("WARN: control: dropping malformed AUTH frame")

		return nil
	}
	if c.secret == "" || args[0].Str != c.secret {
		log.Printf("WARN: control: rejecting AUTH with wrong code")

		return WriteFrame(conn, "AUTH", "FAILED")
	}
	c.mx.Lock()
	c.authed[conn] = struct{}{}
	c.mx.Unlock()

	return WriteFrame(conn, "AUTH", "OK")
}

func (c *Controller) isAuthed(conn wsserver.Writer) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, authed := c.authed[conn]

	return authed
}

// OnDisconnect forgets everything about a closed admin connection.
func (c *Controller) OnDisconnect(conn wsserver.Writer) {
	c.mx.Lock()
	delete(c.authed, conn)
	c.mx.Unlock()
	for _, handler := range c.handlers {
		if observer, ok := handler.(interface{ OnDisconnect(wsserver.Writer) }); ok {
			observer.OnDisconnect(conn)
		}
	}
}

// WriteFrame sends one ["CONTROL", ...] reply.
func WriteFrame(conn wsserver.Writer, elems ...any) error {
	frame := append([]any{"CONTROL"}, elems...)
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to marshal control frame")
	}

	return errors.Wrap(conn.WriteMessage(int(ws.OpText), data), "failed to write control frame")
}
