// SPDX-License-Identifier: ice License 1.0

package receiver

import (
	"context"
	"encoding/json"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"

	"github.com/ice-blockchain/outpost/model"
)

type wsConn struct {
	netConn net.Conn
}

// Dial opens a nostr websocket connection to url.
func Dial(ctx context.Context, url string) (Conn, error) {
	netConn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %v", url)
	}

	return &wsConn{netConn: netConn}, nil
}

func (c *wsConn) Subscribe(subID string, filters model.Filters) error {
	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, "REQ", subID)
	for i := range filters {
		frame = append(frame, &filters[i])
	}

	return c.write(frame)
}

func (c *wsConn) Unsubscribe(subID string) error {
	return c.write([]any{"CLOSE", subID})
}

func (c *wsConn) Read() (*Message, error) {
	for {
		data, err := wsutil.ReadServerText(c.netConn)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read relay frame")
		}
		msg, err := parseRelayMessage(data)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

func (c *wsConn) Close() error {
	return errors.Wrap(c.netConn.Close(), "failed to close relay connection")
}

func (c *wsConn) write(frame []any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to marshal relay frame")
	}

	return errors.Wrap(wsutil.WriteClientText(c.netConn, data), "failed to write relay frame")
}

// parseRelayMessage decodes the relay-to-client frames the scraper cares
// about. Frames it doesn't (NOTICE, OK, AUTH) collapse to nil.
func parseRelayMessage(data []byte) (*Message, error) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, errors.Errorf("malformed relay frame: %v", string(data))
	}
	elems := parsed.Array()
	if len(elems) == 0 {
		return nil, errors.Errorf("malformed relay frame: %v", string(data))
	}
	switch elems[0].Str {
	case "EVENT":
		if len(elems) < 3 {
			return nil, errors.Errorf("malformed EVENT frame: %v", string(data))
		}
		var event model.Event
		if err := json.Unmarshal([]byte(elems[2].Raw), &event.Event); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event")
		}

		return &Message{Type: "EVENT", SubID: elems[1].Str, Event: &event}, nil
	case "EOSE":
		if len(elems) < 2 {
			return nil, errors.Errorf("malformed EOSE frame: %v", string(data))
		}

		return &Message{Type: "EOSE", SubID: elems[1].Str}, nil
	case "CLOSED":
		if len(elems) < 2 {
			return nil, errors.Errorf("malformed CLOSED frame: %v", string(data))
		}

		return &Message{Type: "CLOSED", SubID: elems[1].Str}, nil
	default:
		return nil, nil
	}
}
