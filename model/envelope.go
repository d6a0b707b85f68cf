// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

type (
	EnvelopeType string

	Envelope interface {
		Label() string
	}

	EventEnvelope struct {
		SubscriptionID string
		Event          Event
	}

	ReqEnvelope struct {
		SubscriptionID string
		Filters        Filters
	}

	CloseEnvelope struct {
		SubscriptionID string
	}

	AuthEnvelope struct {
		Event Event
	}
)

const (
	EnvelopeTypeEvent  EnvelopeType = "EVENT"
	EnvelopeTypeReq    EnvelopeType = "REQ"
	EnvelopeTypeClose  EnvelopeType = "CLOSE"
	EnvelopeTypeAuth   EnvelopeType = "AUTH"
	EnvelopeTypeNotice EnvelopeType = "NOTICE"
	EnvelopeTypeEOSE   EnvelopeType = "EOSE"
	EnvelopeTypeOK     EnvelopeType = "OK"
	EnvelopeTypeClosed EnvelopeType = "CLOSED"
)

func (*EventEnvelope) Label() string { return string(EnvelopeTypeEvent) }
func (*ReqEnvelope) Label() string   { return string(EnvelopeTypeReq) }
func (*CloseEnvelope) Label() string { return string(EnvelopeTypeClose) }
func (*AuthEnvelope) Label() string  { return string(EnvelopeTypeAuth) }

// ParseMessage decodes one client frame. The caller owns protocol-level error
// reporting; a nil-error result is ready to handle.
func ParseMessage(message []byte) (Envelope, error) {
	firstComma := bytes.Index(message, []byte{','})
	if firstComma == -1 {
		return nil, errors.New("malformed message: not a json array")
	}
	label := message[0:firstComma]

	switch {
	case bytes.Contains(label, []byte(EnvelopeTypeEvent)):
		return parseEventEnvelope(message)
	case bytes.Contains(label, []byte(EnvelopeTypeReq)):
		return parseReqEnvelope(message)
	case bytes.Contains(label, []byte(EnvelopeTypeClose)):
		return parseCloseEnvelope(message)
	case bytes.Contains(label, []byte(EnvelopeTypeAuth)):
		return parseAuthEnvelope(message)
	}

	return nil, errors.Errorf("unknown message label %q", string(label))
}

func parseEventEnvelope(message []byte) (*EventEnvelope, error) {
	arr := gjson.ParseBytes(message).Array()
	if len(arr) < 2 {
		return nil, errors.New("failed to decode EVENT envelope: missing event")
	}
	var v EventEnvelope
	eventRaw := arr[1]
	if len(arr) >= 3 {
		// Relay-to-relay form carries the subscription id in the middle.
		v.SubscriptionID = arr[1].Str
		eventRaw = arr[2]
	}
	if err := json.Unmarshal([]byte(eventRaw.Raw), &v.Event.Event); err != nil {
		return nil, errors.Wrap(err, "failed to decode EVENT envelope")
	}

	return &v, nil
}

func parseReqEnvelope(message []byte) (*ReqEnvelope, error) {
	arr := gjson.ParseBytes(message).Array()
	if len(arr) < 3 {
		return nil, errors.New("failed to decode REQ envelope: missing filters")
	}
	v := ReqEnvelope{
		SubscriptionID: arr[1].Str,
		Filters:        make(Filters, 0, len(arr)-2),
	}
	for i := 2; i < len(arr); i++ {
		filter, err := ParseFilter([]byte(arr[i].Raw))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode filter %d", i-2)
		}
		v.Filters = append(v.Filters, *filter)
	}

	return &v, nil
}

func parseCloseEnvelope(message []byte) (*CloseEnvelope, error) {
	arr := gjson.ParseBytes(message).Array()
	if len(arr) < 2 {
		return nil, errors.New("failed to decode CLOSE envelope: missing subscription id")
	}

	return &CloseEnvelope{SubscriptionID: arr[1].Str}, nil
}

func parseAuthEnvelope(message []byte) (*AuthEnvelope, error) {
	arr := gjson.ParseBytes(message).Array()
	if len(arr) < 2 || !arr[1].IsObject() {
		return nil, errors.New("failed to decode AUTH envelope: missing signed event")
	}
	var v AuthEnvelope
	if err := json.Unmarshal([]byte(arr[1].Raw), &v.Event.Event); err != nil {
		return nil, errors.Wrap(err, "failed to decode AUTH envelope")
	}

	return &v, nil
}
