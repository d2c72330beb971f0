package websocket

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"

	"tradier-sdk-go/client/rest"
	"tradier-sdk-go/common"
)

// AccountSession delivers account activity events (order status updates and
// heartbeats) over a single websocket connection.
//
// It works just like MarketSession, except the descriptor must come from an
// account handshake (rest.SessionKindAccount), and the subscription payload
// carries event names instead of symbols.
type AccountSession struct {
	*wsSession
}

// NewAccountSession creates a new account session from the given descriptor.
func NewAccountSession(params *StreamParams) (*AccountSession, error) {
	if params.Session != nil && params.Session.Kind != rest.SessionKindAccount {
		return nil, errors.Annotatef(common.ErrProtocol,
			"%s session descriptor used for an account stream", params.Session.Kind)
	}

	c, err := newWsSession(params, &wsSessionParamsInternal{
		decodeFrame:     decodeAccountFrame,
		validatePayload: nil,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &AccountSession{wsSession: c}, nil
}

type accountFrameProbe struct {
	Event string `json:"event"`
}

// decodeAccountFrame decodes one websocket frame into messages. Account
// frames are keyed by "event" rather than "type".
func decodeAccountFrame(data []byte) ([]common.Message, error) {
	var msgs []common.Message

	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var probe accountFrameProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, errors.Annotatef(common.ErrProtocol, "malformed frame: %s", err)
		}

		var msg common.Message

		var err error
		switch probe.Event {
		case "heartbeat":
			msg.Heartbeat = &common.Heartbeat{}
			err = json.Unmarshal(line, msg.Heartbeat)

		case "order":
			msg.OrderUpdate = &common.OrderUpdate{}
			err = json.Unmarshal(line, msg.OrderUpdate)

		default:
			return nil, errors.Annotatef(common.ErrProtocol,
				"unknown account event %q", probe.Event)
		}

		if err != nil {
			return nil, errors.Annotatef(common.ErrProtocol,
				"malformed %s event: %s", probe.Event, err)
		}

		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return nil, errors.Annotatef(common.ErrProtocol, "empty frame")
	}

	return msgs, nil
}
