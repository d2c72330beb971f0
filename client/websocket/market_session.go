package websocket

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"

	"tradier-sdk-go/client/rest"
	"tradier-sdk-go/common"
)

// MarketSession delivers market data events (quotes, trades, summaries and
// timesales) for a set of symbols over a single websocket connection.
//
// To create a MarketSession, perform the handshake with the rest client
// first, then pass the descriptor in StreamParams:
//
//	session, err := restClient.NewSession(ctx, rest.SessionKindMarket)
//	if err != nil {
//	    // handle the error
//	}
//
//	ms, err := websocket.NewMarketSession(&websocket.StreamParams{
//	    Session: session,
//	})
type MarketSession struct {
	*wsSession
}

// NewMarketSession creates a new market session from the given descriptor.
//
// Note that the stream isn't opened yet; call Stream to subscribe and start
// receiving messages.
func NewMarketSession(params *StreamParams) (*MarketSession, error) {
	if params.Session != nil && params.Session.Kind != rest.SessionKindMarket {
		return nil, errors.Annotatef(common.ErrProtocol,
			"%s session descriptor used for a market stream", params.Session.Kind)
	}

	c, err := newWsSession(params, &wsSessionParamsInternal{
		decodeFrame:     decodeMarketFrame,
		validatePayload: validateMarketPayload,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &MarketSession{wsSession: c}, nil
}

func validateMarketPayload(p *SubscriptionPayload) error {
	if len(p.Symbols) == 0 {
		return errors.Annotatef(common.ErrProtocol, "market payload has no symbols")
	}

	for _, f := range p.Filter {
		switch f {
		case FilterQuote, FilterTrade, FilterSummary, FilterTimeSale, FilterTradEx:
		default:
			return errors.Annotatef(common.ErrProtocol, "unknown filter %q", f)
		}
	}

	return nil
}

// marketFrameProbe is used to sniff the event type before unmarshalling the
// full message.
type marketFrameProbe struct {
	Type string `json:"type"`
}

// decodeMarketFrame decodes one websocket frame into messages. A frame
// contains one or more newline-delimited JSON objects, each keyed by "type".
func decodeMarketFrame(data []byte) ([]common.Message, error) {
	var msgs []common.Message

	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var probe marketFrameProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, errors.Annotatef(common.ErrProtocol, "malformed frame: %s", err)
		}

		msg, err := decodeMarketEvent(probe.Type, line)
		if err != nil {
			return nil, errors.Trace(err)
		}

		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return nil, errors.Annotatef(common.ErrProtocol, "empty frame")
	}

	return msgs, nil
}

func decodeMarketEvent(eventType string, line []byte) (common.Message, error) {
	var msg common.Message

	var err error
	switch eventType {
	case "quote":
		msg.Quote = &common.Quote{}
		err = json.Unmarshal(line, msg.Quote)

	case "trade", "tradex":
		msg.Trade = &common.Trade{}
		err = json.Unmarshal(line, msg.Trade)

	case "summary":
		msg.Summary = &common.Summary{}
		err = json.Unmarshal(line, msg.Summary)

	case "timesale":
		msg.TimeSale = &common.TimeSale{}
		err = json.Unmarshal(line, msg.TimeSale)

	case "error":
		msg.ErrorNotice = &common.ErrorNotice{}
		err = json.Unmarshal(line, msg.ErrorNotice)

	default:
		return common.Message{}, errors.Annotatef(common.ErrProtocol,
			"unknown market event type %q", eventType)
	}

	if err != nil {
		return common.Message{}, errors.Annotatef(common.ErrProtocol,
			"malformed %s event: %s", eventType, err)
	}

	return msg, nil
}
