/*
Package websocket provides a client for the Tradier streaming API. The API
consists of two separate streams: market data and account activity. Although
they are separate services, both share the same session handshake and
connection logic. Each stream has its own respective session type:
MarketSession and AccountSession.

# Sessions

Every stream is scoped by a short-lived session token obtained over HTTP;
use the rest client to perform the handshake:

	restClient := rest.NewTradierRESTClient(&rest.TradierRESTClientParams{
		AccessToken: "myaccesstoken",
	})

	session, err := restClient.NewSession(ctx, rest.SessionKindMarket)
	if err != nil {
		log.Fatal(err)
	}

A session descriptor carries the websocket endpoint and the session id; it
is valid for a few minutes and scopes exactly one connection. When a stream
ends, the descriptor is spent: perform a new handshake rather than reusing
it.

# Streaming

The typical workflow is to create a session from a descriptor, then call
Stream with a subscription payload; the first outbound frame on the socket
is the serialized payload, and every subsequent inbound frame is decoded
into a Message and delivered on the returned channel:

	ms, err := websocket.NewMarketSession(&websocket.StreamParams{
		Session: session,
	})
	if err != nil {
		log.Fatal(err)
	}

	msgs, err := ms.Stream(ctx, &websocket.SubscriptionPayload{
		Symbols:   []string{"AAPL", "MSFT"},
		Filter:    []websocket.Filter{websocket.FilterQuote, websocket.FilterTrade},
		SessionID: session.ID,
	})
	if err != nil {
		log.Fatal(err)
	}

	for msg := range msgs {
		switch {
		case msg.Quote != nil:
			// Handle a quote
		case msg.Trade != nil:
			// Handle a trade
		}
	}

	if err := ms.Err(); err != nil {
		// The stream failed; a nil error means a graceful close.
	}

The channel yields messages in arrival order and is closed when the stream
ends for any reason. Err distinguishes a failure from a graceful close or
cancellation.

# Supervision

A single session stream ends when the server closes the connection or the
session expires. For a durable stream, use the Supervisor, which performs a
fresh handshake for every attempt and re-subscribes after failures and
graceful closes alike, with a fixed delay between attempts:

	sup, err := websocket.NewSupervisor(&websocket.SupervisorParams{
		Kind:    rest.SessionKindMarket,
		Factory: restClient,
		BuildPayload: func(session *rest.Session) *websocket.SubscriptionPayload {
			return &websocket.SubscriptionPayload{
				Symbols:   []string{"AAPL", "MSFT"},
				SessionID: session.ID,
			}
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	for msg := range sup.Run(ctx) {
		// Handle messages from every attempt, as one continuous stream
	}

The supervision loop only stops when ctx is cancelled; the consumer never
sees intermediate errors, which are logged and retried.

# Errors and Connection States

Errors returned from the handshake and from streams are classified into the
four kinds in the common package (ErrAuth, ErrNetwork, ErrProtocol,
ErrTimeout); use common.ErrorKind to dispatch on them exhaustively.

Sessions can set listeners for connection state changes such as
ConnStateConnecting, ConnStateSubscribed, ConnStateStreaming,
ConnStateClosed and ConnStateFailed. They can also listen for any state
change by using ConnStateAny. The following prints verbose logs about a
session's state transitions:

	ms.OnStateChange(
		websocket.ConnStateAny,
		func(oldState, state websocket.ConnState) {
			log.Printf(
				"State updated: %s -> %s",
				websocket.ConnStateNames[oldState],
				websocket.ConnStateNames[state],
			)
		},
	)

# Strings Vs Floats

Trade, summary and timesale fields are represented as strings, exactly as
the server sends them. This is to prevent loss of significant digits on
re-serialization. Quotes carry numeric bid/ask fields, matching the wire
format.

# Concurrency

All methods of a session can be called concurrently from any number of
goroutines. All state listeners are called by the same internal goroutine,
unique to each connection; that is, they are never called concurrently with
each other.

# CLI

Use the command line tool tradier-stream to subscribe to live data feeds
from the command line:

	tradier-stream \
		--symbol AAPL \
		--symbol MSFT \
		--filter quote --filter trade
*/
package websocket
