package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"tradier-sdk-go/client/rest"
	"tradier-sdk-go/client/websocket/internal"
	"tradier-sdk-go/common"
)

// The following errors are returned from session streams, in addition to the
// common taxonomy (common.ErrAuth and friends).
var (
	// ErrSessionConsumed means Stream was called on a session whose stream
	// already started or ended. A session's sequence is not restartable:
	// construct a new session (with a fresh handshake) instead.
	ErrSessionConsumed = errors.New("session stream already consumed")

	// ErrSessionMismatch means the payload's session id doesn't match the
	// descriptor of the session it was subscribed with.
	ErrSessionMismatch = errors.New("payload session id doesn't match session descriptor")
)

// ConnState represents the session connection state.
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateIdle means the session was created but Stream wasn't called
	// yet.
	ConnStateIdle ConnState = iota

	// ConnStateAuthenticating means the session handshake is in flight.
	// Sessions created directly through a rest client never pass through
	// this state; it's reported by the Supervisor, which owns the handshake.
	ConnStateAuthenticating

	// ConnStateConnecting means we're dialing the websocket endpoint right
	// now, or sending the subscription frame on the freshly opened socket.
	ConnStateConnecting

	// ConnStateSubscribed means the subscription frame was written; the
	// protocol has no explicit ack, so the next inbound frame confirms it.
	ConnStateSubscribed

	// ConnStateStreaming means at least one frame was received and messages
	// are being delivered.
	ConnStateStreaming

	// ConnStateClosed is terminal: the server closed gracefully, or the
	// caller cancelled. No error is associated with it.
	ConnStateClosed

	// ConnStateFailed is terminal: the stream ended with an error, which is
	// available via Err.
	ConnStateFailed

	// ConnStateAny can be used with OnStateChange in order to listen for
	// all states.
	ConnStateAny = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateIdle:           "idle",
	ConnStateAuthenticating: "authenticating",
	ConnStateConnecting:     "connecting",
	ConnStateSubscribed:     "subscribed",
	ConnStateStreaming:      "streaming",
	ConnStateClosed:         "closed",
	ConnStateFailed:         "failed",
}

// StateCallback is a signature of a state listener.
type StateCallback func(prevState, curState ConnState)

// StreamSession is the capability shared by MarketSession and
// AccountSession: one handshaken session, one socket, one non-restartable
// sequence of messages.
type StreamSession interface {
	// SessionID returns the descriptor's identifier; valid for the lifetime
	// of the session.
	SessionID() string

	// Stream opens the socket, sends the serialized payload as the first
	// frame, and returns a channel yielding one Message per decoded server
	// frame, in arrival order. The channel is closed when the stream ends;
	// Err tells a failure from a graceful close. Stream can be called once.
	Stream(ctx context.Context, payload *SubscriptionPayload) (<-chan common.Message, error)

	// Err returns the error that terminated the stream, classified with the
	// common taxonomy, or nil if the stream closed gracefully (or was
	// cancelled, or is still running).
	Err() error

	// Close tears the connection down. The stream channel is closed shortly
	// after.
	Close() error

	// OnStateChange registers a listener for the given state (or
	// ConnStateAny). Listeners are invoked from a single goroutine.
	OnStateChange(state ConnState, cb StateCallback)
}

// StreamParams contains options for opening a session stream.
type StreamParams struct {
	// Session is the descriptor obtained from the rest client. Required.
	Session *rest.Session

	// IdleTimeout overrides how long to wait for any inbound frame
	// (heartbeats included) before failing the stream with a timeout.
	IdleTimeout time.Duration

	// Logger, if nil, falls back to slog.Default().
	Logger *slog.Logger

	// Clock is a mockable; leave nil for prod.
	Clock clock.Clock
}

// wsSessionParamsInternal carries the variant-specific behavior. Market and
// account sessions differ only in the payload shape they accept and the
// message variants they decode into; everything else is shared here.
type wsSessionParamsInternal struct {
	// decodeFrame turns one websocket frame into messages. Frames may hold
	// several newline-delimited JSON objects.
	decodeFrame func(data []byte) ([]common.Message, error)

	// validatePayload applies the variant's payload requirements on top of
	// SubscriptionPayload.Validate.
	validatePayload func(p *SubscriptionPayload) error
}

// wsSession implements StreamSession; MarketSession and AccountSession wrap
// it with their variant-specific decode and validation.
type wsSession struct {
	params         StreamParams
	paramsInternal wsSessionParamsInternal

	transport *internal.FrameTransport
	logger    *slog.Logger

	// internalEvents is a channel of events handled by eventLoop.
	internalEvents chan internalEvent

	mtx            sync.Mutex
	state          ConnState
	stateListeners map[ConnState][]StateCallback
	err            error
	cancelled      bool
}

// internalEvent represents an event handled in eventLoop. Exactly one field
// is set.
type internalEvent struct {
	// rxData contains one frame received from the server.
	rxData []byte

	// closed reports the transport termination; its cause is nil on a
	// graceful close.
	closed *closedEvent
}

type closedEvent struct {
	cause error
}

func newWsSession(params *StreamParams, paramsInternal *wsSessionParamsInternal) (*wsSession, error) {
	if params.Session == nil || params.Session.ID == "" {
		return nil, errors.Annotatef(common.ErrProtocol, "session descriptor is empty")
	}

	p := *params

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &wsSession{
		params:         p,
		paramsInternal: *paramsInternal,
		logger:         logger,
		state:          ConnStateIdle,
		stateListeners: make(map[ConnState][]StateCallback),
		internalEvents: make(chan internalEvent, 8),
	}

	c.transport = internal.NewFrameTransport(&internal.FrameTransportParams{
		URL:         p.Session.URL,
		IdleTimeout: p.IdleTimeout,
		Clock:       p.Clock,
	})

	c.transport.OnRead(func(_ *internal.FrameTransport, data []byte) {
		c.internalEvents <- internalEvent{rxData: data}
	})

	c.transport.OnClose(func(_ *internal.FrameTransport, cause error) {
		c.internalEvents <- internalEvent{closed: &closedEvent{cause: cause}}
	})

	return c, nil
}

// SessionID returns the descriptor's identifier.
func (c *wsSession) SessionID() string {
	return c.params.Session.ID
}

// Stream opens the socket and subscribes; see StreamSession.
func (c *wsSession) Stream(ctx context.Context, payload *SubscriptionPayload) (<-chan common.Message, error) {
	if payload.SessionID != c.params.Session.ID {
		return nil, errors.Trace(ErrSessionMismatch)
	}

	if err := payload.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	if c.paramsInternal.validatePayload != nil {
		if err := c.paramsInternal.validatePayload(payload); err != nil {
			return nil, errors.Trace(err)
		}
	}

	c.mtx.Lock()
	if c.state != ConnStateIdle {
		c.mtx.Unlock()
		return nil, errors.Trace(ErrSessionConsumed)
	}
	c.mtx.Unlock()

	c.updateState(ConnStateConnecting)

	if err := c.transport.Connect(ctx); err != nil {
		c.fail(errors.Annotatef(common.ErrNetwork, "%s", err))
		return nil, errors.Annotatef(common.ErrNetwork, "%s", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		err = errors.Annotatef(common.ErrProtocol, "marshalling payload: %s", err)
		c.transport.Close()
		c.fail(err)
		return nil, err
	}

	if err := c.transport.Send(ctx, data); err != nil {
		err = errors.Annotatef(common.ErrNetwork, "sending subscription: %s", err)
		c.transport.Close()
		c.fail(err)
		return nil, err
	}

	// No explicit ack in the protocol: the subscription counts as accepted
	// once the frame is written.
	c.updateState(ConnStateSubscribed)

	msgs := make(chan common.Message)
	go c.eventLoop(ctx, msgs)

	return msgs, nil
}

// Err returns the terminal error, if any.
func (c *wsSession) Err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.err
}

// Close tears the connection down; see StreamSession. Closing a session
// whose stream already ended is a no-op.
func (c *wsSession) Close() error {
	if c.transport.GetState() == internal.TransportStateClosed {
		return nil
	}

	if err := c.transport.Close(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// State returns the current connection state.
func (c *wsSession) State() ConnState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// OnStateChange registers a new listener for the given state. Use
// ConnStateAny to listen for all states. The listeners shouldn't block; a
// blocked listener will also block the stream.
func (c *wsSession) OnStateChange(state ConnState, cb StateCallback) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.stateListeners[state] = append(c.stateListeners[state], cb)
}

// eventLoop turns transport events into decoded messages on msgs, closing
// msgs when the stream terminates. It is the only goroutine touching the
// terminal state, so consumers observe Err only after msgs is closed.
func (c *wsSession) eventLoop(ctx context.Context, msgs chan<- common.Message) {
	defer close(msgs)

	// pendingErr is set when a malformed frame was seen: the sequence must
	// end with a protocol error, not with whatever the subsequent close
	// reports.
	var pendingErr error

	// done is set to nil once cancellation is handled, so the select
	// doesn't keep firing on it while we wait for the close event.
	done := ctx.Done()

	for {
		select {
		case event := <-c.internalEvents:
			if data := event.rxData; data != nil {
				if pendingErr != nil {
					// Already tearing down; drop anything still in flight
					// rather than emitting messages after an error.
					continue
				}

				if c.State() == ConnStateSubscribed {
					c.updateState(ConnStateStreaming)
				}

				decoded, err := c.paramsInternal.decodeFrame(data)
				if err != nil {
					pendingErr = errors.Trace(err)
					c.transport.CloseOpt(websocket.FormatCloseMessage(
						websocket.CloseUnsupportedData, ""))
					continue
				}

				for _, m := range decoded {
					select {
					case msgs <- m:
					case <-ctx.Done():
						c.cancel()
					}
				}
			} else if closed := event.closed; closed != nil {
				c.finish(ctx, pendingErr, closed.cause)
				return
			}

		case <-done:
			c.cancel()
			done = nil
		}
	}
}

// cancel initiates a caller-requested shutdown; the terminal state is
// reached when the transport reports the close.
func (c *wsSession) cancel() {
	c.mtx.Lock()
	already := c.cancelled
	c.cancelled = true
	c.mtx.Unlock()

	if !already {
		c.transport.Close()
	}
}

// finish settles the terminal state from the transport close cause. NOTE:
// called from eventLoop only.
func (c *wsSession) finish(ctx context.Context, pendingErr, cause error) {
	c.mtx.Lock()
	cancelled := c.cancelled
	c.mtx.Unlock()

	switch {
	case pendingErr != nil:
		c.fail(pendingErr)
	case cancelled || ctx.Err() != nil:
		// Cancellation is not an error.
		c.updateState(ConnStateClosed)
	case cause == nil:
		c.updateState(ConnStateClosed)
	case errors.Cause(cause) == internal.ErrIdleTimeout:
		c.fail(errors.Annotatef(common.ErrTimeout, "%s", cause))
	default:
		c.fail(errors.Annotatef(common.ErrNetwork, "%s", cause))
	}
}

func (c *wsSession) fail(err error) {
	c.mtx.Lock()
	c.err = err
	c.mtx.Unlock()

	c.logger.Error("stream failed",
		"session", c.params.Session.ID,
		"kind", c.params.Session.Kind.String(),
		"url", c.transport.URL(),
		"err", err.Error(),
	)

	c.updateState(ConnStateFailed)
}

func (c *wsSession) updateState(state ConnState) {
	c.mtx.Lock()
	if c.state == state {
		c.mtx.Unlock()
		return
	}

	oldState := c.state
	c.state = state

	// Collect the listeners to call now; call them below, when the mutex is
	// not locked.
	listeners := append([]StateCallback{}, c.stateListeners[state]...)
	listeners = append(listeners, c.stateListeners[ConnStateAny]...)
	c.mtx.Unlock()

	for _, cb := range listeners {
		cb(oldState, state)
	}
}
