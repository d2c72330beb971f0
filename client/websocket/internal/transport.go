package internal

import (
	"context"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

type TransportState int

const (
	// TransportStateIdle means the transport was created but Connect wasn't
	// called yet.
	TransportStateIdle TransportState = iota

	// TransportStateConnecting means we're calling Dial right now.
	TransportStateConnecting

	// TransportStateConnected means the websocket connection is established
	// and the read loop is running.
	TransportStateConnected

	// TransportStateClosed is terminal: the connection is gone and this
	// transport can't be reused. Open a new one to reconnect.
	TransportStateClosed
)

const (
	// heartbeatPeriod is how often the server is expected to send something.
	heartbeatPeriod = 10 * time.Second

	// DefaultIdleTimeout specifies how long to wait for any data from the
	// server before giving the connection up as stalled.
	DefaultIdleTimeout = heartbeatPeriod * 3
)

var (
	ErrNotConnected     = errors.New("transport error: not connected")
	ErrAlreadyConnected = errors.New("transport error: connection was already opened")

	// ErrIdleTimeout is the close cause when nothing was received within
	// the idle timeout.
	ErrIdleTimeout = errors.New("transport error: no data within idle timeout")
)

// FrameTransportParams contains params for opening a client frame transport
// (see FrameTransport).
type FrameTransportParams struct {
	URL string

	// IdleTimeout, if zero, defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Clock is a mockable; leave nil for prod.
	Clock clock.Clock
}

// FrameTransport is a single-use websocket connection: it dials once,
// delivers every received frame to the on-read callback, and reports the
// close cause to the on-close callback. It never redials; reconnect policy
// lives above it, because every new connection needs a freshly handshaken
// session.
type FrameTransport struct {
	params FrameTransportParams

	connTx chan WebsocketTx

	// done is closed exactly once (via teardownOnce) when the transport
	// terminates, no matter how; it stops writeLoop.
	done         chan struct{}
	teardownOnce sync.Once

	// state and wsConn are guarded by mtx.
	state  TransportState
	wsConn *websocket.Conn

	// onReadCB, if not nil, is called for each received websocket message.
	onReadCB onReadCallback

	// onCloseCB, if not nil, is called exactly once, when the connection
	// terminates. A nil cause means a graceful close.
	onCloseCB onCloseCallback

	// timedOut is set by the idle timer before it force-closes the socket,
	// so the read loop can tell a stall from an ordinary network error.
	timedOut bool

	mtx sync.Mutex
}

// WebsocketTx represents a message to send to the websocket.
type WebsocketTx struct {
	MessageType int
	Data        []byte
	Res         chan error
}

type onReadCallback func(tc *FrameTransport, data []byte)
type onCloseCallback func(tc *FrameTransport, cause error)

// NewFrameTransport creates a new frame transport.
//
// Note that a client should manually call Connect on a newly created
// transport; the rationale is that clients might register the read and close
// handlers before the connection, to avoid any possible races.
func NewFrameTransport(params *FrameTransportParams) *FrameTransport {
	c := &FrameTransport{
		// Copy params defensively
		params: *params,

		state:  TransportStateIdle,
		connTx: make(chan WebsocketTx, 1),
		done:   make(chan struct{}),
	}

	if c.params.IdleTimeout == 0 {
		c.params.IdleTimeout = DefaultIdleTimeout
	}

	if c.params.Clock == nil {
		c.params.Clock = clock.New()
	}

	// Start writeLoop right away, before even connecting, so that an attempt
	// to write something while not connected will result in a proper error.
	go c.writeLoop()

	return c
}

// OnRead sets the on-read callback; it should be called once right after
// creation of the FrameTransport, before Connect.
func (c *FrameTransport) OnRead(cb onReadCallback) {
	c.onReadCB = cb
}

// OnClose sets the on-close callback; same restrictions as OnRead.
func (c *FrameTransport) OnClose(cb onCloseCallback) {
	c.onCloseCB = cb
}

// Connect dials the websocket endpoint and, on success, starts the read
// loop. It can be called at most once; the transport is single-use.
func (c *FrameTransport) Connect(ctx context.Context) error {
	c.mtx.Lock()
	if c.state != TransportStateIdle {
		c.mtx.Unlock()
		return errors.Trace(ErrAlreadyConnected)
	}
	c.state = TransportStateConnecting
	c.mtx.Unlock()

	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, c.params.URL, nil)
	if err != nil {
		c.mtx.Lock()
		c.state = TransportStateClosed
		c.mtx.Unlock()
		c.teardown()
		return errors.Annotatef(err, "dialing %q", c.params.URL)
	}

	c.mtx.Lock()
	c.wsConn = wsConn
	c.state = TransportStateConnected
	c.mtx.Unlock()

	go c.readLoop(wsConn)

	return nil
}

// GetState returns the transport state.
func (c *FrameTransport) GetState() TransportState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// URL returns the url used for the connection.
func (c *FrameTransport) URL() string {
	return c.params.URL
}

// Send sends data to the websocket if it's connected.
func (c *FrameTransport) Send(ctx context.Context, data []byte) error {
	// Note that we don't check here whether the socket is connected,
	// as it's checked by the writeLoop() which will receive our message
	// from c.connTx.

	res := make(chan error)

	c.connTx <- WebsocketTx{
		MessageType: websocket.TextMessage,
		Data:        data,
		Res:         res,
	}

	select {
	case err := <-res:
		if err != nil {
			return errors.Annotatef(err, "sending msg")
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	return nil
}

// Close performs a graceful websocket closure (code 1000). If writing the
// close message fails, the connection is torn down forcefully.
func (c *FrameTransport) Close() error {
	return c.CloseOpt(websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// CloseOpt is like Close but with a caller-provided close message.
func (c *FrameTransport) CloseOpt(data []byte) error {
	c.mtx.Lock()
	wsConn := c.wsConn
	if wsConn == nil {
		// Closing a transport that never connected still has to stop its
		// write loop.
		if c.state == TransportStateIdle {
			c.state = TransportStateClosed
			c.mtx.Unlock()
			c.teardown()
		} else {
			c.mtx.Unlock()
		}
		return errors.Trace(ErrNotConnected)
	}
	c.mtx.Unlock()

	if err := wsConn.WriteControl(websocket.CloseMessage, data, time.Time{}); err != nil {
		// Graceful close failed, close forcefully.
		return errors.Trace(wsConn.Close())
	}

	return nil
}

// readLoop keeps receiving websocket frames (calling onReadCB for each)
// until the connection terminates, then reports the close cause.
func (c *FrameTransport) readLoop(wsConn *websocket.Conn) {
	idleTimer := c.params.Clock.AfterFunc(c.params.IdleTimeout, func() {
		// We haven't heard anything from the server for too long. NOTE that
		// we don't write a close message here: it's quite likely that there
		// is some problem with the network, and writing would take quite
		// some time before timing out. Instead we just close the connection
		// forcefully, immediately breaking out of readLoop.
		c.mtx.Lock()
		c.timedOut = true
		c.mtx.Unlock()

		wsConn.Close()
	})

	var cause error

recvLoop:
	for {
		msgType, data, err := wsConn.ReadMessage()
		if err != nil {
			switch {
			case c.hasTimedOut():
				cause = errors.Trace(ErrIdleTimeout)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				// Graceful server close; cause stays nil.
			default:
				cause = err
			}
			break recvLoop
		}

		// Just received something from the server: reset the idle timeout.
		// We don't bother to check whether the timer has already fired: if
		// so, the connection is being torn down anyway.
		idleTimer.Reset(c.params.IdleTimeout)

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if c.onReadCB != nil {
				c.onReadCB(c, data)
			}

		case websocket.CloseMessage:
			break recvLoop
		}
	}

	idleTimer.Stop()

	c.mtx.Lock()
	c.wsConn = nil
	c.state = TransportStateClosed
	c.mtx.Unlock()

	c.teardown()

	if c.onCloseCB != nil {
		c.onCloseCB(c, cause)
	}
}

// teardown stops writeLoop. It runs at most once, no matter which path the
// transport terminates through.
func (c *FrameTransport) teardown() {
	c.teardownOnce.Do(func() {
		close(c.done)
	})
}

func (c *FrameTransport) hasTimedOut() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.timedOut
}

// writeLoop receives messages from c.connTx, and tries to send them to the
// active websocket connection, if any. It exits when the transport is torn
// down, since a single-use transport outliving its connection would leak one
// goroutine per reconnect.
func (c *FrameTransport) writeLoop() {
cloop:
	for {
		select {
		case msg := <-c.connTx:
			// Get currently active websocket connection
			c.mtx.Lock()
			wsConn := c.wsConn
			c.mtx.Unlock()

			if wsConn == nil {
				msg.Res <- errors.Trace(ErrNotConnected)
				continue cloop
			}

			// Try to write the message
			err := errors.Trace(wsConn.WriteMessage(msg.MessageType, msg.Data))

			// Send resulting error to the requester
			msg.Res <- err

		case <-c.done:
			// Reply to any send that was already enqueued, then exit.
			for {
				select {
				case msg := <-c.connTx:
					msg.Res <- errors.Trace(ErrNotConnected)
				default:
					return
				}
			}
		}
	}
}
