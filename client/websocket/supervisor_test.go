package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"tradier-sdk-go/client/rest"
	"tradier-sdk-go/client/websocket/internal"
	"tradier-sdk-go/common"
)

// fakeFactory fails a configured number of handshakes before succeeding;
// every successful handshake returns a fresh session id, like the real
// server does.
type fakeFactory struct {
	url      string
	failures int

	mtx      sync.Mutex
	attempts int
	sessions []string
}

func (f *fakeFactory) NewSession(ctx context.Context, kind rest.SessionKind) (*rest.Session, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.attempts++
	if f.attempts <= f.failures {
		return nil, errors.Annotatef(common.ErrNetwork, "handshake attempt %d", f.attempts)
	}

	id := uuid.New().String()
	f.sessions = append(f.sessions, id)

	return &rest.Session{
		Kind: kind,
		ID:   id,
		URL:  f.url,
	}, nil
}

func (f *fakeFactory) numAttempts() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.attempts
}

func (f *fakeFactory) lastSession() string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.sessions) == 0 {
		return ""
	}
	return f.sessions[len(f.sessions)-1]
}

func TestSupervisorRetriesHandshake(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		factory := &fakeFactory{url: tp.url, failures: 2}

		retryDelay := 50 * time.Millisecond

		sup, err := NewSupervisor(&SupervisorParams{
			Kind:    rest.SessionKindMarket,
			Factory: factory,
			BuildPayload: func(session *rest.Session) *SubscriptionPayload {
				return &SubscriptionPayload{
					Symbols:   []string{"AAPL", "MSFT"},
					SessionID: session.ID,
				}
			},
			RetryDelay: retryDelay,
		})
		if err != nil {
			return errors.Trace(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		started := time.Now()
		msgs := sup.Run(ctx)

		// The two failed handshakes each cost one retry delay before the
		// third attempt opens a connection.
		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if elapsed := time.Since(started); elapsed < 2*retryDelay {
			return errors.Errorf("third attempt came too early: %s", elapsed)
		}

		if want, got := 3, factory.numAttempts(); want != got {
			return errors.Errorf("attempts: want: %v, got: %v", want, got)
		}

		// The subscription must carry the id of the successful handshake.
		want := &SubscriptionPayload{
			Symbols:   []string{"AAPL", "MSFT"},
			SessionID: factory.lastSession(),
		}
		if err := waitSubscribeMsg(t, tp, want); err != nil {
			return errors.Errorf("waiting for subscription frame: %s", err)
		}

		// Messages from the successful session flow through the supervised
		// channel.
		tp.tx <- internal.WebsocketTx{
			MessageType: websocket.TextMessage,
			Data:        []byte(`{"type":"quote","symbol":"MSFT","bid":384.0,"bidsz":2,"ask":384.05,"asksz":1}`),
		}

		msg, err := waitMessage(msgs)
		if err != nil {
			return errors.Trace(err)
		}
		if msg.Quote == nil || msg.Quote.Symbol != "MSFT" {
			return errors.Errorf("want an MSFT quote, got: %s", msg)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestSupervisorResubscribesAfterGracefulClose(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		factory := &fakeFactory{url: tp.url}

		sup, err := NewSupervisor(&SupervisorParams{
			Kind:    rest.SessionKindMarket,
			Factory: factory,
			BuildPayload: func(session *rest.Session) *SubscriptionPayload {
				return &SubscriptionPayload{
					Symbols:   []string{"AAPL"},
					SessionID: session.ID,
				}
			},
			RetryDelay: 10 * time.Millisecond,
		})
		if err != nil {
			return errors.Trace(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sup.Run(ctx)

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := drainSubscribeMsg(t, tp); err != nil {
			return errors.Trace(err)
		}

		firstSession := factory.lastSession()

		// A graceful server close is treated like an expired session: the
		// supervisor performs a fresh handshake and resubscribes.
		tp.closeConn <- struct{}{}

		// Drain the close event the server's read loop reports for the old
		// connection before waiting for the reconnect.
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for the reconnect: %s", err)
		}

		want := &SubscriptionPayload{
			Symbols:   []string{"AAPL"},
			SessionID: factory.lastSession(),
		}
		if err := waitSubscribeMsg(t, tp, want); err != nil {
			return errors.Errorf("waiting for resubscription frame: %s", err)
		}

		if factory.lastSession() == firstSession {
			return errors.Errorf("resubscription should use a fresh session id")
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestSupervisorCancellation(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		factory := &fakeFactory{url: tp.url}

		sup, err := NewSupervisor(&SupervisorParams{
			Kind:    rest.SessionKindMarket,
			Factory: factory,
			BuildPayload: func(session *rest.Session) *SubscriptionPayload {
				return &SubscriptionPayload{
					Symbols:   []string{"AAPL"},
					SessionID: session.ID,
				}
			},
		})
		if err != nil {
			return errors.Trace(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		msgs := sup.Run(ctx)

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := drainSubscribeMsg(t, tp); err != nil {
			return errors.Trace(err)
		}

		cancel()

		// The supervised channel closes without surfacing an error; the
		// socket is released, which the server observes as a closed conn.
		if err := waitStreamEnd(msgs); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func waitConnClose(t *testing.T, tp *testServerParams) error {
	select {
	case event := <-tp.rx:
		if want, got := eventTypeMsg, event.eventType; want != got {
			return errors.Errorf("event type: want: %v, got: %v (%+v)", want, got, event)
		}

		if event.err == nil {
			return errors.Errorf("event.err should not be nil")
		}

	case <-time.After(1 * time.Second):
		return errors.Errorf("didn't receive anything")
	}

	return nil
}
