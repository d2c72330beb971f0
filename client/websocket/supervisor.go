package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"

	"tradier-sdk-go/client/rest"
	"tradier-sdk-go/common"
)

// DefaultRetryDelay is how long the supervisor waits after a failed attempt
// before performing a new handshake.
const DefaultRetryDelay = 5 * time.Second

// SessionFactory performs the HTTP handshake exchanging credentials for a
// session descriptor. *rest.TradierRESTClient satisfies it.
type SessionFactory interface {
	NewSession(ctx context.Context, kind rest.SessionKind) (*rest.Session, error)
}

// PayloadBuilder constructs a subscription payload for the given descriptor.
// The supervisor calls it on every attempt, since the session id embedded in
// the payload changes with every handshake.
type PayloadBuilder func(session *rest.Session) *SubscriptionPayload

// SupervisorParams contains options for NewSupervisor. Factory and
// BuildPayload are required; the zero value is fine for the rest.
type SupervisorParams struct {
	// Kind selects between market and account streaming.
	Kind rest.SessionKind

	// Factory performs the per-attempt handshake.
	Factory SessionFactory

	// BuildPayload constructs the subscription payload for each attempt.
	BuildPayload PayloadBuilder

	// RetryDelay is the fixed delay between attempts; defaults to
	// DefaultRetryDelay.
	RetryDelay time.Duration

	// IdleTimeout is passed through to each underlying session stream.
	IdleTimeout time.Duration

	// Logger, if nil, falls back to slog.Default().
	Logger *slog.Logger

	// Clock is a mockable; leave nil for prod.
	Clock clock.Clock

	// newStream is a mockable; leave nil for prod.
	newStream func(params *StreamParams) (StreamSession, error)
}

// Supervisor drives repeated handshake + stream cycles, presenting its
// consumer a single durable sequence of messages. Intermediate failures are
// logged and retried after a fixed delay; a graceful server close also
// triggers a new handshake, since the broker expires sessions and expects
// clients to resubscribe. The loop stops only when the caller's context is
// cancelled.
type Supervisor struct {
	params SupervisorParams

	logger *slog.Logger
	clock  clock.Clock

	stateListeners []StateCallback
}

// NewSupervisor creates a new supervisor; call Run to start streaming.
func NewSupervisor(params *SupervisorParams) (*Supervisor, error) {
	if params.Factory == nil {
		return nil, errors.New("Factory is required")
	}

	if params.BuildPayload == nil {
		return nil, errors.New("BuildPayload is required")
	}

	p := *params

	if p.RetryDelay == 0 {
		p.RetryDelay = DefaultRetryDelay
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	if p.Clock == nil {
		p.Clock = clock.New()
	}

	if p.newStream == nil {
		p.newStream = func(sp *StreamParams) (StreamSession, error) {
			switch p.Kind {
			case rest.SessionKindAccount:
				return NewAccountSession(sp)
			default:
				return NewMarketSession(sp)
			}
		}
	}

	return &Supervisor{
		params: p,
		logger: p.Logger,
		clock:  p.Clock,
	}, nil
}

// OnStateChange registers a listener invoked on every state transition of
// the attempt in progress, plus the supervisor-level Authenticating state
// while the handshake is in flight. Must be called before Run.
func (s *Supervisor) OnStateChange(cb StateCallback) {
	s.stateListeners = append(s.stateListeners, cb)
}

// Run starts the supervision loop and returns a channel yielding every
// message from every underlying session, in order. The channel is closed
// when ctx is cancelled; cancellation is not an error and the socket in use
// is released before the channel closes.
func (s *Supervisor) Run(ctx context.Context) <-chan common.Message {
	msgs := make(chan common.Message)

	go s.run(ctx, msgs)

	return msgs
}

func (s *Supervisor) run(ctx context.Context, msgs chan<- common.Message) {
	defer close(msgs)

	for {
		if err := s.runOnce(ctx, msgs); err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logAttemptFailure(err)
		} else {
			if ctx.Err() != nil {
				return
			}

			// Graceful close: the broker expired the session, resubscribe
			// with a fresh handshake.
			s.logger.Info("stream closed, resubscribing")
		}

		if !s.wait(ctx) {
			return
		}
	}
}

// runOnce performs one handshake + stream cycle. A nil return means the
// stream ended gracefully (or ctx was cancelled).
func (s *Supervisor) runOnce(ctx context.Context, msgs chan<- common.Message) error {
	s.notifyState(ConnStateIdle, ConnStateAuthenticating)

	session, err := s.params.Factory.NewSession(ctx, s.params.Kind)
	if err != nil {
		s.notifyState(ConnStateAuthenticating, ConnStateFailed)
		return errors.Trace(err)
	}

	stream, err := s.params.newStream(&StreamParams{
		Session:     session,
		IdleTimeout: s.params.IdleTimeout,
		Logger:      s.params.Logger,
		Clock:       s.params.Clock,
	})
	if err != nil {
		return errors.Trace(err)
	}

	for _, cb := range s.stateListeners {
		stream.OnStateChange(ConnStateAny, cb)
	}

	streamMsgs, err := stream.Stream(ctx, s.params.BuildPayload(session))
	if err != nil {
		return errors.Trace(err)
	}

	closing := false
	for msg := range streamMsgs {
		select {
		case msgs <- msg:
		case <-ctx.Done():
			if !closing {
				closing = true
				stream.Close()
			}
			// Keep draining so the stream goroutine can finish.
		}
	}

	return errors.Trace(stream.Err())
}

// wait sleeps for the retry delay; returns false if ctx was cancelled.
func (s *Supervisor) wait(ctx context.Context) bool {
	select {
	case <-s.clock.After(s.params.RetryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// logAttemptFailure logs one failed attempt, exhaustively over the error
// taxonomy. Auth errors are not special-cased into termination: surfacing
// persistent credential failures is left to whoever watches the logs, the
// loop itself stays alive.
func (s *Supervisor) logAttemptFailure(err error) {
	var reason string
	switch common.ErrorKind(err) {
	case common.ErrAuth:
		reason = "auth"
	case common.ErrTimeout:
		reason = "timeout"
	case common.ErrProtocol:
		reason = "protocol"
	case common.ErrNetwork:
		reason = "network"
	default:
		reason = "unknown"
	}

	s.logger.Error("stream attempt failed",
		"reason", reason,
		"retry_in", s.params.RetryDelay.String(),
		"err", err.Error(),
	)
}

func (s *Supervisor) notifyState(prev, cur ConnState) {
	for _, cb := range s.stateListeners {
		cb(prev, cur)
	}
}
