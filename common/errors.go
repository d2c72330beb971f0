package common

import (
	"github.com/juju/errors"
)

// The error kinds below form a closed taxonomy shared by the REST and
// websocket clients. Callers classify a failure with errors.Cause, so
// wrapping with errors.Trace or errors.Annotatef preserves the kind.
var (
	// ErrAuth means the server rejected the credentials.
	ErrAuth = errors.New("authentication rejected")

	// ErrNetwork means the request or connection could not be completed:
	// timeout, DNS failure, connection refused, or an unexpected close.
	ErrNetwork = errors.New("network failure")

	// ErrProtocol means a payload or frame could not be parsed. A stream
	// that hits ErrProtocol is terminated rather than skipping the frame.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout means no data arrived within the heartbeat window. For
	// retry purposes it is equivalent to ErrNetwork.
	ErrTimeout = errors.New("heartbeat timeout")
)

// ErrorKind returns the taxonomy sentinel underlying err, or nil if err
// doesn't belong to the taxonomy.
func ErrorKind(err error) error {
	switch errors.Cause(err) {
	case ErrAuth:
		return ErrAuth
	case ErrNetwork:
		return ErrNetwork
	case ErrProtocol:
		return ErrProtocol
	case ErrTimeout:
		return ErrTimeout
	}

	return nil
}
