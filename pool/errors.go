package pool

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrTransport marks failures of the underlying Channel. They are a
	// different failure class than a peer being slow or dead, which only
	// shows up as a Timeout entry of the mask.
	ErrTransport = errors.New("transport failure")

	// ErrInvalidConfig is returned by New for unusable construction
	// parameters.
	ErrInvalidConfig = errors.New("invalid pool configuration")
)

type transportError struct {
	cause error
}

func (e *transportError) Error() string {
	return ErrTransport.Error() + ": " + e.cause.Error()
}

func (e *transportError) Unwrap() []error {
	return []error{ErrTransport, e.cause}
}

// transport wraps err so that errors.Is(err, ErrTransport) holds, while
// keeping the original cause reachable.
func transport(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(&transportError{cause: err}, format, args...)
}

// unreachable reports whether err only says that the peer could not be
// reached in time, as opposed to the channel failing locally or the peer
// refusing the message. Such failures are silence, not transport errors.
func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
