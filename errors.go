package netbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/pior/netbox/iproto"
)

var (
	// ErrConnectionClosed is wrapped by NotConnectedError once Close was called.
	ErrConnectionClosed = errors.New("netbox: connection closed")

	// ErrNoAddresses is returned by Connect when no address is given.
	ErrNoAddresses = errors.New("netbox: no addresses provided")
)

// Wire-level errors, re-exported so callers rarely need to import iproto.
type (
	ServerError    = iproto.ServerError
	ProtocolError  = iproto.ProtocolError
	TransportError = iproto.TransportError
	EncodeError    = iproto.EncodeError
)

// TimeoutError is returned when a request did not complete before its
// deadline. The pending entry was removed, so a late response is discarded.
type TimeoutError struct {
	Op  string
	Err error // context.DeadlineExceeded
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("netbox: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Timeout reports true, for net.Error style checks.
func (e *TimeoutError) Timeout() bool {
	return true
}

// NotConnectedError is returned when a request cannot be served because the
// connection is not active: the socket died, reconnection gave up, or the
// connection was closed.
type NotConnectedError struct {
	State State
	Err   error // ErrConnectionClosed after Close, the socket failure otherwise
}

func (e *NotConnectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("netbox: not connected (%s): %v", e.State, e.Err)
	}
	return fmt.Sprintf("netbox: not connected (%s)", e.State)
}

func (e *NotConnectedError) Unwrap() error {
	return e.Err
}

// SchemaError is returned when a space or index name does not resolve, even
// after refreshing the schema.
type SchemaError struct {
	Space   string
	Index   string
	SpaceID uint32
}

func (e *SchemaError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("netbox: no such space %q", e.Space)
	}
	if e.Space != "" {
		return fmt.Sprintf("netbox: no such index %q in space %q", e.Index, e.Space)
	}
	return fmt.Sprintf("netbox: no such index %q in space %d", e.Index, e.SpaceID)
}

// wrapContextError converts a ctx failure into the error returned to callers.
// Deadlines become a TimeoutError, cancellation is returned as is.
func wrapContextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	return err
}
