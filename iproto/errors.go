package iproto

import (
	"errors"
	"fmt"
)

// Error types for IPROTO operations.
// They tell the caller whether the socket can still be used after the failure.

// ServerError is an application-level error returned by the server in a
// well-formed response. The frame was fully consumed, so the connection
// stays usable.
//
// Common causes:
//   - Unknown function or space
//   - Access denied
//   - Lua error raised by a called function
//   - Schema version mismatch (retried by the client)
//
// Connection handling: Connection can be REUSED
type ServerError struct {
	Code    uint32 // Server error code (response code without the error bit)
	Message string
	Type    string // Error class name, when the server sends an extended error
	File    string
	Line    uint64
	Errno   uint64

	// SchemaVersion is the server schema version from the response header.
	SchemaVersion uint32
}

func (e *ServerError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (0x%x): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("server error 0x%x: %s", e.Code, e.Message)
}

// ShouldCloseConnection returns false - the frame was parsed completely
func (e *ServerError) ShouldCloseConnection() bool {
	return false
}

// Is matches another ServerError with the same code, so callers can write
// errors.Is(err, &iproto.ServerError{Code: iproto.ErrCodeNoSuchSpace}).
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ProtocolError represents a malformed frame, header or body.
// The reader can no longer trust its position in the stream.
//
// Common causes:
//   - Length prefix is not a MessagePack unsigned integer
//   - Header is not a map or lacks a sync
//   - Body field has an unexpected MessagePack type
//
// Connection handling: Connection should be CLOSED
type ProtocolError struct {
	Message string
	Err     error // Underlying error, if any
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Message + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Message
}

// Unwrap returns the underlying error for error chain inspection
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - framing is lost
func (e *ProtocolError) ShouldCloseConnection() bool {
	return true
}

// TransportError wraps socket I/O failures.
//
// Common causes:
//   - Connection refused or reset
//   - Peer closed the connection (io.EOF)
//   - Read or write deadline exceeded
//
// Connection handling: Connection is already broken, CLOSE and RECONNECT
type TransportError struct {
	Op  string // Operation that failed (dial, read, write, greeting)
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ShouldCloseConnection returns true - the socket is broken
func (e *TransportError) ShouldCloseConnection() bool {
	return true
}

// EncodeError is returned when request arguments cannot be serialized.
// Nothing was written, so the connection is unaffected.
type EncodeError struct {
	Field string
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("cannot encode %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *EncodeError) Unwrap() error {
	return e.Err
}

// ErrorWithConnectionState is implemented by errors that know whether the
// connection must be closed after they occur.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the socket unusable.
//
// Returns true for:
//   - ProtocolError
//   - TransportError
//   - unknown error types
//
// Returns false for:
//   - ServerError
//   - EncodeError
//   - nil
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}

	var enc *EncodeError
	if errors.As(err, &enc) {
		return false
	}

	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}

	// Unknown error type - be conservative and close connection
	return true
}

// IsServerErrorCode reports whether err is a ServerError with the given code.
func IsServerErrorCode(err error, code uint32) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == code
}
