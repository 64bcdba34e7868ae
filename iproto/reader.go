package iproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadFrame reads one length-prefixed frame from r and returns the header and
// body bytes that follow the prefix.
//
// The prefix is a MessagePack unsigned integer of any width. The returned
// slice is freshly allocated, so tuples decoded from it stay valid after the
// next call.
//
// Errors:
//   - TransportError: the socket failed or the peer closed it
//   - ProtocolError: the prefix is not an unsigned integer or is too large
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := readLength(r)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	return frame, nil
}

func readLength(r *bufio.Reader) (uint64, error) {
	lead, err := r.ReadByte()
	if err != nil {
		return 0, &TransportError{Op: "read", Err: err}
	}

	var width int
	switch {
	case lead <= 0x7f:
		return uint64(lead), nil
	case lead == 0xcc:
		width = 1
	case lead == 0xcd:
		width = 2
	case lead == 0xce:
		width = 4
	case lead == 0xcf:
		width = 8
	default:
		return 0, &ProtocolError{Message: fmt.Sprintf("invalid length prefix 0x%02x", lead)}
	}

	var buf [8]byte
	if _, err := io.ReadFull(r, buf[8-width:]); err != nil {
		return 0, &TransportError{Op: "read", Err: err}
	}
	size := binary.BigEndian.Uint64(buf[:])
	if size > MaxFrameSize {
		return 0, &ProtocolError{Message: fmt.Sprintf("frame of %d bytes exceeds limit", size)}
	}
	return size, nil
}
