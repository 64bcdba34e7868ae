// Package iproto implements the wire format of the Tarantool binary protocol.
//
// It is a foundation for clients: it encodes requests into frames and
// decodes response frames, without managing connections, syncs or schemas.
//
// # Framing
//
// Every message is a MessagePack unsigned integer length followed by a
// header map and an optional body map:
//
//	<length> <header> [<body>]
//
// Encoders always emit a 5 byte length (0xce + big-endian uint32) and patch
// it once the frame is complete. ReadFrame accepts any unsigned integer
// width.
//
// # Encoding
//
// Requests are appended to a caller-owned buffer:
//
//	b := iproto.AppendPing(nil, 1)
//	b, err := iproto.AppendCall(b, 2, "box.info", nil)
//
// Arguments and keys are any value that serializes to a MessagePack array.
// On error the buffer is returned unchanged, so a failed encode never leaves
// a partial frame behind.
//
// # Decoding
//
//	frame, err := iproto.ReadFrame(r)
//	h, body, err := iproto.DecodeHeader(frame)
//	rows, err := iproto.DecodeRows(body, h)
//
// Tuples alias the frame they were read from and are decoded on demand with
// Tuple.Decode or Tuple.Values.
//
// # Error Handling
//
// Error types tell whether the socket is still usable:
//
//   - ServerError: the server rejected the request, connection can be REUSED
//   - EncodeError: arguments could not be serialized, nothing was written
//   - ProtocolError: malformed frame, CLOSE connection
//   - TransportError: socket failure, connection already broken
//
// Use ShouldCloseConnection to pick a strategy.
//
// # Authentication
//
// ReadGreeting parses the 128 byte banner sent on connect. Scramble derives
// the chap-sha1 proof from its salt, and AppendAuth frames it.
package iproto
