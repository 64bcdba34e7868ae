package iproto

import (
	"bytes"
	"errors"

	"github.com/tinylib/msgp/msgp"
	"github.com/vmihailenco/msgpack/v5"
)

var errNotAnArray = errors.New("value does not serialize to a MessagePack array")

// Tuple is a raw MessagePack array as sent by the server.
// It aliases the frame it was read from and is only decoded on demand.
type Tuple []byte

// Decode unmarshals the tuple into v.
func (t Tuple) Decode(v any) error {
	return msgpack.Unmarshal(t, v)
}

// Values decodes the tuple into a slice of generic values.
func (t Tuple) Values() ([]any, error) {
	var vals []any
	if err := msgpack.Unmarshal(t, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// Len returns the number of fields of the tuple, or 0 if it is not an array.
func (t Tuple) Len() int {
	n, _, err := msgp.ReadArrayHeaderBytes(t)
	if err != nil {
		return 0
	}
	return int(n)
}

// Field returns the raw MessagePack encoding of field i.
func (t Tuple) Field(i int) ([]byte, bool) {
	n, b, err := msgp.ReadArrayHeaderBytes(t)
	if err != nil || i < 0 || i >= int(n) {
		return nil, false
	}
	for range i {
		if b, err = msgp.Skip(b); err != nil {
			return nil, false
		}
	}
	rest, err := msgp.Skip(b)
	if err != nil {
		return nil, false
	}
	return b[:len(b)-len(rest)], true
}

// String renders the tuple as JSON, for logs and the command line.
func (t Tuple) String() string {
	if len(t) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if _, err := msgp.UnmarshalAsJSON(&buf, t); err != nil {
		return "<invalid tuple: " + err.Error() + ">"
	}
	return buf.String()
}
