package iproto

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"
)

// responseBuilder assembles response frames the way a server would.
type responseBuilder struct {
	code          uint32
	sync          uint64
	schemaVersion uint32
	body          [][]byte // alternating encoded keys and values
}

func newResponse(code uint32, sync uint64) *responseBuilder {
	return &responseBuilder{code: code, sync: sync}
}

func (r *responseBuilder) withSchema(v uint32) *responseBuilder {
	r.schemaVersion = v
	return r
}

func (r *responseBuilder) field(key Key, value []byte) *responseBuilder {
	r.body = append(r.body, msgp.AppendUint8(nil, uint8(key)), value)
	return r
}

// payload returns the frame without its length prefix.
func (r *responseBuilder) payload() []byte {
	size := uint32(2)
	if r.schemaVersion != 0 {
		size++
	}
	b := msgp.AppendMapHeader(nil, size)
	b = msgp.AppendUint8(b, uint8(KeyRequestType))
	b = msgp.AppendUint32(b, r.code)
	b = msgp.AppendUint8(b, uint8(KeySync))
	b = msgp.AppendUint64(b, r.sync)
	if r.schemaVersion != 0 {
		b = msgp.AppendUint8(b, uint8(KeySchemaVersion))
		b = msgp.AppendUint32(b, r.schemaVersion)
	}

	if len(r.body) > 0 {
		b = msgp.AppendMapHeader(b, uint32(len(r.body)/2))
		for _, part := range r.body {
			b = append(b, part...)
		}
	}
	return b
}

// frame returns the payload with a 5 byte length prefix.
func (r *responseBuilder) frame() []byte {
	p := r.payload()
	b, start := beginFrame(nil)
	b = append(b, p...)
	return finishFrame(b, start)
}

func decode(t *testing.T, payload []byte) (Header, []byte) {
	t.Helper()
	h, body, err := DecodeHeader(payload)
	require.NoError(t, err)
	return h, body
}

func array(values ...[]byte) []byte {
	b := msgp.AppendArrayHeader(nil, uint32(len(values)))
	for _, v := range values {
		b = append(b, v...)
	}
	return b
}

func str(s string) []byte { return msgp.AppendString(nil, s) }

func u64(v uint64) []byte { return msgp.AppendUint64(nil, v) }
