package iproto

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/tinylib/msgp/msgp"
	"github.com/vmihailenco/msgpack/v5"
)

// Select holds the body fields of a select request.
type Select struct {
	SpaceID  uint32
	IndexID  uint32
	Limit    uint32
	Offset   uint32
	Iterator Iterator

	// Key is any value that serializes to a MessagePack array.
	// nil selects with an empty key.
	Key any
}

// Buffer pool for serializing user tuples
var tupleBufferPool = sync.Pool{
	New: func() any {
		// Typical argument tuple is small, allocate 256 bytes
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// AppendPing appends a ping frame. Ping has no body.
func AppendPing(b []byte, sync uint64) []byte {
	b, start := beginFrame(b)
	b = appendHeader(b, RequestPing, sync, 0)
	return finishFrame(b, start)
}

// AppendCall appends a call frame for function with the args tuple.
// On error b is returned unchanged.
func AppendCall(b []byte, sync uint64, function string, args any) ([]byte, error) {
	tuple, err := marshalTuple("call arguments", args)
	if err != nil {
		return b, err
	}

	b, start := beginFrame(b)
	b = appendHeader(b, RequestCall, sync, 0)
	b = msgp.AppendMapHeader(b, 2)
	b = appendKey(b, KeyFunctionName)
	b = msgp.AppendString(b, function)
	b = appendKey(b, KeyTuple)
	b = append(b, tuple...)
	return finishFrame(b, start), nil
}

// AppendEval appends an eval frame for expr with the args tuple.
// On error b is returned unchanged.
func AppendEval(b []byte, sync uint64, expr string, args any) ([]byte, error) {
	tuple, err := marshalTuple("eval arguments", args)
	if err != nil {
		return b, err
	}

	b, start := beginFrame(b)
	b = appendHeader(b, RequestEval, sync, 0)
	b = msgp.AppendMapHeader(b, 2)
	b = appendKey(b, KeyExpr)
	b = msgp.AppendString(b, expr)
	b = appendKey(b, KeyTuple)
	b = append(b, tuple...)
	return finishFrame(b, start), nil
}

// AppendSelect appends a select frame.
//
// schemaVersion is sent in the header when non-zero; the server then rejects
// the request with ErrCodeWrongSchemaVersion if its schema moved on, which
// tells the client its name to id mappings may be stale.
// On error b is returned unchanged.
func AppendSelect(b []byte, sync uint64, schemaVersion uint32, s Select) ([]byte, error) {
	key, err := marshalTuple("select key", s.Key)
	if err != nil {
		return b, err
	}

	b, start := beginFrame(b)
	b = appendHeader(b, RequestSelect, sync, schemaVersion)
	b = msgp.AppendMapHeader(b, 6)
	b = appendKey(b, KeySpaceID)
	b = msgp.AppendUint32(b, s.SpaceID)
	b = appendKey(b, KeyIndexID)
	b = msgp.AppendUint32(b, s.IndexID)
	b = appendKey(b, KeyLimit)
	b = msgp.AppendUint32(b, s.Limit)
	b = appendKey(b, KeyOffset)
	b = msgp.AppendUint32(b, s.Offset)
	b = appendKey(b, KeyIterator)
	b = msgp.AppendUint32(b, uint32(s.Iterator))
	b = appendKey(b, KeyKey)
	b = append(b, key...)
	return finishFrame(b, start), nil
}

// AppendExecute appends an SQL execute frame with bound parameters.
// On error b is returned unchanged.
func AppendExecute(b []byte, sync uint64, sql string, params any) ([]byte, error) {
	bind, err := marshalTuple("sql parameters", params)
	if err != nil {
		return b, err
	}

	b, start := beginFrame(b)
	b = appendHeader(b, RequestExecute, sync, 0)
	b = msgp.AppendMapHeader(b, 2)
	b = appendKey(b, KeySQLText)
	b = msgp.AppendString(b, sql)
	b = appendKey(b, KeySQLBind)
	b = append(b, bind...)
	return finishFrame(b, start), nil
}

// AppendAuth appends a chap-sha1 authentication frame.
// scramble is the output of Scramble.
func AppendAuth(b []byte, sync uint64, user string, scramble []byte) []byte {
	b, start := beginFrame(b)
	b = appendHeader(b, RequestAuth, sync, 0)
	b = msgp.AppendMapHeader(b, 2)
	b = appendKey(b, KeyUserName)
	b = msgp.AppendString(b, user)
	b = appendKey(b, KeyTuple)
	b = msgp.AppendArrayHeader(b, 2)
	b = msgp.AppendString(b, AuthMethodChapSHA1)
	b = msgp.AppendBytes(b, scramble)
	return finishFrame(b, start)
}

// beginFrame reserves the fixed-size length prefix and returns its offset.
func beginFrame(b []byte) ([]byte, int) {
	start := len(b)
	b = append(b, 0xce, 0, 0, 0, 0)
	return b, start
}

// finishFrame patches the length prefix reserved by beginFrame.
func finishFrame(b []byte, start int) []byte {
	binary.BigEndian.PutUint32(b[start+1:start+LengthPrefixSize], uint32(len(b)-start-LengthPrefixSize))
	return b
}

func appendHeader(b []byte, t RequestType, sync uint64, schemaVersion uint32) []byte {
	size := uint32(2)
	if schemaVersion != 0 {
		size++
	}

	b = msgp.AppendMapHeader(b, size)
	b = appendKey(b, KeyRequestType)
	b = msgp.AppendUint32(b, uint32(t))
	b = appendKey(b, KeySync)
	b = msgp.AppendUint64(b, sync)
	if schemaVersion != 0 {
		b = appendKey(b, KeySchemaVersion)
		b = msgp.AppendUint32(b, schemaVersion)
	}
	return b
}

func appendKey(b []byte, k Key) []byte {
	return msgp.AppendUint8(b, uint8(k))
}

// marshalTuple serializes v and checks that it is a MessagePack array.
// A Tuple is used as-is, nil becomes an empty array.
func marshalTuple(field string, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return msgp.AppendArrayHeader(nil, 0), nil
	case Tuple:
		if msgp.NextType(t) != msgp.ArrayType {
			return nil, &EncodeError{Field: field, Err: errNotAnArray}
		}
		return t, nil
	}

	buf := tupleBufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		tupleBufferPool.Put(buf)
	}()

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(buf)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, &EncodeError{Field: field, Err: err}
	}
	if msgp.NextType(buf.Bytes()) != msgp.ArrayType {
		return nil, &EncodeError{Field: field, Err: errNotAnArray}
	}

	// The buffer goes back to the pool, the frame needs its own copy.
	return bytes.Clone(buf.Bytes()), nil
}
