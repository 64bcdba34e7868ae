package iproto

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Header is the decoded header of a response frame.
type Header struct {
	// Code is CodeOK, CodeChunk, or CodeErrorBit|<server error code>.
	Code uint32

	// Sync is the correlation id echoed from the request.
	Sync uint64

	// SchemaVersion is the server schema version at the time of the response.
	// Only meaningful when HasSchemaVersion is true.
	SchemaVersion    uint32
	HasSchemaVersion bool
}

// IsError returns true if the response carries a server error.
func (h Header) IsError() bool {
	return h.Code&CodeErrorBit != 0
}

// ErrorCode returns the server error code of an error response.
func (h Header) ErrorCode() uint32 {
	return h.Code &^ CodeErrorBit
}

// IsPush returns true for out-of-band push frames.
func (h Header) IsPush() bool {
	return h.Code == CodeChunk
}

// ColumnMeta describes one column of an SQL result set.
type ColumnMeta struct {
	Name string
	Type string
}

// SQLResult is the decoded body of an execute response.
// Queries fill Metadata and Rows, DML statements fill RowCount and
// AutoIncrementIDs.
type SQLResult struct {
	Metadata         []ColumnMeta
	Rows             []Tuple
	RowCount         uint64
	AutoIncrementIDs []int64
}

// DecodeHeader parses the header map at the start of frame and returns it
// together with the remaining body bytes.
func DecodeHeader(frame []byte) (Header, []byte, error) {
	var h Header

	n, b, err := msgp.ReadMapHeaderBytes(frame)
	if err != nil {
		return h, nil, &ProtocolError{Message: "header is not a map", Err: err}
	}

	hasSync := false
	for range n {
		var key uint64
		key, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return h, nil, &ProtocolError{Message: "invalid header key", Err: err}
		}

		switch Key(key) {
		case KeyRequestType:
			h.Code, b, err = msgp.ReadUint32Bytes(b)
		case KeySync:
			h.Sync, b, err = msgp.ReadUint64Bytes(b)
			hasSync = true
		case KeySchemaVersion:
			h.SchemaVersion, b, err = msgp.ReadUint32Bytes(b)
			h.HasSchemaVersion = true
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return h, nil, &ProtocolError{Message: fmt.Sprintf("invalid header field 0x%02x", key), Err: err}
		}
	}

	if !hasSync {
		return h, nil, &ProtocolError{Message: "header has no sync"}
	}

	return h, b, nil
}

// DecodeOK checks a response that carries no data (ping, auth).
func DecodeOK(body []byte, h Header) error {
	if h.IsError() {
		return DecodeError(body, h)
	}
	return nil
}

// DecodeData returns the DATA array of a call or eval response as a single
// tuple. It returns nil when the body has no DATA field.
func DecodeData(body []byte, h Header) (Tuple, error) {
	if h.IsError() {
		return nil, DecodeError(body, h)
	}

	var data Tuple
	err := walkBody(body, func(key Key, b []byte) ([]byte, error) {
		if key != KeyData {
			return msgp.Skip(b)
		}
		rest, err := msgp.Skip(b)
		if err != nil {
			return nil, err
		}
		data = Tuple(b[:len(b)-len(rest)])
		if msgp.NextType(data) != msgp.ArrayType {
			return nil, errNotAnArray
		}
		return rest, nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeRows returns the tuples of a select response in server order.
func DecodeRows(body []byte, h Header) ([]Tuple, error) {
	if h.IsError() {
		return nil, DecodeError(body, h)
	}

	var rows []Tuple
	err := walkBody(body, func(key Key, b []byte) ([]byte, error) {
		if key != KeyData {
			return msgp.Skip(b)
		}
		var err error
		rows, b, err = readRows(b)
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DecodeSQL decodes an execute response.
func DecodeSQL(body []byte, h Header) (*SQLResult, error) {
	if h.IsError() {
		return nil, DecodeError(body, h)
	}

	res := &SQLResult{}
	err := walkBody(body, func(key Key, b []byte) ([]byte, error) {
		var err error
		switch key {
		case KeyData:
			res.Rows, b, err = readRows(b)
		case KeyMetadata:
			res.Metadata, b, err = readMetadata(b)
		case KeySQLInfo:
			b, err = readSQLInfo(b, res)
		default:
			b, err = msgp.Skip(b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DecodeError builds the ServerError carried by an error response.
// It prefers the extended ERROR stack and falls back to the ERROR_24 string.
func DecodeError(body []byte, h Header) error {
	se := &ServerError{Code: h.ErrorCode(), SchemaVersion: h.SchemaVersion}
	if len(body) == 0 {
		return se
	}

	err := walkBody(body, func(key Key, b []byte) ([]byte, error) {
		switch key {
		case KeyError24:
			var msg string
			var err error
			msg, b, err = msgp.ReadStringBytes(b)
			if err != nil {
				return nil, err
			}
			if se.Message == "" {
				se.Message = msg
			}
			return b, nil
		case KeyError:
			return readErrorStack(b, se)
		default:
			return msgp.Skip(b)
		}
	})
	if err != nil {
		return err
	}
	return se
}

// walkBody iterates the body map, handing each value to fn positioned at the
// value. fn returns the bytes following the value.
func walkBody(body []byte, fn func(key Key, b []byte) ([]byte, error)) error {
	if len(body) == 0 {
		return nil
	}

	n, b, err := msgp.ReadMapHeaderBytes(body)
	if err != nil {
		return &ProtocolError{Message: "body is not a map", Err: err}
	}

	for range n {
		var key uint64
		key, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return &ProtocolError{Message: "invalid body key", Err: err}
		}
		b, err = fn(Key(key), b)
		if err != nil {
			return &ProtocolError{Message: fmt.Sprintf("invalid body field 0x%02x", key), Err: err}
		}
	}
	return nil
}

func readRows(b []byte) ([]Tuple, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]Tuple, 0, n)
	for range n {
		rest, err := msgp.Skip(b)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, Tuple(b[:len(b)-len(rest)]))
		b = rest
	}
	return rows, b, nil
}

func readMetadata(b []byte) ([]ColumnMeta, []byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, nil, err
	}

	cols := make([]ColumnMeta, 0, n)
	for range n {
		var fields uint32
		fields, b, err = msgp.ReadMapHeaderBytes(b)
		if err != nil {
			return nil, nil, err
		}

		var col ColumnMeta
		for range fields {
			var key uint64
			key, b, err = msgp.ReadUint64Bytes(b)
			if err != nil {
				return nil, nil, err
			}
			switch key {
			case keyFieldName:
				col.Name, b, err = msgp.ReadStringBytes(b)
			case keyFieldType:
				col.Type, b, err = msgp.ReadStringBytes(b)
			default:
				b, err = msgp.Skip(b)
			}
			if err != nil {
				return nil, nil, err
			}
		}
		cols = append(cols, col)
	}
	return cols, b, nil
}

func readSQLInfo(b []byte, res *SQLResult) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, err
	}

	for range n {
		var key uint64
		key, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		switch key {
		case keySQLInfoRowCount:
			res.RowCount, b, err = msgp.ReadUint64Bytes(b)
		case keySQLInfoAutoincrementIDs:
			var ids uint32
			ids, b, err = msgp.ReadArrayHeaderBytes(b)
			for i := uint32(0); err == nil && i < ids; i++ {
				var id int64
				id, b, err = msgp.ReadInt64Bytes(b)
				res.AutoIncrementIDs = append(res.AutoIncrementIDs, id)
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func readErrorStack(b []byte, se *ServerError) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, err
	}

	for range n {
		var key uint64
		key, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		if key != keyErrorStack {
			if b, err = msgp.Skip(b); err != nil {
				return nil, err
			}
			continue
		}

		var frames uint32
		frames, b, err = msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, err
		}
		for i := range frames {
			if i > 0 {
				// Only the top of the stack is reported.
				if b, err = msgp.Skip(b); err != nil {
					return nil, err
				}
				continue
			}
			if b, err = readErrorFrame(b, se); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func readErrorFrame(b []byte, se *ServerError) ([]byte, error) {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, err
	}

	for range n {
		var key uint64
		key, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		switch key {
		case keyErrorType:
			se.Type, b, err = msgp.ReadStringBytes(b)
		case keyErrorFile:
			se.File, b, err = msgp.ReadStringBytes(b)
		case keyErrorLine:
			se.Line, b, err = msgp.ReadUint64Bytes(b)
		case keyErrorMessage:
			se.Message, b, err = msgp.ReadStringBytes(b)
		case keyErrorErrno:
			se.Errno, b, err = msgp.ReadUint64Bytes(b)
		case keyErrorCode:
			var code uint32
			code, b, err = msgp.ReadUint32Bytes(b)
			if se.Code == 0 {
				se.Code = code
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}
