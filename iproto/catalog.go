package iproto

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// SpaceRow is the part of a _vspace tuple the client needs:
// [id, owner, name, engine, field_count, flags, format].
type SpaceRow struct {
	ID   uint32
	Name string
}

// IndexRow is the part of a _vindex tuple the client needs:
// [space_id, index_id, name, type, opts, parts].
type IndexRow struct {
	SpaceID uint32
	IndexID uint32
	Name    string
}

// ParseSpaceRow extracts the id and name of a _vspace tuple.
func ParseSpaceRow(t Tuple) (SpaceRow, error) {
	var row SpaceRow

	n, b, err := msgp.ReadArrayHeaderBytes(t)
	if err != nil {
		return row, &ProtocolError{Message: "space row is not an array", Err: err}
	}
	if n < 3 {
		return row, &ProtocolError{Message: fmt.Sprintf("space row has %d fields", n)}
	}

	if row.ID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return row, &ProtocolError{Message: "invalid space id", Err: err}
	}
	if b, err = msgp.Skip(b); err != nil {
		return row, &ProtocolError{Message: "invalid space owner", Err: err}
	}
	if row.Name, _, err = msgp.ReadStringBytes(b); err != nil {
		return row, &ProtocolError{Message: "invalid space name", Err: err}
	}
	return row, nil
}

// ParseIndexRow extracts the ids and name of a _vindex tuple.
func ParseIndexRow(t Tuple) (IndexRow, error) {
	var row IndexRow

	n, b, err := msgp.ReadArrayHeaderBytes(t)
	if err != nil {
		return row, &ProtocolError{Message: "index row is not an array", Err: err}
	}
	if n < 3 {
		return row, &ProtocolError{Message: fmt.Sprintf("index row has %d fields", n)}
	}

	if row.SpaceID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return row, &ProtocolError{Message: "invalid index space id", Err: err}
	}
	if row.IndexID, b, err = msgp.ReadUint32Bytes(b); err != nil {
		return row, &ProtocolError{Message: "invalid index id", Err: err}
	}
	if row.Name, _, err = msgp.ReadStringBytes(b); err != nil {
		return row, &ProtocolError{Message: "invalid index name", Err: err}
	}
	return row, nil
}
