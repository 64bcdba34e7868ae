package netbox

import (
	"github.com/pior/netbox/iproto"
)

// Tuple is a raw MessagePack array returned by the server.
type Tuple = iproto.Tuple

// SQLResult is the result of Execute.
type SQLResult = iproto.SQLResult

// ColumnMeta describes a column of an SQL result set.
type ColumnMeta = iproto.ColumnMeta

// Iterator types for SelectOptions.Iterator.
const (
	IterEq            = iproto.IterEq
	IterReq           = iproto.IterReq
	IterAll           = iproto.IterAll
	IterLt            = iproto.IterLt
	IterLe            = iproto.IterLe
	IterGe            = iproto.IterGe
	IterGt            = iproto.IterGt
	IterBitsAllSet    = iproto.IterBitsAllSet
	IterBitsAnySet    = iproto.IterBitsAnySet
	IterBitsAllNotSet = iproto.IterBitsAllNotSet
	IterOverlaps      = iproto.IterOverlaps
	IterNeighbor      = iproto.IterNeighbor
)
