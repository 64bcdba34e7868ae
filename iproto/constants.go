package iproto

// RequestType identifies an IPROTO request in the REQUEST_TYPE header field.
type RequestType uint32

// Key is a MessagePack map key used in IPROTO headers and bodies.
type Key uint8

// Iterator selects how an index is traversed by a select request.
type Iterator uint32

// Request types
const (
	// RequestSelect reads tuples from a space through one of its indexes.
	//
	// Body: SPACE_ID, INDEX_ID, LIMIT, OFFSET, ITERATOR, KEY
	// Response: DATA holding an array of tuples
	RequestSelect RequestType = 0x01

	// RequestAuth authenticates the session with a chap-sha1 scramble.
	//
	// Body: USER_NAME, TUPLE = ["chap-sha1", scramble]
	RequestAuth RequestType = 0x07

	// RequestEval evaluates a Lua expression with arguments.
	//
	// Body: EXPR, TUPLE
	// Response: DATA holding the array of returned values
	RequestEval RequestType = 0x08

	// RequestCall calls a stored function with arguments.
	//
	// Body: FUNCTION_NAME, TUPLE
	// Response: DATA holding the array of returned values
	RequestCall RequestType = 0x0a

	// RequestExecute runs an SQL statement with bound parameters.
	//
	// Body: SQL_TEXT, SQL_BIND
	// Response: METADATA + DATA for queries, SQL_INFO for DML
	RequestExecute RequestType = 0x0b

	// RequestPing checks that the server is alive. It has no body.
	RequestPing RequestType = 0x40
)

func (t RequestType) String() string {
	switch t {
	case RequestSelect:
		return "select"
	case RequestAuth:
		return "auth"
	case RequestEval:
		return "eval"
	case RequestCall:
		return "call"
	case RequestExecute:
		return "execute"
	case RequestPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Header keys
const (
	KeyRequestType   Key = 0x00
	KeySync          Key = 0x01
	KeySchemaVersion Key = 0x05
)

// Body keys
const (
	KeySpaceID      Key = 0x10
	KeyIndexID      Key = 0x11
	KeyLimit        Key = 0x12
	KeyOffset       Key = 0x13
	KeyIterator     Key = 0x14
	KeyKey          Key = 0x20
	KeyTuple        Key = 0x21
	KeyFunctionName Key = 0x22
	KeyUserName     Key = 0x23
	KeyExpr         Key = 0x27
	KeyData         Key = 0x30
	KeyError24      Key = 0x31
	KeyMetadata     Key = 0x32
	KeySQLText      Key = 0x40
	KeySQLBind      Key = 0x41
	KeySQLInfo      Key = 0x42
	KeyError        Key = 0x52
)

// Keys of the ERROR (0x52) extended error map.
const (
	keyErrorStack   = 0x00
	keyErrorType    = 0x00
	keyErrorFile    = 0x01
	keyErrorLine    = 0x02
	keyErrorMessage = 0x03
	keyErrorErrno   = 0x04
	keyErrorCode    = 0x05
)

// Keys of the SQL_INFO and METADATA maps.
const (
	keySQLInfoRowCount         = 0x00
	keySQLInfoAutoincrementIDs = 0x01
	keyFieldName               = 0x00
	keyFieldType               = 0x01
)

// Response codes carried in the REQUEST_TYPE header field of a response.
const (
	// CodeOK marks a successful response.
	CodeOK uint32 = 0x00

	// CodeChunk marks an out-of-band push (box.session.push). Pushes share the
	// sync of the request they belong to but are not its final response.
	CodeChunk uint32 = 0x80

	// CodeErrorBit is set on every error response; the low bits carry the
	// server error code.
	CodeErrorBit uint32 = 0x8000
)

// Server error codes the client reacts to.
const (
	ErrCodeNoSuchSpace        uint32 = 36
	ErrCodeAccessDenied       uint32 = 42
	ErrCodePasswordMismatch   uint32 = 47
	ErrCodeNoSuchUser         uint32 = 45
	ErrCodeWrongSchemaVersion uint32 = 109
)

// Iterator types
const (
	IterEq            Iterator = 0  // key == x ASC order
	IterReq           Iterator = 1  // key == x DESC order
	IterAll           Iterator = 2  // all tuples
	IterLt            Iterator = 3  // key < x
	IterLe            Iterator = 4  // key <= x
	IterGe            Iterator = 5  // key >= x
	IterGt            Iterator = 6  // key > x
	IterBitsAllSet    Iterator = 7  // all bits from x are set in key
	IterBitsAnySet    Iterator = 8  // at least one x's bit is set
	IterBitsAllNotSet Iterator = 9  // all bits are not set
	IterOverlaps      Iterator = 10 // key overlaps x
	IterNeighbor      Iterator = 11 // tuples in distance ascending order from specified point
)

// System spaces read to build the schema cache.
const (
	SpaceSchema uint32 = 272
	SpaceSpace  uint32 = 280
	SpaceVSpace uint32 = 281
	SpaceIndex  uint32 = 288
	SpaceVIndex uint32 = 289

	// SystemIDMax is the largest id reserved for system spaces.
	SystemIDMax uint32 = 511
)

// Limits and sizes
const (
	// GreetingSize is the size of the server greeting sent on connect.
	GreetingSize = 128

	// GreetingLineSize is the size of each of the two greeting lines.
	GreetingLineSize = 64

	// SaltSize is the number of salt bytes used by chap-sha1.
	SaltSize = 20

	// LengthPrefixSize is the size of the fixed length prefix written by the
	// client (0xce followed by a big-endian uint32).
	LengthPrefixSize = 5

	// MaxFrameSize bounds the length accepted from the wire.
	MaxFrameSize = 1 << 30

	// AuthMethodChapSHA1 is the only authentication method supported.
	AuthMethodChapSHA1 = "chap-sha1"
)
