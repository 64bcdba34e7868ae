package testutils

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinylib/msgp/msgp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pior/netbox/iproto"
)

// Handler serves a call or eval. The returned values become the DATA array.
// An error is sent as a server error; use *iproto.ServerError to pick the
// code.
type Handler func(args []any) ([]any, error)

// SQLHandler serves an execute request.
type SQLHandler func(sql string, params []any) (*SQLReply, error)

// SQLReply is the body of an execute response.
type SQLReply struct {
	Columns  []iproto.ColumnMeta
	Rows     [][]any
	RowCount uint64
	IDs      []int64
}

type index struct {
	id   uint32
	name string
}

type space struct {
	id      uint32
	name    string
	indexes []index
	rows    [][]any
}

// Server is an in-process IPROTO server for tests. It implements the
// greeting, chap-sha1 auth, ping, call, eval, execute and select on user
// spaces and on the _space/_vspace/_index/_vindex catalogs.
//
// Every request is served in its own goroutine, so responses are not
// ordered. Every response carries the current schema version.
type Server struct {
	Addr string

	listener net.Listener
	salt     []byte
	wg       sync.WaitGroup

	mu            sync.Mutex
	schemaVersion uint32
	spaces        map[uint32]*space
	nextSpaceID   uint32
	users         map[string]string
	handlers      map[string]Handler
	evalHandler   Handler
	sqlHandler    SQLHandler
	conns         map[net.Conn]*serverConn

	silent         atomic.Bool
	push           atomic.Bool
	delay          atomic.Int64
	catalogSelects atomic.Int64
	requests       atomic.Int64
	accepted       atomic.Int64
}

type serverConn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) send(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, _ = c.Write(frame)
}

// NewServer starts a server on 127.0.0.1:0. It is closed on test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start test server: %v", err)
	}

	salt := make([]byte, 32)
	_, _ = rand.Read(salt)

	s := &Server{
		Addr:          listener.Addr().String(),
		listener:      listener,
		salt:          salt,
		schemaVersion: 1,
		spaces:        map[uint32]*space{},
		nextSpaceID:   512,
		users:         map[string]string{},
		handlers:      map[string]Handler{},
		conns:         map[net.Conn]*serverConn{},
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Close stops the listener, drops every connection and waits for the
// server goroutines.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// AddUser registers credentials accepted by auth.
func (s *Server) AddUser(user, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = password
}

// Handle registers the handler of a called function.
func (s *Server) Handle(function string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[function] = h
}

// HandleEval registers the handler of every eval request.
func (s *Server) HandleEval(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalHandler = h
}

// HandleSQL registers the handler of every execute request.
func (s *Server) HandleSQL(h SQLHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sqlHandler = h
}

// CreateSpace adds a space with the given index names and bumps the schema
// version. It returns the space id.
func (s *Server) CreateSpace(name string, indexes ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp := &space{id: s.nextSpaceID, name: name}
	for i, idx := range indexes {
		sp.indexes = append(sp.indexes, index{id: uint32(i), name: idx})
	}
	s.spaces[sp.id] = sp
	s.nextSpaceID++
	s.schemaVersion++
	return sp.id
}

// Insert appends a tuple to a space. It does not change the schema.
func (s *Server) Insert(spaceID uint32, tuple ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.spaces[spaceID]; ok {
		sp.rows = append(sp.rows, tuple)
	}
}

// BumpSchema increments the schema version without changing the catalog.
func (s *Server) BumpSchema() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaVersion++
	return s.schemaVersion
}

// SchemaVersion returns the current schema version.
func (s *Server) SchemaVersion() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaVersion
}

// SetSilent makes the server read requests without answering them.
func (s *Server) SetSilent(silent bool) {
	s.silent.Store(silent)
}

// SetDelay delays every response.
func (s *Server) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// SetPush makes the server send a push frame before every response.
func (s *Server) SetPush(push bool) {
	s.push.Store(push)
}

// CatalogSelects returns the number of selects on _vspace and _vindex.
func (s *Server) CatalogSelects() int64 {
	return s.catalogSelects.Load()
}

// Requests returns the number of requests received, auth excluded.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Accepted returns the number of accepted connections.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// DropConnections closes every client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// SendStray writes a response with a sync no request is waiting for to
// every connection.
func (s *Server) SendStray(sync uint64) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	version := s.schemaVersion
	s.mu.Unlock()

	for _, c := range conns {
		c.send(response(iproto.CodeOK, sync, version, nil))
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)

		c := &serverConn{Conn: nc}
		s.mu.Lock()
		s.conns[nc] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				_ = nc.Close()
				s.mu.Lock()
				delete(s.conns, nc)
				s.mu.Unlock()
			}()
			s.serve(c)
		}()
	}
}

func (s *Server) serve(c *serverConn) {
	c.send(s.greeting())

	var inflight sync.WaitGroup
	defer inflight.Wait()

	r := bufio.NewReader(c)
	for {
		frame, err := iproto.ReadFrame(r)
		if err != nil {
			return
		}
		h, body, err := iproto.DecodeHeader(frame)
		if err != nil {
			return
		}

		// Auth is answered inline: the client waits for it before sending
		// anything else.
		if iproto.RequestType(h.Code) == iproto.RequestAuth {
			c.send(s.auth(h, body))
			continue
		}
		s.requests.Add(1)

		if s.silent.Load() {
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if d := time.Duration(s.delay.Load()); d > 0 {
				time.Sleep(d)
			}
			if s.push.Load() {
				c.send(response(iproto.CodeChunk, h.Sync, s.SchemaVersion(), []field{{iproto.KeyData, marshal([]any{"push"})}}))
			}
			c.send(s.handle(h, body))
		}()
	}
}

func (s *Server) greeting() []byte {
	buf := bytes.Repeat([]byte{' '}, iproto.GreetingSize)
	copy(buf, "Tarantool 2.11.0 (Binary) 7c8a8e2f-3ab5-4b4d-9a4d-testserver")
	buf[iproto.GreetingLineSize-1] = '\n'
	copy(buf[iproto.GreetingLineSize:], base64.StdEncoding.EncodeToString(s.salt))
	buf[iproto.GreetingSize-1] = '\n'
	return buf
}

func (s *Server) auth(h iproto.Header, body []byte) []byte {
	fields, err := parseBody(body)
	if err != nil {
		return s.errorResponse(h.Sync, 0, iproto.ErrCodeAccessDenied, err.Error())
	}

	user, _, _ := msgp.ReadStringBytes(fields[iproto.KeyUserName])
	var tuple []any
	_ = msgpack.Unmarshal(fields[iproto.KeyTuple], &tuple)

	s.mu.Lock()
	password, ok := s.users[user]
	s.mu.Unlock()
	if !ok {
		return s.errorResponse(h.Sync, 0, iproto.ErrCodeNoSuchUser, fmt.Sprintf("User '%s' is not found", user))
	}

	var proof []byte
	if len(tuple) == 2 {
		switch v := tuple[1].(type) {
		case []byte:
			proof = v
		case string:
			proof = []byte(v)
		}
	}
	if !bytes.Equal(proof, iproto.Scramble(s.salt, password)) {
		return s.errorResponse(h.Sync, 0, iproto.ErrCodePasswordMismatch, "Incorrect password supplied for user '"+user+"'")
	}
	return response(iproto.CodeOK, h.Sync, s.SchemaVersion(), nil)
}

func (s *Server) handle(h iproto.Header, body []byte) []byte {
	version := s.SchemaVersion()

	fields, err := parseBody(body)
	if err != nil {
		return s.errorResponse(h.Sync, version, 20, err.Error())
	}

	switch iproto.RequestType(h.Code) {
	case iproto.RequestPing:
		return response(iproto.CodeOK, h.Sync, version, nil)

	case iproto.RequestCall:
		name, _, _ := msgp.ReadStringBytes(fields[iproto.KeyFunctionName])
		s.mu.Lock()
		handler := s.handlers[name]
		s.mu.Unlock()
		if handler == nil {
			return s.errorResponse(h.Sync, version, 33, fmt.Sprintf("Procedure '%s' is not defined", name))
		}
		return s.callResponse(h.Sync, version, handler, fields[iproto.KeyTuple])

	case iproto.RequestEval:
		s.mu.Lock()
		handler := s.evalHandler
		s.mu.Unlock()
		if handler == nil {
			return s.errorResponse(h.Sync, version, 32, "eval is not supported")
		}
		return s.callResponse(h.Sync, version, handler, fields[iproto.KeyTuple])

	case iproto.RequestExecute:
		return s.execute(h.Sync, version, fields)

	case iproto.RequestSelect:
		if h.HasSchemaVersion && h.SchemaVersion != version {
			return s.errorResponse(h.Sync, version, iproto.ErrCodeWrongSchemaVersion,
				fmt.Sprintf("Wrong schema version, current: %d, in request: %d", version, h.SchemaVersion))
		}
		return s.selectResponse(h.Sync, version, fields)

	default:
		return s.errorResponse(h.Sync, version, 48, fmt.Sprintf("Unknown request type %d", h.Code))
	}
}

func (s *Server) callResponse(sync uint64, version uint32, handler Handler, rawArgs []byte) []byte {
	var args []any
	if len(rawArgs) > 0 {
		if err := msgpack.Unmarshal(rawArgs, &args); err != nil {
			return s.errorResponse(sync, version, 20, err.Error())
		}
	}

	result, err := handler(args)
	if err != nil {
		return s.serverError(sync, version, err)
	}
	if result == nil {
		result = []any{}
	}
	return response(iproto.CodeOK, sync, version, []field{{iproto.KeyData, marshal(result)}})
}

func (s *Server) execute(sync uint64, version uint32, fields map[iproto.Key][]byte) []byte {
	s.mu.Lock()
	handler := s.sqlHandler
	s.mu.Unlock()
	if handler == nil {
		return s.errorResponse(sync, version, 32, "SQL is not supported")
	}

	sql, _, _ := msgp.ReadStringBytes(fields[iproto.KeySQLText])
	var params []any
	if raw := fields[iproto.KeySQLBind]; len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &params); err != nil {
			return s.errorResponse(sync, version, 20, err.Error())
		}
	}

	reply, err := handler(sql, params)
	if err != nil {
		return s.serverError(sync, version, err)
	}

	var out []field
	if len(reply.Columns) > 0 {
		meta := msgp.AppendArrayHeader(nil, uint32(len(reply.Columns)))
		for _, col := range reply.Columns {
			meta = msgp.AppendMapHeader(meta, 2)
			meta = msgp.AppendUint8(meta, 0)
			meta = msgp.AppendString(meta, col.Name)
			meta = msgp.AppendUint8(meta, 1)
			meta = msgp.AppendString(meta, col.Type)
		}
		rows := make([]any, 0, len(reply.Rows))
		for _, r := range reply.Rows {
			rows = append(rows, r)
		}
		out = append(out, field{iproto.KeyMetadata, meta}, field{iproto.KeyData, marshal(rows)})
	} else {
		info := msgp.AppendMapHeader(nil, 2)
		info = msgp.AppendUint8(info, 0)
		info = msgp.AppendUint64(info, reply.RowCount)
		info = msgp.AppendUint8(info, 1)
		info = msgp.AppendArrayHeader(info, uint32(len(reply.IDs)))
		for _, id := range reply.IDs {
			info = msgp.AppendInt64(info, id)
		}
		out = append(out, field{iproto.KeySQLInfo, info})
	}
	return response(iproto.CodeOK, sync, version, out)
}

func (s *Server) selectResponse(sync uint64, version uint32, fields map[iproto.Key][]byte) []byte {
	spaceID, _, _ := msgp.ReadUint32Bytes(fields[iproto.KeySpaceID])
	limit, _, _ := msgp.ReadUint32Bytes(fields[iproto.KeyLimit])
	offset, _, _ := msgp.ReadUint32Bytes(fields[iproto.KeyOffset])
	iter, _, _ := msgp.ReadUint32Bytes(fields[iproto.KeyIterator])

	var key []any
	if raw := fields[iproto.KeyKey]; len(raw) > 0 {
		_ = msgpack.Unmarshal(raw, &key)
	}

	rows, ok := s.rows(spaceID)
	if !ok {
		return s.errorResponse(sync, version, iproto.ErrCodeNoSuchSpace, fmt.Sprintf("Space '%d' does not exist", spaceID))
	}

	var out []any
	for _, row := range rows {
		if !matches(row, key, iproto.Iterator(iter)) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if uint32(len(out)) >= limit {
			break
		}
		out = append(out, row)
	}
	if out == nil {
		out = []any{}
	}
	return response(iproto.CodeOK, sync, version, []field{{iproto.KeyData, marshal(out)}})
}

// rows returns the tuples of a space, building catalog rows on the fly.
func (s *Server) rows(spaceID uint32) ([][]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch spaceID {
	case iproto.SpaceSpace, iproto.SpaceVSpace:
		if spaceID == iproto.SpaceVSpace {
			s.catalogSelects.Add(1)
		}
		rows := [][]any{
			{uint64(iproto.SpaceSchema), 1, "_schema", "memtx", 0, map[string]any{}, []any{}},
			{uint64(iproto.SpaceSpace), 1, "_space", "memtx", 0, map[string]any{}, []any{}},
			{uint64(iproto.SpaceVSpace), 1, "_vspace", "sysview", 0, map[string]any{}, []any{}},
			{uint64(iproto.SpaceIndex), 1, "_index", "memtx", 0, map[string]any{}, []any{}},
			{uint64(iproto.SpaceVIndex), 1, "_vindex", "sysview", 0, map[string]any{}, []any{}},
		}
		for _, id := range s.spaceIDs() {
			sp := s.spaces[id]
			rows = append(rows, []any{uint64(sp.id), 1, sp.name, "memtx", 0, map[string]any{}, []any{}})
		}
		return rows, true

	case iproto.SpaceIndex, iproto.SpaceVIndex:
		if spaceID == iproto.SpaceVIndex {
			s.catalogSelects.Add(1)
		}
		var rows [][]any
		for _, id := range s.spaceIDs() {
			sp := s.spaces[id]
			for _, idx := range sp.indexes {
				rows = append(rows, []any{uint64(sp.id), uint64(idx.id), idx.name, "tree", map[string]any{}, []any{}})
			}
		}
		return rows, true
	}

	sp, ok := s.spaces[spaceID]
	if !ok {
		return nil, false
	}
	return sp.rows, true
}

func (s *Server) spaceIDs() []uint32 {
	ids := make([]uint32, 0, len(s.spaces))
	for id := s.nextSpaceID - uint32(len(s.spaces)); id < s.nextSpaceID; id++ {
		if _, ok := s.spaces[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// matches compares the first field of row with the first key part.
func matches(row []any, key []any, iter iproto.Iterator) bool {
	if len(key) == 0 || iter == iproto.IterAll {
		return true
	}
	a, aok := toInt(row[0])
	b, bok := toInt(key[0])
	if !aok || !bok {
		return fmt.Sprint(row[0]) == fmt.Sprint(key[0])
	}

	switch iter {
	case iproto.IterGt:
		return a > b
	case iproto.IterGe:
		return a >= b
	case iproto.IterLt:
		return a < b
	case iproto.IterLe:
		return a <= b
	default:
		return a == b
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func (s *Server) serverError(sync uint64, version uint32, err error) []byte {
	if se, ok := err.(*iproto.ServerError); ok {
		return s.errorResponse(sync, version, se.Code, se.Message)
	}
	return s.errorResponse(sync, version, 32, err.Error())
}

func (s *Server) errorResponse(sync uint64, version uint32, code uint32, msg string) []byte {
	stack := msgp.AppendMapHeader(nil, 1)
	stack = msgp.AppendUint8(stack, 0)
	stack = msgp.AppendArrayHeader(stack, 1)
	stack = msgp.AppendMapHeader(stack, 3)
	stack = msgp.AppendUint8(stack, 0)
	stack = msgp.AppendString(stack, "ClientError")
	stack = msgp.AppendUint8(stack, 3)
	stack = msgp.AppendString(stack, msg)
	stack = msgp.AppendUint8(stack, 5)
	stack = msgp.AppendUint32(stack, code)

	return response(iproto.CodeErrorBit|code, sync, version, []field{
		{iproto.KeyError24, msgp.AppendString(nil, msg)},
		{iproto.KeyError, stack},
	})
}

type field struct {
	key   iproto.Key
	value []byte
}

// response frames a response. A zero version omits SCHEMA_VERSION.
func response(code uint32, sync uint64, version uint32, body []field) []byte {
	size := uint32(2)
	if version != 0 {
		size++
	}

	b := []byte{0xce, 0, 0, 0, 0}
	b = msgp.AppendMapHeader(b, size)
	b = msgp.AppendUint8(b, uint8(iproto.KeyRequestType))
	b = msgp.AppendUint32(b, code)
	b = msgp.AppendUint8(b, uint8(iproto.KeySync))
	b = msgp.AppendUint64(b, sync)
	if version != 0 {
		b = msgp.AppendUint8(b, uint8(iproto.KeySchemaVersion))
		b = msgp.AppendUint32(b, version)
	}

	if body != nil {
		b = msgp.AppendMapHeader(b, uint32(len(body)))
		for _, f := range body {
			b = msgp.AppendUint8(b, uint8(f.key))
			b = append(b, f.value...)
		}
	}

	n := uint32(len(b) - 5)
	b[1], b[2], b[3], b[4] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	return b
}

func marshal(v any) []byte {
	b, err := msgpack.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func parseBody(body []byte) (map[iproto.Key][]byte, error) {
	fields := map[iproto.Key][]byte{}
	if len(body) == 0 {
		return fields, nil
	}

	n, b, err := msgp.ReadMapHeaderBytes(body)
	if err != nil {
		return nil, err
	}
	for range n {
		var key uint64
		key, b, err = msgp.ReadUint64Bytes(b)
		if err != nil {
			return nil, err
		}
		rest, err := msgp.Skip(b)
		if err != nil {
			return nil, err
		}
		fields[iproto.Key(key)] = b[:len(b)-len(rest)]
		b = rest
	}
	return fields, nil
}
