package netbox

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/netbox/internal/testutils"
	"github.com/pior/netbox/iproto"
)

func TestConn_Call(t *testing.T) {
	srv := newServer(t)
	srv.Handle("sum", func(args []any) ([]any, error) {
		var nums []int
		if err := msgpackRoundTrip(args, &nums); err != nil {
			return nil, err
		}
		total := 0
		for _, n := range nums {
			total += n
		}
		return []any{total}, nil
	})
	c := connect(t, srv, Options{})

	res, err := c.Call(context.Background(), "sum", []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{6}, decodeInts(t, res))
	assert.Equal(t, "[6]", res.String())
}

func TestConn_CallRaisesServerError(t *testing.T) {
	srv := newServer(t)
	srv.Handle("fail", func([]any) ([]any, error) {
		return nil, &iproto.ServerError{Code: 32, Message: "boom"}
	})
	c := connect(t, srv, Options{})

	_, err := c.Call(context.Background(), "fail", nil)

	require.True(t, iproto.IsServerErrorCode(err, 32), "got %v", err)
	require.ErrorIs(t, err, &ServerError{Code: 32})
	assert.Contains(t, err.Error(), "boom")
}

func TestConn_Eval(t *testing.T) {
	srv := newServer(t)
	srv.HandleEval(func(args []any) ([]any, error) {
		return args, nil
	})
	c := connect(t, srv, Options{})

	res, err := c.Eval(context.Background(), "return ...", []any{4, 5})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, decodeInts(t, res))
	assert.Equal(t, 2, res.Len())
}

func sqlHandler(sql string, params []any) (*testutils.SQLReply, error) {
	if strings.HasPrefix(sql, "SELECT") {
		return &testutils.SQLReply{
			Columns: []iproto.ColumnMeta{{Name: "ID", Type: "integer"}, {Name: "NAME", Type: "string"}},
			Rows:    [][]any{{1, "a"}, {2, "b"}},
		}, nil
	}
	return &testutils.SQLReply{RowCount: uint64(len(params)), IDs: []int64{7}}, nil
}

func TestConn_Execute(t *testing.T) {
	srv := newServer(t)
	srv.HandleSQL(sqlHandler)
	c := connect(t, srv, Options{})
	ctx := context.Background()

	t.Run("query", func(t *testing.T) {
		res, err := c.Execute(ctx, "SELECT id, name FROM t", nil)
		require.NoError(t, err)
		assert.Equal(t, []ColumnMeta{{Name: "ID", Type: "integer"}, {Name: "NAME", Type: "string"}}, res.Metadata)
		require.Len(t, res.Rows, 2)
		assert.Equal(t, `[2,"b"]`, res.Rows[1].String())
	})

	t.Run("dml", func(t *testing.T) {
		res, err := c.Execute(ctx, "INSERT INTO t VALUES (?, ?)", []any{3, "c"})
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
		assert.EqualValues(t, 2, res.RowCount)
		assert.Equal(t, []int64{7}, res.AutoIncrementIDs)
	})
}

func TestConn_AsyncRequests(t *testing.T) {
	srv := newServer(t)
	srv.Handle("echo", echoHandler)
	srv.HandleEval(func(args []any) ([]any, error) { return args, nil })
	srv.HandleSQL(sqlHandler)
	id := srv.CreateSpace("items", "pk")
	srv.Insert(id, 1, "a")

	c := connect(t, srv, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	call := c.CallAsync("echo", []any{5})
	eval := c.EvalAsync("return ...", []any{6})
	sql := c.ExecuteAsync("SELECT 1", nil)
	sel := c.SelectAsync("items", nil, []any{1}, SelectOptions{})
	ping := c.PingAsync()

	res, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, decodeInts(t, res))

	res, err = eval.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{6}, decodeInts(t, res))

	sqlRes, err := sql.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, sqlRes.Rows, 2)

	rows, err := sel.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	_, err = ping.Wait(ctx)
	require.NoError(t, err)

	val, ok, err := call.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, decodeInts(t, val))
}

func TestConn_AsyncEncodeError(t *testing.T) {
	srv := newServer(t)
	c := connect(t, srv, Options{})

	p := c.CallAsync("echo", "not an array")

	_, ok, err := p.Result()
	require.True(t, ok, "encode errors complete the promise immediately")
	var ee *EncodeError
	require.ErrorAs(t, err, &ee)
}

func TestNumericID(t *testing.T) {
	tests := []struct {
		in   any
		want uint32
		ok   bool
	}{
		{512, 512, true},
		{int8(5), 5, true},
		{int64(math.MaxUint32), math.MaxUint32, true},
		{uint32(7), 7, true},
		{uint64(9), 9, true},
		{uint(10), 10, true},
		{-1, 0, false},
		{int64(math.MaxUint32 + 1), 0, false},
		{uint64(math.MaxUint64), 0, false},
		{"512", 0, false},
		{1.5, 0, false},
	}

	for _, tt := range tests {
		got, ok := numericID(tt.in)
		assert.Equal(t, tt.ok, ok, "%T(%v)", tt.in, tt.in)
		assert.Equal(t, tt.want, got, "%T(%v)", tt.in, tt.in)
	}
}

func TestConn_SelectWaitsForActive(t *testing.T) {
	c, err := Connect([]string{closedAddr(t)}, Options{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Select(context.Background(), "items", nil, nil, SelectOptions{})

	var nc *NotConnectedError
	require.True(t, errors.As(err, &nc), "got %v", err)
}
