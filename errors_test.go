package netbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapContextError(t *testing.T) {
	err := wrapContextError("call", context.DeadlineExceeded)
	var te *TimeoutError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, "call", te.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "netbox: call timed out: context deadline exceeded", err.Error())

	assert.Equal(t, context.Canceled, wrapContextError("call", context.Canceled))
}

func TestNotConnectedError(t *testing.T) {
	err := &NotConnectedError{State: StateClosed, Err: ErrConnectionClosed}
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, "netbox: not connected (closed): netbox: connection closed", err.Error())

	err = &NotConnectedError{State: StateConnecting}
	assert.Equal(t, "netbox: not connected (connecting)", err.Error())
}

func TestSchemaError(t *testing.T) {
	tests := []struct {
		err  *SchemaError
		want string
	}{
		{&SchemaError{Space: "users"}, `netbox: no such space "users"`},
		{&SchemaError{Space: "users", Index: "email"}, `netbox: no such index "email" in space "users"`},
		{&SchemaError{SpaceID: 512, Index: "email"}, `netbox: no such index "email" in space 512`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}

	var se *SchemaError
	assert.True(t, errors.As(error(tests[0].err), &se))
}
