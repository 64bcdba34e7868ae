// Package netbox is a pipelined client for the Tarantool binary protocol.
//
// A Conn multiplexes concurrent requests over one socket. Each request gets
// a sync number, responses are matched back by sync, so they may arrive in
// any order. The connection authenticates, loads the space and index
// catalog, and reconnects on its own:
//
//	conn, err := netbox.Connect([]string{"localhost:3301"}, netbox.Options{
//	    User:      "app",
//	    Password:  "secret",
//	    Reconnect: netbox.ReconnectPolicy{Interval: time.Second},
//	})
//	rows, err := conn.Select(ctx, "users", "primary", []any{42}, netbox.SelectOptions{})
//
// Every request has a non-blocking form returning a Promise:
//
//	p := conn.CallAsync("box.info.version", nil)
//	res, err := p.Wait(ctx)
//
// # Schema
//
// Space and index names are resolved through a Schema cache tagged with the
// server schema version. Responses carry the current version; a newer one
// triggers a background refresh, and a select rejected for a stale version
// is retried once after refreshing. Connections to the same destination can
// share their cache through a Registry.
//
// # Errors
//
// Requests fail with a *ServerError (the connection stays usable), a
// *TimeoutError, a *NotConnectedError, a *SchemaError or an *EncodeError.
// Socket and framing failures are reported as *TransportError and
// *ProtocolError wrapped in the NotConnectedError of every request pending
// on that socket.
package netbox
