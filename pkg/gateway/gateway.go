// Package gateway describes the brokerage gateway as the desk consumes it: a
// dialer that opens a client session and a connection that sends
// fire-and-forget requests and yields asynchronous callbacks.
package gateway

import (
	"context"
	"errors"
)

// ErrClosed is returned by Recv and Send once the connection is closed.
var ErrClosed = errors.New("gateway connection closed")

// Dialer opens a gateway session under the given client id.
type Dialer interface {
	Dial(ctx context.Context, host string, port, clientID int) (Conn, error)
}

// Conn is one live gateway session.
//
// Recv blocks until the next callback arrives and is only called from the
// session's receive loop. Close unblocks a pending Recv and is safe to call
// more than once.
type Conn interface {
	Send(ctx context.Context, req Request) error
	Recv() (Event, error)
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, host string, port, clientID int) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, host string, port, clientID int) (Conn, error) {
	return f(ctx, host, port, clientID)
}
