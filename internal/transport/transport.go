package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrUnreachable indicates that nothing is listening at the dialed address.
var ErrUnreachable = errors.New("address unreachable")

// Conn is an established duplex byte stream to a datacenter.
// Reads and writes may run concurrently with each other, but callers must
// not issue concurrent Writes.
type Conn interface {
	io.ReadWriteCloser

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr

	// KeyingMaterial exports secret bytes that both ends of the connection
	// can derive independently. Transports without a secure layer return
	// nil and no error.
	KeyingMaterial(label string, length int) ([]byte, error)
}

// Dialer opens connections to host:port addresses.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts connections for a datacenter server.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}
