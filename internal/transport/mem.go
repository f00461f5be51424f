package transport

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// MemNetwork is an in-memory network for tests. Listeners register under
// an address; Dial connects to them over net.Pipe. Both ends of a pipe
// share a random secret that stands in for a TLS exporter.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	conns     map[string]map[*memConn]bool // keyed by listener address
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		listeners: make(map[string]*memListener),
		conns:     make(map[string]map[*memConn]bool),
	}
}

// Listen registers a listener at addr.
func (n *MemNetwork) Listen(addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.listeners[addr]; exists {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	l := &memListener{
		network: n,
		addr:    memAddr(addr),
		accepts: make(chan Conn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener registered at addr.
func (n *MemNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnreachable)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	clientSide, serverSide := net.Pipe()
	client := &memConn{Conn: clientSide, remote: memAddr(addr), secret: secret}
	server := &memConn{Conn: serverSide, remote: memAddr("client"), secret: secret}
	client.onClose = func() {
		n.mu.Lock()
		delete(n.conns[addr], client)
		n.mu.Unlock()
	}

	select {
	case l.accepts <- server:
	case <-l.done:
		clientSide.Close()
		serverSide.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, ErrUnreachable)
	case <-ctx.Done():
		clientSide.Close()
		serverSide.Close()
		return nil, ctx.Err()
	}

	n.mu.Lock()
	if n.conns[addr] == nil {
		n.conns[addr] = make(map[*memConn]bool)
	}
	n.conns[addr][client] = true
	n.mu.Unlock()
	return client, nil
}

// Sever closes every client connection dialed to addr, simulating a
// network drop. It returns the number of connections closed.
func (n *MemNetwork) Sever(addr string) int {
	n.mu.Lock()
	conns := make([]*memConn, 0, len(n.conns[addr]))
	for c := range n.conns[addr] {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memListener struct {
	network *MemNetwork
	addr    memAddr
	accepts chan Conn
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.accepts:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() net.Addr { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.mu.Lock()
		delete(l.network.listeners, string(l.addr))
		l.network.mu.Unlock()
	})
	return nil
}

type memConn struct {
	net.Conn
	remote  memAddr
	secret  []byte
	once    sync.Once
	onClose func()
}

func (c *memConn) RemoteAddr() net.Addr { return c.remote }

func (c *memConn) KeyingMaterial(label string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, c.secret, []byte(label)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *memConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
