package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

var (
	// ErrConnect indicates a network or handshake failure while opening a
	// channel. Retryable by re-resolving and re-opening.
	ErrConnect = errors.New("connect failed")
	// ErrTimeout indicates that no response arrived within the send timeout.
	ErrTimeout = errors.New("request timed out")
	// ErrChannelClosed indicates the channel went away with the request in flight.
	ErrChannelClosed = errors.New("channel closed")

	errClosedLocally = errors.New("closed locally")
)

// DefaultSendTimeout bounds a single Send when none is configured.
const DefaultSendTimeout = 10 * time.Second

type result struct {
	msg protocol.Message
	err error
}

// Channel is an ordered request/response exchange bound to one Session.
// Concurrent senders are safe: each request carries its own correlation id.
type Channel struct {
	sess        session.Session
	conn        transport.Conn
	logger      *slog.Logger
	sendTimeout time.Duration

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan result
	closeErr error
	done     chan struct{}
}

// Open dials sess.Addr() and performs the handshake. A resumable auth key
// that the server no longer recognises is dropped and the handshake retried
// once from scratch. The returned channel's Session carries the negotiated key.
func Open(ctx context.Context, dialer transport.Dialer, sess session.Session, sendTimeout time.Duration, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}

	conn, negotiated, err := dialAndHandshake(ctx, dialer, sess)
	if errors.Is(err, errAuthKeyUnregistered) {
		logger.Info("auth key unregistered, renegotiating", "dc", sess.DCID)
		sess.AuthKey = nil
		conn, negotiated, err = dialAndHandshake(ctx, dialer, sess)
	}
	if errors.Is(err, errAuthKeyUnregistered) {
		return nil, fmt.Errorf("%w: dc %d: %v", ErrConnect, sess.DCID, err)
	}
	if err != nil {
		return nil, err
	}

	c := &Channel{
		sess:        negotiated,
		conn:        conn,
		logger:      logger.With("dc", negotiated.DCID, "kind", negotiated.Kind.String()),
		sendTimeout: sendTimeout,
		pending:     make(map[uint64]chan result),
		done:        make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Debug("channel open", "addr", negotiated.Addr())
	return c, nil
}

func dialAndHandshake(ctx context.Context, dialer transport.Dialer, sess session.Session) (transport.Conn, session.Session, error) {
	conn, err := dialer.Dial(ctx, sess.Addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, session.Session{}, ctx.Err()
		}
		return nil, session.Session{}, fmt.Errorf("%w: dc %d: %v", ErrConnect, sess.DCID, err)
	}
	negotiated, err := handshake(ctx, conn, sess)
	if err != nil {
		conn.Close()
		return nil, session.Session{}, err
	}
	return conn, negotiated, nil
}

// Session returns the session this channel is bound to.
func (c *Channel) Session() session.Session { return c.sess }

// Done is closed when the channel stops serving requests.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns why the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Send writes req and blocks until the correlated response arrives, the
// send timeout elapses, the channel closes, or ctx is cancelled. A response
// of type RPCError is returned as a *protocol.RPCError error. Cancelling one
// Send releases its correlation slot without disturbing other requests.
func (c *Channel) Send(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	c.writeMu.Lock()
	err := protocol.WriteFrame(c.conn, id, req)
	c.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return nil, err
		}
		c.fail(err)
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return unwrap(res)
	case <-c.done:
		select {
		case res := <-ch:
			return unwrap(res)
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, c.Err())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Type(), c.sendTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unwrap(res result) (protocol.Message, error) {
	if res.err != nil {
		return nil, res.err
	}
	if rpcErr, ok := res.msg.(*protocol.RPCError); ok {
		return nil, rpcErr
	}
	return res.msg, nil
}

func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop dispatches responses to waiting senders. Responses for requests
// that were cancelled or timed out are dropped.
func (c *Channel) readLoop() {
	for {
		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				c.logger.Warn("undecodable response", "error", err, "id", frame.ID)
				c.deliver(frame.ID, result{err: err})
				continue
			}
			c.fail(err)
			return
		}
		c.deliver(frame.ID, result{msg: frame.Msg})
	}
}

func (c *Channel) deliver(id uint64, res result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- res
}

// fail closes the channel once, recording the first cause.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	close(c.done)
	c.mu.Unlock()

	_ = c.conn.Close()
	if !errors.Is(err, errClosedLocally) {
		c.logger.Warn("channel lost", "error", err)
	}
}

// Close tears the channel down. In-flight sends fail with ErrChannelClosed.
func (c *Channel) Close() error {
	c.fail(errClosedLocally)
	return nil
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
