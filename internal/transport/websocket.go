package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path datacenters serve the upgrade on.
const WebSocketPath = "/dc"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// errNotTLS is returned for keying material on a connection without TLS.
var errNotTLS = errors.New("websocket connection is not tls")

// webSocketProtos keeps ALPN on HTTP/1.1, which the upgrade needs.
var webSocketProtos = []string{"http/1.1"}

// WebSocketDialer dials datacenters over TLS WebSocket for networks where
// UDP is blocked. Every Write becomes one binary message.
type WebSocketDialer struct {
	dialer websocket.Dialer
	logger *slog.Logger
}

var _ Dialer = (*WebSocketDialer)(nil)

// NewWebSocketDialer returns a dialer with a bounded upgrade timeout.
func NewWebSocketDialer(logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
				NextProtos:         webSocketProtos,
			},
		},
		logger: logger,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	u := url.URL{Scheme: "wss", Host: addr, Path: WebSocketPath}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	d.logger.Debug("websocket connection established", "remote_addr", addr)
	return newWSConn(conn), nil
}

// WebSocketListener serves the upgrade endpoint and hands upgraded
// connections to Accept.
type WebSocketListener struct {
	ln      net.Listener
	server  *http.Server
	accepts chan Conn
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

var _ Listener = (*WebSocketListener)(nil)

// ListenWebSocket starts an HTTPS server on addr serving WebSocketPath
// with the same self-signed certificate setup as the QUIC listener.
func ListenWebSocket(addr string, logger *slog.Logger) (*WebSocketListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	tlsConfig.NextProtos = webSocketProtos

	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	ln := tls.NewListener(tcp, tlsConfig)

	l := &WebSocketListener{
		ln:      ln,
		accepts: make(chan Conn, 16),
		done:    make(chan struct{}),
		logger:  logger,
	}
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, l)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server stopped", "error", err)
		}
	}()
	logger.Info("websocket listener created", "local_addr", ln.Addr())
	return l, nil
}

// ServeHTTP upgrades the request. The hijacked connection outlives the
// handler.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	select {
	case l.accepts <- newWSConn(conn):
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.accepts:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() net.Addr { return l.ln.Addr() }

func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}

// wsConn turns a message-oriented websocket into a byte stream.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	reader  io.Reader
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(2 * 1024 * 1024)
	return &wsConn{conn: conn}
}

// Read must not be called concurrently with itself.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *wsConn) KeyingMaterial(label string, length int) ([]byte, error) {
	tc, ok := c.conn.UnderlyingConn().(*tls.Conn)
	if !ok {
		return nil, errNotTLS
	}
	state := tc.ConnectionState()
	return state.ExportKeyingMaterial(label, nil, length)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
