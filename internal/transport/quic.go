package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for dcxfer over QUIC.
	ALPNProtocol = "dcxfer-v1"
)

// ServerTLSConfig returns a TLS configuration for a QUIC datacenter.
// Uses a self-signed certificate; peers authenticate through the channel
// handshake, not the certificate.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns a TLS configuration for dialing QUIC datacenters.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultQUICConfig returns the QUIC config used on both ends.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		HandshakeIdleTimeout:           10 * time.Second,
		MaxIncomingStreams:             16,
		InitialConnectionReceiveWindow: 8 * 1024 * 1024,
		MaxConnectionReceiveWindow:     32 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// generateSelfSignedCert generates a self-signed certificate.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"dcxfer"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// QUICDialer dials datacenters over QUIC. Each Conn is one QUIC connection
// carrying a single bidirectional stream.
type QUICDialer struct {
	TLS    *tls.Config
	Config *quic.Config
	Logger *slog.Logger
}

var _ Dialer = (*QUICDialer)(nil)

// NewQUICDialer returns a dialer with the default TLS and QUIC settings.
func NewQUICDialer(logger *slog.Logger) *QUICDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QUICDialer{
		TLS:    ClientTLSConfig(),
		Config: DefaultQUICConfig(),
		Logger: logger,
	}
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	d.Logger.Debug("QUIC dial starting", "remote_addr", addr)

	conn, err := quic.DialAddr(ctx, addr, d.TLS, d.Config)
	if err != nil {
		d.Logger.Debug("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}

	d.Logger.Debug("QUIC connection established", "remote_addr", addr, "stream_id", stream.StreamID())
	return &quicConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts QUIC connections and their first stream.
type QUICListener struct {
	listener *quic.Listener
	conn     *net.UDPConn
	logger   *slog.Logger
}

var _ Listener = (*QUICListener)(nil)

// ListenQUIC creates a QUIC listener on addr with a fresh self-signed certificate.
func ListenQUIC(addr string, tuning QUICTuning, logger *slog.Logger) (*QUICListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		logger.Error("UDP listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if size, err := tuning.applyUDPBuffer(udpConn); err != nil {
		logger.Warn("UDP buffer tuning denied", "size", size, "error", err)
	}
	listener, err := quic.Listen(udpConn, tlsConfig, tuning.Apply(DefaultQUICConfig()))
	if err != nil {
		_ = udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "addr", addr)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", "local_addr", listener.Addr())
	return &QUICListener{listener: listener, conn: udpConn, logger: logger}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr(), "stream_id", stream.StreamID())
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }

func (l *QUICListener) Close() error {
	err := l.listener.Close()
	_ = l.conn.Close()
	return err
}

// quicConn adapts one QUIC stream to Conn.
type quicConn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream
	closed bool
}

func (c *quicConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := c.stream
	c.mu.Unlock()

	return stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := c.stream
	c.mu.Unlock()

	return stream.Write(p)
}

func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) KeyingMaterial(label string, length int) ([]byte, error) {
	state := c.conn.ConnectionState().TLS
	return state.ExportKeyingMaterial(label, nil, length)
}

func (c *quicConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.stream.CancelRead(0)
	_ = c.stream.Close()
	if err := c.conn.CloseWithError(0, ""); err != nil {
		return fmt.Errorf("close QUIC connection: %w", err)
	}
	return nil
}
