package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoOnce accepts one connection and echoes len(want) bytes back.
func echoOnce(ctx context.Context, t *testing.T, l Listener, n int) <-chan Conn {
	t.Helper()
	out := make(chan Conn, 1)
	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			close(out)
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err == nil {
			_, _ = conn.Write(buf)
		}
		out <- conn
	}()
	return out
}

func roundTrip(t *testing.T, conn Conn, payload []byte) {
	t.Helper()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed payload differs")
	}
}

func TestMemNetwork_DialAccept(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network := NewMemNetwork()
	l, err := network.Listen("dc1:443")
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer l.Close()

	if _, err := network.Listen("dc1:443"); err == nil {
		t.Fatal("second Listen on the same address should fail")
	}

	payload := []byte("hello datacenter")
	served := echoOnce(ctx, t, l, len(payload))

	conn, err := network.Dial(ctx, "dc1:443")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, payload)

	server := <-served
	clientKM, err := conn.KeyingMaterial("x", 32)
	if err != nil {
		t.Fatalf("client KeyingMaterial error: %v", err)
	}
	serverKM, err := server.KeyingMaterial("x", 32)
	if err != nil {
		t.Fatalf("server KeyingMaterial error: %v", err)
	}
	if len(clientKM) != 32 || !bytes.Equal(clientKM, serverKM) {
		t.Error("both ends of a pipe should export the same keying material")
	}
	other, _ := conn.KeyingMaterial("y", 32)
	if bytes.Equal(other, clientKM) {
		t.Error("keying material should depend on the label")
	}
}

func TestMemNetwork_Unreachable(t *testing.T) {
	network := NewMemNetwork()
	_, err := network.Dial(context.Background(), "nowhere:1")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Dial error = %v, want ErrUnreachable", err)
	}
}

func TestMemNetwork_Sever(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network := NewMemNetwork()
	l, _ := network.Listen("dc2:443")
	defer l.Close()

	go func() {
		for {
			if _, err := l.Accept(ctx); err != nil {
				return
			}
		}
	}()

	conn, err := network.Dial(ctx, "dc2:443")
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}

	if n := network.Sever("dc2:443"); n != 1 {
		t.Fatalf("Sever() = %d, want 1", n)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("Read on severed connection should fail")
	}
	if n := network.Sever("dc2:443"); n != 0 {
		t.Errorf("second Sever() = %d, want 0", n)
	}
}

func TestServerTLSConfig(t *testing.T) {
	config, err := ServerTLSConfig()
	if err != nil {
		t.Fatalf("ServerTLSConfig error: %v", err)
	}
	if len(config.Certificates) == 0 {
		t.Fatal("ServerTLSConfig has no certificates")
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", config.NextProtos, ALPNProtocol)
	}

	client := ClientTLSConfig()
	if !client.InsecureSkipVerify {
		t.Error("ClientTLSConfig InsecureSkipVerify should be true")
	}
}

func TestQUIC_Loopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := ListenQUIC("127.0.0.1:0", QUICTuning{UDPBuffer: minUDPBuffer}, quietLogger())
	if err != nil {
		t.Fatalf("ListenQUIC error: %v", err)
	}
	defer l.Close()

	payload := bytes.Repeat([]byte("q"), 100_000)
	served := echoOnce(ctx, t, l, len(payload))

	conn, err := NewQUICDialer(quietLogger()).Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()
	roundTrip(t, conn, payload)

	server := <-served
	if server == nil {
		t.Fatal("server did not accept")
	}
	defer server.Close()

	clientKM, err := conn.KeyingMaterial("dcxfer test", 32)
	if err != nil {
		t.Fatalf("client KeyingMaterial error: %v", err)
	}
	serverKM, err := server.KeyingMaterial("dcxfer test", 32)
	if err != nil {
		t.Fatalf("server KeyingMaterial error: %v", err)
	}
	if len(clientKM) != 32 || !bytes.Equal(clientKM, serverKM) {
		t.Error("both ends should export the same keying material")
	}
}

func TestWebSocket_Loopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := ListenWebSocket("127.0.0.1:0", quietLogger())
	if err != nil {
		t.Fatalf("ListenWebSocket error: %v", err)
	}
	defer l.Close()

	payload := bytes.Repeat([]byte("w"), 200_000)
	served := echoOnce(ctx, t, l, len(payload))

	conn, err := NewWebSocketDialer(quietLogger()).Dial(ctx, l.Addr().String())
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	// Split the write so the reader has to stitch messages together.
	if _, err := conn.Write(payload[:1000]); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if _, err := conn.Write(payload[1000:]); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("ReadFull error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed payload differs")
	}
	server := <-served
	if server == nil {
		t.Fatal("server did not accept")
	}
	defer server.Close()

	clientKM, err := conn.KeyingMaterial("dcxfer test", 32)
	if err != nil {
		t.Fatalf("client KeyingMaterial error: %v", err)
	}
	serverKM, err := server.KeyingMaterial("dcxfer test", 32)
	if err != nil {
		t.Fatalf("server KeyingMaterial error: %v", err)
	}
	if len(clientKM) != 32 || !bytes.Equal(clientKM, serverKM) {
		t.Error("tls websocket ends should export the same keying material")
	}
}
