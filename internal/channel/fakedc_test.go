package channel

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDC answers handshakes and hands every other request to handle.
// A nil reply drops the request.
type fakeDC struct {
	dcID   int
	handle func(req protocol.Message) protocol.Message

	mu         sync.Mutex
	keys       map[string][]byte
	handshakes int
	resumed    int
}

func startFakeDC(t *testing.T, network *transport.MemNetwork, addr string, dcID int, handle func(protocol.Message) protocol.Message) *fakeDC {
	t.Helper()
	l, err := network.Listen(addr)
	if err != nil {
		t.Fatalf("Listen(%s) error: %v", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		l.Close()
	})

	d := &fakeDC{dcID: dcID, handle: handle, keys: make(map[string][]byte)}
	go func() {
		for {
			conn, err := l.Accept(ctx)
			if err != nil {
				return
			}
			go d.serve(conn)
		}
	}()
	return d
}

func (d *fakeDC) forgetKeys() {
	d.mu.Lock()
	d.keys = make(map[string][]byte)
	d.mu.Unlock()
}

func (d *fakeDC) counts() (handshakes, resumed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshakes, d.resumed
}

func (d *fakeDC) serve(conn transport.Conn) {
	defer conn.Close()

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return
	}
	hello, ok := frame.Msg.(*protocol.Hello)
	if !ok {
		return
	}
	nonce, _ := RandomNonce()

	d.mu.Lock()
	d.handshakes++
	var reply protocol.Message
	switch {
	case len(hello.AuthKeyID) == 0:
		km, _ := conn.KeyingMaterial(KeyingLabel, 32)
		key, _ := DeriveAuthKey(km, hello.Nonce, nonce)
		d.keys[hex.EncodeToString(keyID(key))] = key
		reply = &protocol.HelloAck{Nonce: nonce}
	case d.keys[hex.EncodeToString(hello.AuthKeyID)] != nil:
		d.resumed++
		reply = &protocol.HelloAck{Nonce: nonce, Resumed: true}
	default:
		reply = &protocol.RPCError{Code: protocol.CodeAuthKeyUnregistered}
	}
	d.mu.Unlock()

	if err := protocol.WriteFrame(conn, frame.ID, reply); err != nil {
		return
	}

	var writeMu sync.Mutex
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		go func(f protocol.Frame) {
			resp := d.handle(f.Msg)
			if resp == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = protocol.WriteFrame(conn, f.ID, resp)
		}(frame)
	}
}

func keyID(key []byte) []byte {
	return session.Session{AuthKey: key}.AuthKeyID()
}
