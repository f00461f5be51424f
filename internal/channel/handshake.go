package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

const (
	// KeyingLabel is the exporter label both ends use for transport keying material.
	KeyingLabel = "dcxfer auth key v1"
	// AuthKeySize matches the 2048-bit auth keys datacenters issue.
	AuthKeySize = 256
	// NonceSize is the size of handshake nonces.
	NonceSize = 16
)

var errAuthKeyUnregistered = errors.New("auth key unregistered")

// DeriveAuthKey expands transport keying material and both handshake
// nonces into an auth key. Client and server run the same derivation.
func DeriveAuthKey(keyingMaterial, clientNonce, serverNonce []byte) ([]byte, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	key := make([]byte, AuthKeySize)
	r := hkdf.New(sha256.New, keyingMaterial, salt, []byte(KeyingLabel))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive auth key: %w", err)
	}
	return key, nil
}

// RandomNonce returns NonceSize random bytes.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake nonce: %w", err)
	}
	return nonce, nil
}

// handshake runs Hello/HelloAck on a fresh connection and returns the
// session bound to the negotiated auth key. Cancelling ctx closes conn.
func handshake(ctx context.Context, conn transport.Conn, sess session.Session) (session.Session, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	nonce, err := RandomNonce()
	if err != nil {
		return session.Session{}, err
	}
	hello := &protocol.Hello{DCID: sess.DCID, AuthKeyID: sess.AuthKeyID(), Nonce: nonce}
	if err := protocol.WriteFrame(conn, 0, hello); err != nil {
		return session.Session{}, handshakeErr(ctx, err)
	}

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return session.Session{}, handshakeErr(ctx, err)
	}
	if !stop() {
		// ctx fired and closed conn after the reply arrived.
		return session.Session{}, ctx.Err()
	}
	return finishHandshake(conn, sess, nonce, frame)
}

func finishHandshake(conn transport.Conn, sess session.Session, nonce []byte, frame protocol.Frame) (session.Session, error) {
	switch msg := frame.Msg.(type) {
	case *protocol.HelloAck:
		if msg.Resumed && len(sess.AuthKey) > 0 {
			return sess, nil
		}
		km, err := conn.KeyingMaterial(KeyingLabel, 32)
		if err != nil {
			return session.Session{}, fmt.Errorf("%w: export keying material: %v", ErrConnect, err)
		}
		if len(km) == 0 {
			return session.Session{}, fmt.Errorf("%w: transport has no keying material", ErrConnect)
		}
		key, err := DeriveAuthKey(km, nonce, msg.Nonce)
		if err != nil {
			return session.Session{}, err
		}
		if len(sess.AuthKey) > 0 && bytes.Equal(key, sess.AuthKey) {
			return sess, nil
		}
		return sess.WithAuthKey(key), nil
	case *protocol.RPCError:
		if msg.Code == protocol.CodeAuthKeyUnregistered {
			return session.Session{}, errAuthKeyUnregistered
		}
		return session.Session{}, fmt.Errorf("%w: handshake rejected: %v", ErrConnect, msg)
	default:
		return session.Session{}, fmt.Errorf("%w: unexpected handshake reply %s", ErrConnect, frame.Msg.Type())
	}
}

func handshakeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: handshake: %v", ErrConnect, err)
}
