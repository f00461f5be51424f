// Package dcserver is a reference datacenter: it speaks the dcxfer wire
// protocol over any transport.Listener and stores files in a Cluster shared
// with its sibling datacenters.
package dcserver

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

// Config describes one datacenter.
type Config struct {
	DCID int
	// CDN datacenters only answer GetCdnFile and GetConfig.
	CDN bool
	// MigrateUploadsTo, when set, answers uploads with MIGRATE to that dc.
	MigrateUploadsTo int
	// Hook sees every request after the handshake. When it reports handled,
	// its reply is sent instead; a nil reply drops the request.
	Hook   func(req protocol.Message) (resp protocol.Message, handled bool)
	Logger *slog.Logger
}

// Server serves one datacenter.
type Server struct {
	cfg     Config
	cluster *Cluster
	logger  *slog.Logger

	mu   sync.Mutex
	keys map[string][]byte // by hex auth key id
}

// New creates a server backed by cluster.
func New(cfg Config, cluster *Cluster) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		cluster: cluster,
		logger:  logger.With("dc", cfg.DCID),
		keys:    make(map[string][]byte),
	}
}

// ForgetKeys drops every registered auth key, as a datacenter does after
// losing its key storage.
func (s *Server) ForgetKeys() {
	s.mu.Lock()
	s.keys = make(map[string][]byte)
	s.mu.Unlock()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	s.logger.Info("serving", "addr", l.Addr().String(), "cdn", s.cfg.CDN)
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		s.logger.Debug("handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	var writeMu sync.Mutex
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrMalformed) {
				writeMu.Lock()
				_ = protocol.WriteFrame(conn, frame.ID, protocol.Errorf(protocol.CodeBadRequest, "%v", err))
				writeMu.Unlock()
				continue
			}
			return
		}
		go func(f protocol.Frame) {
			resp := s.handle(f.Msg)
			if resp == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := protocol.WriteFrame(conn, f.ID, resp); err != nil {
				s.logger.Debug("write response failed", "error", err)
			}
		}(frame)
	}
}

func (s *Server) handshake(conn transport.Conn) error {
	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	hello, ok := frame.Msg.(*protocol.Hello)
	if !ok {
		return fmt.Errorf("expected hello, got %s", frame.Msg.Type())
	}
	if hello.DCID != s.cfg.DCID {
		_ = protocol.WriteFrame(conn, frame.ID, protocol.Errorf(protocol.CodeBadRequest, "this is dc %d", s.cfg.DCID))
		return fmt.Errorf("hello for dc %d", hello.DCID)
	}

	nonce, err := channel.RandomNonce()
	if err != nil {
		return err
	}
	if len(hello.AuthKeyID) > 0 {
		s.mu.Lock()
		_, known := s.keys[hex.EncodeToString(hello.AuthKeyID)]
		s.mu.Unlock()
		if !known {
			_ = protocol.WriteFrame(conn, frame.ID, &protocol.RPCError{Code: protocol.CodeAuthKeyUnregistered})
			return errors.New("unregistered auth key")
		}
		return protocol.WriteFrame(conn, frame.ID, &protocol.HelloAck{Nonce: nonce, Resumed: true})
	}

	km, err := conn.KeyingMaterial(channel.KeyingLabel, 32)
	if err != nil {
		return err
	}
	if len(km) == 0 {
		return errors.New("transport has no keying material")
	}
	key, err := channel.DeriveAuthKey(km, hello.Nonce, nonce)
	if err != nil {
		return err
	}
	id := authKeyID(key)
	s.mu.Lock()
	s.keys[id] = key
	s.mu.Unlock()
	return protocol.WriteFrame(conn, frame.ID, &protocol.HelloAck{Nonce: nonce})
}

func (s *Server) handle(req protocol.Message) protocol.Message {
	if s.cfg.Hook != nil {
		if resp, handled := s.cfg.Hook(req); handled {
			return resp
		}
	}

	if s.cfg.CDN {
		switch m := req.(type) {
		case *protocol.GetConfig:
			return &protocol.Config{DCs: s.cluster.Options()}
		case *protocol.GetCdnFile:
			return s.cluster.getCdnFile(s.cfg.DCID, m)
		default:
			return protocol.Errorf(protocol.CodeBadRequest, "cdn dc does not serve %s", req.Type())
		}
	}

	switch m := req.(type) {
	case *protocol.GetConfig:
		return &protocol.Config{DCs: s.cluster.Options()}
	case *protocol.SavePart:
		if s.cfg.MigrateUploadsTo != 0 {
			return &protocol.RPCError{Code: protocol.CodeMigrate, Message: "uploads go elsewhere", DCID: s.cfg.MigrateUploadsTo}
		}
		return s.cluster.savePart(m)
	case *protocol.Finalize:
		if s.cfg.MigrateUploadsTo != 0 {
			return &protocol.RPCError{Code: protocol.CodeMigrate, Message: "uploads go elsewhere", DCID: s.cfg.MigrateUploadsTo}
		}
		resp := s.cluster.finalize(s.cfg.DCID, m)
		if media, ok := resp.(*protocol.Media); ok {
			s.logger.Info("file stored", "ref", media.Ref, "size", media.Size)
		}
		return resp
	case *protocol.Locate:
		return s.cluster.locate(s.cfg.DCID, m)
	case *protocol.GetFile:
		resp := s.cluster.getFile(s.cfg.DCID, m)
		if r, ok := resp.(*protocol.Redirect); ok {
			s.logger.Debug("redirecting to cdn", "ref", m.Ref, "offset", m.Offset, "cdn", r.DCID)
		}
		return resp
	case *protocol.GetCdnFile:
		return protocol.Errorf(protocol.CodeBadRequest, "dc %d is not a cdn", s.cfg.DCID)
	default:
		return protocol.Errorf(protocol.CodeBadRequest, "unexpected %s", req.Type())
	}
}

func authKeyID(key []byte) string {
	return hex.EncodeToString(session.Session{AuthKey: key}.AuthKeyID())
}
