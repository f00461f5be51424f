package transport

import (
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

const (
	minQUICWindow     = 1 * 1024 * 1024
	maxQUICConnWindow = 1024 * 1024 * 1024
	maxQUICStreamWin  = 256 * 1024 * 1024
	minUDPBuffer      = 256 * 1024
	maxUDPBuffer      = 64 * 1024 * 1024
)

// QUICTuning overrides flow-control windows and socket buffers. Zero fields
// keep the defaults.
type QUICTuning struct {
	ConnWindow   int
	StreamWindow int
	UDPBuffer    int
}

// Apply returns a copy of base with the tuned windows, clamped to sane bounds.
func (t QUICTuning) Apply(base *quic.Config) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}
	if t.ConnWindow > 0 {
		conn := clamp(t.ConnWindow, minQUICWindow, maxQUICConnWindow)
		cfg.MaxConnectionReceiveWindow = uint64(conn)
		if cfg.InitialConnectionReceiveWindow > uint64(conn) {
			cfg.InitialConnectionReceiveWindow = uint64(conn)
		}
	}
	if t.StreamWindow > 0 {
		stream := clamp(t.StreamWindow, minQUICWindow, maxQUICStreamWin)
		cfg.InitialStreamReceiveWindow = uint64(stream)
		cfg.MaxStreamReceiveWindow = uint64(stream)
	}
	return cfg
}

// applyUDPBuffer sets both socket buffers. Kernels may refuse large sizes;
// the error is informational.
func (t QUICTuning) applyUDPBuffer(conn *net.UDPConn) (int, error) {
	if t.UDPBuffer <= 0 || conn == nil {
		return 0, nil
	}
	size := clamp(t.UDPBuffer, minUDPBuffer, maxUDPBuffer)
	if err := conn.SetReadBuffer(size); err != nil {
		return size, fmt.Errorf("set read buffer: %w", err)
	}
	if err := conn.SetWriteBuffer(size); err != nil {
		return size, fmt.Errorf("set write buffer: %w", err)
	}
	return size, nil
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
