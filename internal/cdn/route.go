// Package cdn follows redirects to CDN datacenters and decrypts the parts
// they serve.
package cdn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/integrity"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

// ErrTokenExhausted indicates the file token was already spent for the
// requested offset. The caller must obtain a fresh redirect from the main
// datacenter.
var ErrTokenExhausted = errors.New("cdn file token exhausted")

// Leaser hands out leases on CDN channels.
type Leaser interface {
	CDN(ctx context.Context, dcID int) (*channel.Lease, error)
}

// Handler turns redirects into Routes.
type Handler struct {
	channels Leaser
	logger   *slog.Logger
}

// NewHandler creates a handler that leases CDN channels from channels.
func NewHandler(channels Leaser, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{channels: channels, logger: logger}
}

// Follow validates r and leases a channel to r.DCID, reusing a cached CDN
// session when one exists. Close the Route when done.
func (h *Handler) Follow(ctx context.Context, r *protocol.Redirect) (*Route, error) {
	c, err := NewCipher(r.Key, r.IV)
	if err != nil {
		return nil, fmt.Errorf("redirect to dc %d: %w", r.DCID, err)
	}
	if len(r.FileToken) == 0 {
		return nil, fmt.Errorf("redirect to dc %d: empty file token", r.DCID)
	}
	if len(r.FileHash) != 0 && len(r.FileHash) != integrity.Size {
		return nil, fmt.Errorf("redirect to dc %d: file hash has %d bytes", r.DCID, len(r.FileHash))
	}

	lease, err := h.channels.CDN(ctx, r.DCID)
	if err != nil {
		return nil, err
	}

	hashes := make(map[int64]protocol.PartHash, len(r.PartHashes))
	for _, ph := range r.PartHashes {
		hashes[ph.Offset] = ph
	}
	h.logger.Debug("following cdn redirect", "dc", r.DCID, "part_hashes", len(hashes))
	return &Route{
		dcID:     r.DCID,
		token:    bytes.Clone(r.FileToken),
		fileHash: bytes.Clone(r.FileHash),
		hashes:   hashes,
		cipher:   c,
		lease:    lease,
		spent:    make(map[int64]bool),
	}, nil
}

// Route fetches parts of one redirected file over a leased CDN channel.
// Safe for concurrent use.
type Route struct {
	dcID     int
	token    []byte
	fileHash []byte
	hashes   map[int64]protocol.PartHash
	cipher   *Cipher
	lease    *channel.Lease

	mu    sync.Mutex
	spent map[int64]bool
}

// DCID returns the CDN datacenter serving this route.
func (r *Route) DCID() int { return r.dcID }

// FileHash returns the whole-file SHA-256 the redirect carried, or nil.
func (r *Route) FileHash() []byte { return r.fileHash }

// Fetch downloads and decrypts limit bytes at offset. The token is spent
// for offset before the request is sent, so a second Fetch of the same
// offset fails with ErrTokenExhausted without touching the network.
// A part hash for offset, when the redirect carried one, is checked before
// the plaintext is returned.
func (r *Route) Fetch(ctx context.Context, offset int64, limit int) ([]byte, error) {
	r.mu.Lock()
	if r.spent[offset] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: offset %d already requested", ErrTokenExhausted, offset)
	}
	r.spent[offset] = true
	r.mu.Unlock()

	resp, err := r.lease.Channel().Send(ctx, &protocol.GetCdnFile{FileToken: r.token, Offset: offset, Limit: limit})
	if err != nil {
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeTokenExhausted {
			return nil, fmt.Errorf("%w: %v", ErrTokenExhausted, rpcErr)
		}
		return nil, err
	}
	part, ok := resp.(*protocol.CdnPart)
	if !ok {
		return nil, fmt.Errorf("cdn dc %d: unexpected response %s", r.dcID, resp.Type())
	}

	plain := part.Bytes
	if err := r.cipher.XORKeyStream(plain, plain, offset); err != nil {
		return nil, err
	}
	if ph, ok := r.hashes[offset]; ok && ph.Limit == len(plain) {
		if err := integrity.CheckPart(offset, plain, ph.Hash); err != nil {
			return nil, err
		}
	}
	return plain, nil
}

// Close releases the CDN channel lease.
func (r *Route) Close() {
	r.lease.Release()
}
