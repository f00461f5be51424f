// Package transfer moves payloads to and from datacenters in fixed-size
// parts, following CDN redirects and verifying the assembled bytes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sheerbytes/dcxfer/internal/bufpool"
	"github.com/sheerbytes/dcxfer/internal/cdn"
	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/integrity"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

var (
	// ErrTransferFailed indicates a part exhausted its retry budget.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrInvalidMedia marks a media record with no reference or a size
	// outside [0, MaxFileSize].
	ErrInvalidMedia = errors.New("invalid media")
)

// Channels is the subset of the channel manager the engine needs.
type Channels interface {
	Main(ctx context.Context) (*channel.Lease, error)
	Migrate(ctx context.Context, dcID int) (*channel.Lease, error)
	Reopen(ctx context.Context, stale *channel.Channel) (*channel.Lease, error)
	CDN(ctx context.Context, dcID int) (*channel.Lease, error)
}

// Media identifies a stored payload and the digest it must hash to.
type Media struct {
	Ref    string
	DCID   int
	Size   int64
	SHA256 [integrity.Size]byte
}

func checkMedia(ref string, size int64) error {
	if ref == "" || size < 0 || size > MaxFileSize {
		return fmt.Errorf("%w: %q of %d bytes", ErrInvalidMedia, ref, size)
	}
	return nil
}

func mediaFromProto(m *protocol.Media) (Media, error) {
	if err := checkMedia(m.Ref, m.Size); err != nil {
		return Media{}, err
	}
	if len(m.SHA256) != integrity.Size {
		return Media{}, fmt.Errorf("media %s: digest has %d bytes", m.Ref, len(m.SHA256))
	}
	out := Media{Ref: m.Ref, DCID: m.DCID, Size: m.Size}
	copy(out.SHA256[:], m.SHA256)
	return out, nil
}

// Engine runs uploads and downloads over leased channels.
type Engine struct {
	channels Channels
	cdn      *cdn.Handler
	opts     Options
	logger   *slog.Logger
}

// New creates an engine. It fails with ErrInvalidOptions for bad tunables.
func New(channels Channels, opts Options) (*Engine, error) {
	opts, err := NormalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Engine{
		channels: channels,
		cdn:      cdn.NewHandler(channels, opts.Logger),
		opts:     opts,
		logger:   opts.Logger,
	}, nil
}

// Options returns the effective tunables.
func (e *Engine) Options() Options { return e.opts }

// Upload reads exactly size bytes from r and stores them on the main
// datacenter. Parts are sent in increasing index order; the SHA-256 of the
// payload travels with Finalize and is returned in the Media.
func (e *Engine) Upload(ctx context.Context, r io.Reader, size int64) (Media, error) {
	if size < 0 || size > MaxFileSize {
		return Media{}, fmt.Errorf("upload: size %d outside [0, %d]", size, MaxFileSize)
	}
	h := newHandle(uuid.NewString(), size, e.opts.PartSize)
	log := e.logger.With("file_id", h.ID, "size", size, "parts", h.Parts)
	log.Debug("upload started")

	progress := newNotifier(e.opts.Observer, size)
	defer progress.close()

	pool := bufpool.ForSize(e.opts.PartSize)
	buf := pool.Get(e.opts.PartSize)
	defer pool.Put(buf)

	verifier := integrity.New()
	for i := 0; i < h.Parts; i++ {
		_, n := h.partRange(i)
		part := buf[:n]
		if _, err := io.ReadFull(r, part); err != nil {
			return Media{}, fmt.Errorf("read part %d: %w", i, err)
		}
		verifier.Write(part)

		resp, err := e.mainCall(ctx, &protocol.SavePart{FileID: h.ID, Part: i, Bytes: part})
		if err != nil {
			return Media{}, fmt.Errorf("upload part %d: %w", i, err)
		}
		if _, ok := resp.(*protocol.Ack); !ok {
			return Media{}, fmt.Errorf("upload part %d: unexpected response %s", i, resp.Type())
		}
		progress.update(h.complete(i, n))
	}

	sum := verifier.Finalize()
	resp, err := e.mainCall(ctx, &protocol.Finalize{FileID: h.ID, Parts: h.Parts, Size: size, SHA256: sum[:]})
	if err != nil {
		return Media{}, fmt.Errorf("finalize upload: %w", err)
	}
	m, ok := resp.(*protocol.Media)
	if !ok {
		return Media{}, fmt.Errorf("finalize upload: unexpected response %s", resp.Type())
	}
	media, err := mediaFromProto(m)
	if err != nil {
		return Media{}, fmt.Errorf("finalize upload: %w", err)
	}
	if media.SHA256 != sum || media.Size != size {
		return Media{}, fmt.Errorf("%w: datacenter recorded a different payload", integrity.ErrIntegrity)
	}

	log.Info("upload complete", "ref", media.Ref, "dc", media.DCID)
	return media, nil
}

// Locate looks a stored payload up by reference on the main datacenter,
// following MIGRATE to the datacenter that holds it.
func (e *Engine) Locate(ctx context.Context, ref string) (Media, error) {
	resp, err := e.mainCall(ctx, &protocol.Locate{Ref: ref})
	if err != nil {
		return Media{}, fmt.Errorf("locate %s: %w", ref, err)
	}
	m, ok := resp.(*protocol.Media)
	if !ok {
		return Media{}, fmt.Errorf("locate %s: unexpected response %s", ref, resp.Type())
	}
	return mediaFromProto(m)
}

// Config fetches the datacenter table from the main datacenter.
func (e *Engine) Config(ctx context.Context) (*protocol.Config, error) {
	resp, err := e.mainCall(ctx, &protocol.GetConfig{})
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	cfg, ok := resp.(*protocol.Config)
	if !ok {
		return nil, fmt.Errorf("get config: unexpected response %s", resp.Type())
	}
	return cfg, nil
}

// mainCall sends req on the main channel within the retry budget. Timeouts
// are retried on the same channel, a closed channel is reopened, and
// MIGRATE moves the main role before retrying. Other server errors are
// returned as-is.
func (e *Engine) mainCall(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			e.logger.Debug("retrying request", "type", req.Type().String(), "attempt", attempt, "error", lastErr)
		}

		lease, err := e.channels.Main(ctx)
		if err != nil {
			if !transient(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		ch := lease.Channel()
		resp, err := ch.Send(ctx, req)
		lease.Release()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var rpcErr *protocol.RPCError
		switch {
		case errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeMigrate:
			e.logger.Info("datacenter asked to migrate", "from", ch.Session().DCID, "to", rpcErr.DCID)
			moved, err := e.channels.Migrate(ctx, rpcErr.DCID)
			if err != nil {
				if !transient(err) {
					return nil, err
				}
				lastErr = err
				continue
			}
			moved.Release()
		case errors.As(err, &rpcErr):
			return nil, err
		case errors.Is(err, channel.ErrChannelClosed):
			fresh, err := e.channels.Reopen(ctx, ch)
			if err != nil {
				if !transient(err) {
					return nil, err
				}
				lastErr = err
				continue
			}
			fresh.Release()
		case errors.Is(err, channel.ErrTimeout):
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrTransferFailed, req.Type(), e.opts.Retries+1, lastErr)
}

func transient(err error) bool {
	return errors.Is(err, channel.ErrConnect) ||
		errors.Is(err, channel.ErrTimeout) ||
		errors.Is(err, channel.ErrChannelClosed)
}
