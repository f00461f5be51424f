package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/dcxfer/internal/cdn"
	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/integrity"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

// Download fetches media and writes it to w. Nothing reaches w unless the
// whole payload verified against its digest.
func (e *Engine) Download(ctx context.Context, media Media, w io.Writer) error {
	data, err := e.DownloadBytes(ctx, media)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// DownloadBytes fetches media into memory and returns it once verified.
func (e *Engine) DownloadBytes(ctx context.Context, media Media) ([]byte, error) {
	res, err := e.Fetch(ctx, media)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Result is a verified payload and the route it took.
type Result struct {
	Data     []byte
	CDNParts int // parts served through a CDN datacenter
	CDNDC    int // last CDN datacenter used, 0 if none
}

// Fetch is DownloadBytes with routing details.
func (e *Engine) Fetch(ctx context.Context, media Media) (Result, error) {
	if err := checkMedia(media.Ref, media.Size); err != nil {
		return Result{}, fmt.Errorf("download: %w", err)
	}
	d := &download{
		e:        e,
		media:    media,
		h:        newHandle(media.Ref, media.Size, e.opts.PartSize),
		verifier: integrity.New(),
		out:      make([]byte, 0, media.Size),
		logger:   e.logger.With("ref", media.Ref, "size", media.Size),
	}
	d.progress = newNotifier(e.opts.Observer, media.Size)
	defer d.progress.close()
	defer d.dropRoute()

	if err := d.run(ctx); err != nil {
		return Result{}, err
	}
	return Result{Data: d.out, CDNParts: d.cdnParts, CDNDC: d.cdnDC}, nil
}

type partResult struct {
	data     []byte
	redirect *protocol.Redirect
	err      error // a CDN failure that calls for a fresh redirect
}

type download struct {
	e        *Engine
	media    Media
	h        *Handle
	verifier *integrity.Verifier
	progress *notifier
	logger   *slog.Logger

	out       []byte
	route     *cdn.Route
	cdnHashes [][]byte
	cdnParts  int
	cdnDC     int
	refreshes int // consecutive CDN failures since the last applied part
}

// run requests parts in batches of up to Window and applies the answers in
// index order. A Redirect at index i switches the source to the CDN and
// discards the rest of the batch, which is re-requested from i on the CDN.
func (d *download) run(ctx context.Context) error {
	window := d.e.opts.Window
	for next := d.h.Next(); next < d.h.Parts; next = d.h.Next() {
		batch := min(window, d.h.Parts-next)
		results := make([]partResult, batch)
		route := d.route

		g, gctx := errgroup.WithContext(ctx)
		for j := 0; j < batch; j++ {
			g.Go(func() error {
				res, err := d.fetch(gctx, route, next+j)
				results[j] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := d.apply(ctx, next, results); err != nil {
			return err
		}
	}

	if err := d.verifier.Check(d.media.SHA256[:]); err != nil {
		return fmt.Errorf("download %s: %w", d.media.Ref, err)
	}
	for _, want := range d.cdnHashes {
		if err := d.verifier.Check(want); err != nil {
			return fmt.Errorf("download %s: cdn file hash: %w", d.media.Ref, err)
		}
	}
	d.logger.Info("download complete", "parts", d.h.Parts, "cdn_parts", d.cdnParts)
	return nil
}

// apply consumes results in order until one redirects or needs a fresh
// redirect; the loop in run then resumes from the first unfinished part.
func (d *download) apply(ctx context.Context, first int, results []partResult) error {
	for j, res := range results {
		i := first + j
		off, n := d.h.partRange(i)

		switch {
		case res.redirect != nil:
			return d.follow(ctx, res.redirect)
		case res.err != nil:
			d.refreshes++
			if d.refreshes > d.e.opts.Retries {
				return fmt.Errorf("%w: part at %d from cdn: %v", ErrTransferFailed, off, res.err)
			}
			d.logger.Debug("cdn part failed, asking for a fresh redirect", "offset", off, "error", res.err)
			d.dropRoute()
			return nil
		}

		if len(res.data) != n {
			return fmt.Errorf("%w: part at %d has %d bytes, want %d", ErrTransferFailed, off, len(res.data), n)
		}
		d.refreshes = 0
		d.verifier.Write(res.data)
		d.out = append(d.out, res.data...)
		if d.route != nil {
			d.cdnParts++
			d.cdnDC = d.route.DCID()
		}
		d.progress.update(d.h.complete(i, n))
	}
	return nil
}

// fetch requests part i from the route, or from the main datacenter when
// route is nil. Errors it returns are fatal to the download.
func (d *download) fetch(ctx context.Context, route *cdn.Route, i int) (partResult, error) {
	off, _ := d.h.partRange(i)
	limit := d.e.opts.PartSize

	if route != nil {
		data, err := route.Fetch(ctx, off, limit)
		switch {
		case err == nil:
			return partResult{data: data}, nil
		case errors.Is(err, cdn.ErrTokenExhausted), transient(err):
			return partResult{err: err}, nil
		default:
			return partResult{}, fmt.Errorf("part at %d from cdn dc %d: %w", off, route.DCID(), err)
		}
	}

	resp, err := d.e.mainCall(ctx, &protocol.GetFile{Ref: d.media.Ref, Offset: off, Limit: limit})
	if err != nil {
		return partResult{}, fmt.Errorf("part at %d: %w", off, err)
	}
	switch m := resp.(type) {
	case *protocol.FilePart:
		return partResult{data: m.Bytes}, nil
	case *protocol.Redirect:
		return partResult{redirect: m}, nil
	default:
		return partResult{}, fmt.Errorf("part at %d: unexpected response %s", off, resp.Type())
	}
}

func (d *download) follow(ctx context.Context, r *protocol.Redirect) error {
	d.dropRoute()
	route, err := d.e.cdn.Follow(ctx, r)
	if err != nil {
		if !errors.Is(err, channel.ErrConnect) && !errors.Is(err, channel.ErrTimeout) {
			return fmt.Errorf("follow redirect: %w", err)
		}
		d.refreshes++
		if d.refreshes > d.e.opts.Retries {
			return fmt.Errorf("%w: follow redirect to dc %d: %v", ErrTransferFailed, r.DCID, err)
		}
		return nil
	}
	d.route = route
	if fh := route.FileHash(); fh != nil {
		d.cdnHashes = append(d.cdnHashes, fh)
	}
	d.logger.Debug("downloading through cdn", "cdn", route.DCID(), "from_part", d.h.Next())
	return nil
}

func (d *download) dropRoute() {
	if d.route != nil {
		d.route.Close()
		d.route = nil
	}
}
