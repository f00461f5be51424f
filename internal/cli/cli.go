// Package cli implements the dcxfer subcommands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/client"
	"github.com/sheerbytes/dcxfer/internal/config"
	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/logging"
	"github.com/sheerbytes/dcxfer/internal/progress"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transfer"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

// Env is what a subcommand writes to. Tests swap the writers and the dialer.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	// Dialer overrides the configured transport.
	Dialer transport.Dialer
	// Progress enables the single-line progress display on Stderr.
	Progress bool
}

// run is a connected client plus what it was built from.
type run struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	client *client.Client
	line   *progress.Line
	closer func()
}

func start(ctx context.Context, env Env, cfg config.ClientConfig, label string) (*run, error) {
	if !logging.ValidLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	logger := logging.NewTo(env.Stderr, "dcxfer", cfg.LogLevel)

	table, err := dc.Load(cfg.TablePath)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(cfg.SessionDir)
	if err != nil {
		return nil, err
	}
	dialer := env.Dialer
	if dialer == nil {
		dialer = newDialer(cfg.Transport, logger)
	}

	// The line learns the total from the first progress report.
	var (
		line *progress.Line
		obs  transfer.Observer
	)
	if env.Progress && label != "" {
		line = progress.NewLine(env.Stderr, label, 0, 200*time.Millisecond)
		obs = line
	}

	c, err := client.Connect(ctx, client.Config{
		Dialer: dialer,
		Store:  store,
		Table:  table,
		MainDC: cfg.MainDC,
		Channels: channel.Options{
			SendTimeout: cfg.SendTimeout,
			IdleTimeout: cfg.IdleTimeout,
		},
		Transfer: transfer.Options{
			PartSize: cfg.PartSize,
			Retries:  cfg.Retries,
			Window:   cfg.Window,
			Observer: obs,
		},
		Logger: logger,
	})
	if err != nil {
		closeStore()
		return nil, err
	}
	return &run{
		cfg:    cfg,
		logger: logger,
		client: c,
		line:   line,
		closer: func() {
			_ = c.Close()
			closeStore()
		},
	}, nil
}

func (r *run) finishLine() {
	if r.line != nil {
		r.line.Finish()
	}
}

func (r *run) close() { r.closer() }

func openStore(dir string) (session.Store, func(), error) {
	if dir == "" {
		return session.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", session.ErrStoreUnavailable, err)
	}
	store, err := session.OpenBadger(dir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func newDialer(kind string, logger *slog.Logger) transport.Dialer {
	if kind == config.TransportWS {
		return transport.NewWebSocketDialer(logger)
	}
	return transport.NewQUICDialer(logger)
}

// Context returns a context cancelled by SIGINT or SIGTERM.
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Upload stores a file and prints its reference.
func Upload(ctx context.Context, env Env, args []string) error {
	cfg, err := config.ParseClientConfig(args)
	if err != nil {
		return err
	}
	if len(cfg.Args) != 1 {
		return fmt.Errorf("usage: dcxfer upload [flags] <file>")
	}
	f, err := os.Open(cfg.Args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	r, err := start(ctx, env, cfg, "upload")
	if err != nil {
		return err
	}
	defer r.close()

	media, err := r.client.UploadFrom(ctx, f, info.Size())
	r.finishLine()
	if err != nil {
		return err
	}
	printMedia(env.Stdout, media)
	return nil
}

// Download fetches a reference into the -o file (default: named after the
// reference), or stdout when -o is "-". Nothing is written unless the
// payload verified.
func Download(ctx context.Context, env Env, args []string) error {
	cfg, err := config.ParseClientConfig(args)
	if err != nil {
		return err
	}
	if len(cfg.Args) != 1 {
		return fmt.Errorf("usage: dcxfer download [flags] [-o file] <ref>")
	}
	ref := cfg.Args[0]
	out, err := outputPath(cfg.Out, ref)
	if err != nil {
		return err
	}

	r, err := start(ctx, env, cfg, "download")
	if err != nil {
		return err
	}
	defer r.close()

	media, err := r.client.Locate(ctx, ref)
	if err != nil {
		return err
	}
	if out == "-" {
		err = r.client.DownloadTo(ctx, media, env.Stdout)
		r.finishLine()
		return err
	}

	data, err := r.client.Download(ctx, media)
	r.finishLine()
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "wrote %s (%d bytes)\n", out, len(data))
	return nil
}

// outputPath is the -o value, or the last element of ref so a reference
// never names a path outside the working directory.
func outputPath(out, ref string) (string, error) {
	if out != "" {
		return out, nil
	}
	name := filepath.Base(filepath.FromSlash(ref))
	switch name {
	case ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("reference %q is not a file name; pass -o", ref)
	}
	return name, nil
}

// Locate prints the media record for a reference.
func Locate(ctx context.Context, env Env, args []string) error {
	cfg, err := config.ParseClientConfig(args)
	if err != nil {
		return err
	}
	if len(cfg.Args) != 1 {
		return fmt.Errorf("usage: dcxfer locate [flags] <ref>")
	}
	r, err := start(ctx, env, cfg, "")
	if err != nil {
		return err
	}
	defer r.close()

	media, err := r.client.Locate(ctx, cfg.Args[0])
	if err != nil {
		return err
	}
	printMedia(env.Stdout, media)
	return nil
}

// Scenario uploads random bytes and downloads them twice, directly and
// through the CDN, comparing digests.
func Scenario(ctx context.Context, env Env, args []string) error {
	cfg, err := config.ParseClientConfig(args)
	if err != nil {
		return err
	}
	size := client.ScenarioSize
	if len(cfg.Args) > 0 {
		size, err = strconv.Atoi(cfg.Args[0])
		if err != nil || size < 0 {
			return fmt.Errorf("invalid size %q", cfg.Args[0])
		}
	}
	r, err := start(ctx, env, cfg, "")
	if err != nil {
		return err
	}
	defer r.close()

	rep, err := r.client.Scenario(ctx, size)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Stdout, "ref=%s dc=%d size=%d sha256=%s\n", rep.Ref, rep.DCID, rep.Size, rep.SHA256)
	for _, p := range []struct {
		name  string
		phase client.Phase
	}{{"direct", rep.Direct}, {"cdn", rep.CDN}} {
		fmt.Fprintf(env.Stdout, "%-6s sha256=%s cdn_parts=%d cdn_dc=%d elapsed=%s\n",
			p.name, p.phase.SHA256, p.phase.CDNParts, p.phase.CDNDC, p.phase.Elapsed.Round(time.Millisecond))
	}
	if rep.CDN.CDNParts == 0 {
		fmt.Fprintln(env.Stdout, "note: no redirect was issued; run dcxferd with -redirect after-first")
	}
	return nil
}

// Config prints the datacenter table advertised by the main datacenter.
func Config(ctx context.Context, env Env, args []string) error {
	cfg, err := config.ParseClientConfig(args)
	if err != nil {
		return err
	}
	r, err := start(ctx, env, cfg, "")
	if err != nil {
		return err
	}
	defer r.close()

	out, err := dc.NewTable(r.client.Datacenters()...).Marshal()
	if err != nil {
		return err
	}
	_, err = env.Stdout.Write(out)
	return err
}

func printMedia(w io.Writer, m transfer.Media) {
	fmt.Fprintf(w, "ref=%s dc=%d size=%d sha256=%x\n", m.Ref, m.DCID, m.Size, m.SHA256)
}
