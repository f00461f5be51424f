package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/dcxfer/internal/config"
	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/dcserver"
	"github.com/sheerbytes/dcxfer/internal/logging"
	"github.com/sheerbytes/dcxfer/internal/termio"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

const serverVersion = "v0.1.0"

func main() {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage()
		return
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dcxferd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("dcxferd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = serve(ctx, cfg, logger)
	termio.Flush()
	if err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// serve runs every selected datacenter of the table in this process, all
// sharing one Cluster.
func serve(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	table, err := dc.Load(cfg.TablePath)
	if err != nil {
		return err
	}
	policy, err := dcserver.ParseRedirectPolicy(cfg.Redirect)
	if err != nil {
		return err
	}
	opts := table.Options()
	cluster := dcserver.NewCluster(policy, opts...)

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range opts {
		if len(cfg.Serve) > 0 && !slices.Contains(cfg.Serve, o.ID) {
			continue
		}
		addr := net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
		l, err := listen(cfg, addr, logger)
		if err != nil {
			return fmt.Errorf("dc %d: %w", o.ID, err)
		}
		srv := dcserver.New(dcserver.Config{
			DCID:             o.ID,
			CDN:              o.CDN,
			MigrateUploadsTo: migrateTarget(cfg, o),
			Logger:           logger,
		}, cluster)
		fmt.Fprintf(termio.Stdout(), "serving dc=%d cdn=%t addr=%s transport=%s\n", o.ID, o.CDN, l.Addr(), cfg.Transport)
		g.Go(func() error {
			<-gctx.Done()
			return l.Close()
		})
		g.Go(func() error {
			err := srv.Serve(gctx, l)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	logger.Info("datacenters up", "redirect", cfg.Redirect, "count", len(opts))
	return g.Wait()
}

// migrateTarget applies -migrate-uploads-to to every regular datacenter
// except the target itself.
func migrateTarget(cfg config.ServerConfig, o dc.Option) int {
	if cfg.MigrateUploadsTo == 0 || o.CDN || o.ID == cfg.MigrateUploadsTo {
		return 0
	}
	return cfg.MigrateUploadsTo
}

func listen(cfg config.ServerConfig, addr string, logger *slog.Logger) (transport.Listener, error) {
	if cfg.Transport == config.TransportWS {
		return transport.ListenWebSocket(addr, logger)
	}
	return transport.ListenQUIC(addr, transport.QUICTuning{UDPBuffer: cfg.UDPBuffer}, logger)
}

func printServerUsage() {
	fmt.Fprintln(os.Stderr, "usage: dcxferd [flags]")
	fmt.Fprintln(os.Stderr, "  -table PATH               datacenter table (default: dc 1, 2 and cdn 203 on 127.0.0.1:4431-4433)")
	fmt.Fprintln(os.Stderr, "  -dc ID                    serve only this datacenter (repeatable)")
	fmt.Fprintln(os.Stderr, "  -transport quic|ws        transport (default quic)")
	fmt.Fprintln(os.Stderr, "  -redirect POLICY          never, always or after-first (default after-first)")
	fmt.Fprintln(os.Stderr, "  -migrate-uploads-to ID    answer uploads with MIGRATE to this datacenter")
	fmt.Fprintln(os.Stderr, "  -udp-buffer N             UDP socket buffer in bytes (quic only)")
	fmt.Fprintln(os.Stderr, "  -log-level LEVEL          debug, info, warn, error (default info)")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
