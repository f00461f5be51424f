// Package client wires the session store, channel manager and transfer
// engine into one handle for callers that just want to move bytes.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transfer"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

// Config assembles a Client. Dialer, Store and Table are required.
type Config struct {
	Dialer   transport.Dialer
	Store    session.Store
	Table    *dc.Table
	MainDC   int // datacenter to start from when Store has no Main session
	Channels channel.Options
	Transfer transfer.Options
	Logger   *slog.Logger
}

// Client is a connected transfer handle.
type Client struct {
	store  session.Store
	table  *dc.Table
	mgr    *channel.Manager
	engine *transfer.Engine
	logger *slog.Logger
}

// Connect seeds the Main session if none is stored, opens the main channel
// and refreshes the datacenter table from the server.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Dialer == nil || cfg.Store == nil || cfg.Table == nil {
		return nil, errors.New("client: dialer, store and table are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := seedMain(cfg.Store, cfg.Table, cfg.MainDC, time.Now()); err != nil {
		return nil, err
	}
	if n := cfg.Store.CleanupExpired(time.Now()); n > 0 {
		logger.Debug("dropped expired cdn sessions", "count", n)
	}

	if cfg.Channels.Logger == nil {
		cfg.Channels.Logger = logger
	}
	if cfg.Transfer.Logger == nil {
		cfg.Transfer.Logger = logger
	}
	mgr := channel.NewManager(cfg.Dialer, cfg.Store, cfg.Table, cfg.Channels)
	engine, err := transfer.New(mgr, cfg.Transfer)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	dcs, err := engine.Config(ctx)
	if err != nil {
		mgr.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	n := cfg.Table.Update(dcs)
	main, _ := cfg.Store.Get()
	logger.Info("connected", "dc", main.DCID, "known_dcs", n)

	return &Client{
		store:  cfg.Store,
		table:  cfg.Table,
		mgr:    mgr,
		engine: engine,
		logger: logger,
	}, nil
}

func seedMain(store session.Store, table *dc.Table, mainDC int, now time.Time) error {
	_, err := store.Get()
	if err == nil {
		return nil
	}
	if !errors.Is(err, session.ErrNoSession) {
		return err
	}
	if mainDC == 0 {
		mainDC = 1
	}
	host, port, err := table.Resolve(mainDC)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return store.Put(session.Session{
		DCID:      mainDC,
		Host:      host,
		Port:      port,
		Kind:      session.KindMain,
		CreatedAt: now,
	})
}

// MainDC returns the datacenter currently holding the Main session.
func (c *Client) MainDC() int {
	s, err := c.store.Get()
	if err != nil {
		return 0
	}
	return s.DCID
}

// Datacenters returns the known datacenter table.
func (c *Client) Datacenters() []dc.Option { return c.table.Options() }

// Upload stores data and returns its Media.
func (c *Client) Upload(ctx context.Context, data []byte) (transfer.Media, error) {
	return c.engine.Upload(ctx, bytes.NewReader(data), int64(len(data)))
}

// UploadFrom stores exactly size bytes read from r.
func (c *Client) UploadFrom(ctx context.Context, r io.Reader, size int64) (transfer.Media, error) {
	return c.engine.Upload(ctx, r, size)
}

// Locate resolves a reference to its Media.
func (c *Client) Locate(ctx context.Context, ref string) (transfer.Media, error) {
	return c.engine.Locate(ctx, ref)
}

// Download returns the verified payload of m.
func (c *Client) Download(ctx context.Context, m transfer.Media) ([]byte, error) {
	return c.engine.DownloadBytes(ctx, m)
}

// DownloadTo writes the verified payload of m to w.
func (c *Client) DownloadTo(ctx context.Context, m transfer.Media, w io.Writer) error {
	return c.engine.Download(ctx, m, w)
}

// Close shuts every channel down. Stored sessions survive for the next
// Connect.
func (c *Client) Close() error {
	return c.mgr.Close()
}
