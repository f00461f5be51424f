package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/dcserver"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transfer"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testDCs = []dc.Option{
	{ID: 1, Host: "dc1", Port: 443},
	{ID: 2, Host: "dc2", Port: 443},
	{ID: 203, Host: "cdn203", Port: 443, CDN: true},
}

// startCluster serves testDCs on a fresh in-memory network.
func startCluster(t *testing.T, policy dcserver.RedirectPolicy) *transport.MemNetwork {
	t.Helper()
	network := transport.NewMemNetwork()
	cluster := dcserver.NewCluster(policy, testDCs...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, o := range testDCs {
		l, err := network.Listen(o.Host + ":443")
		require.NoError(t, err)
		srv := dcserver.New(dcserver.Config{DCID: o.ID, CDN: o.CDN, Logger: quietLogger()}, cluster)
		go srv.Serve(ctx, l)
	}
	return network
}

func testConfig(network *transport.MemNetwork, store session.Store, table *dc.Table) Config {
	return Config{
		Dialer:   network,
		Store:    store,
		Table:    table,
		MainDC:   1,
		Channels: channel.Options{ReconnectInterval: time.Millisecond},
		Transfer: transfer.Options{PartSize: 16 * 1024, Window: 4},
		Logger:   quietLogger(),
	}
}

func TestScenario_DirectThenCDN(t *testing.T) {
	network := startCluster(t, dcserver.RedirectAfterFirst)
	// Seed only the main datacenter; the rest comes from the server.
	table := dc.NewTable(testDCs[0])

	c, err := Connect(context.Background(), testConfig(network, session.NewMemoryStore(), table))
	require.NoError(t, err)
	defer c.Close()

	assert.Len(t, c.Datacenters(), 3, "table refreshed from server config")

	rep, err := c.Scenario(context.Background(), ScenarioSize)
	require.NoError(t, err)

	assert.Equal(t, ScenarioSize, rep.Size)
	assert.Equal(t, 1, rep.DCID)
	assert.Equal(t, rep.SHA256, rep.Direct.SHA256)
	assert.Equal(t, rep.SHA256, rep.CDN.SHA256)
	assert.Zero(t, rep.Direct.CDNParts, "first download is direct")
	assert.Equal(t, ScenarioSize/(16*1024), rep.CDN.CDNParts, "second download is served by the cdn")
	assert.Equal(t, 203, rep.CDN.CDNDC)
}

func TestClient_UploadDownloadTo(t *testing.T) {
	network := startCluster(t, dcserver.RedirectNever)
	c, err := Connect(context.Background(), testConfig(network, session.NewMemoryStore(), dc.NewTable(testDCs...)))
	require.NoError(t, err)
	defer c.Close()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 3000)
	media, err := c.UploadFrom(context.Background(), bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.DownloadTo(context.Background(), media, &buf))
	assert.Equal(t, payload, buf.Bytes())

	got, err := c.Download(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 1, c.MainDC())
}

func TestConnect_ResumesPersistedSession(t *testing.T) {
	network := startCluster(t, dcserver.RedirectNever)
	dir := t.TempDir()

	store, err := session.OpenBadger(dir)
	require.NoError(t, err)
	c, err := Connect(context.Background(), testConfig(network, store, dc.NewTable(testDCs...)))
	require.NoError(t, err)
	media, err := c.Upload(context.Background(), []byte("kept across restarts"))
	require.NoError(t, err)
	first, err := store.Get()
	require.NoError(t, err)
	require.NotEmpty(t, first.AuthKey)
	require.NoError(t, c.Close())
	require.NoError(t, store.Close())

	store, err = session.OpenBadger(dir)
	require.NoError(t, err)
	defer store.Close()
	c, err = Connect(context.Background(), testConfig(network, store, dc.NewTable(testDCs...)))
	require.NoError(t, err)
	defer c.Close()

	second, err := store.Get()
	require.NoError(t, err)
	assert.Equal(t, first.AuthKey, second.AuthKey, "resumed without a new handshake key")

	got, err := c.Download(context.Background(), media)
	require.NoError(t, err)
	assert.Equal(t, "kept across restarts", string(got))
}

func TestConnect_Errors(t *testing.T) {
	network := startCluster(t, dcserver.RedirectNever)

	cfg := testConfig(network, session.NewMemoryStore(), dc.NewTable(testDCs...))
	cfg.MainDC = 9
	_, err := Connect(context.Background(), cfg)
	assert.True(t, errors.Is(err, dc.ErrUnknownDatacenter), "got %v", err)

	table := dc.NewTable(dc.Option{ID: 1, Host: "nowhere", Port: 443})
	cfg = testConfig(network, session.NewMemoryStore(), table)
	cfg.Transfer.Retries = -1
	_, err = Connect(context.Background(), cfg)
	assert.True(t, errors.Is(err, channel.ErrConnect), "got %v", err)

	_, err = Connect(context.Background(), Config{})
	assert.Error(t, err)
}
