package dcserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/dcxfer/internal/cdn"
	"github.com/sheerbytes/dcxfer/internal/channel"
	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/session"
	"github.com/sheerbytes/dcxfer/internal/transport"
	"github.com/sheerbytes/dcxfer/pkg/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testCluster struct {
	network *transport.MemNetwork
	cluster *Cluster
	servers map[int]*Server
}

func startCluster(t *testing.T, policy RedirectPolicy, cfgs ...Config) *testCluster {
	t.Helper()
	opts := make([]dc.Option, 0, len(cfgs))
	for _, cfg := range cfgs {
		opts = append(opts, dc.Option{ID: cfg.DCID, Host: hostOf(cfg.DCID), Port: 443, CDN: cfg.CDN})
	}
	tc := &testCluster{
		network: transport.NewMemNetwork(),
		cluster: NewCluster(policy, opts...),
		servers: make(map[int]*Server),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, cfg := range cfgs {
		cfg.Logger = quietLogger()
		l, err := tc.network.Listen(hostOf(cfg.DCID) + ":443")
		require.NoError(t, err)
		t.Cleanup(func() { l.Close() })
		srv := New(cfg, tc.cluster)
		tc.servers[cfg.DCID] = srv
		go srv.Serve(ctx, l)
	}
	return tc
}

func hostOf(dcID int) string {
	return "dc" + string(rune('0'+dcID%10))
}

func (tc *testCluster) open(t *testing.T, dcID int, kind session.Kind) *channel.Channel {
	t.Helper()
	sess := session.Session{DCID: dcID, Host: hostOf(dcID), Port: 443, Kind: kind}
	ch, err := channel.Open(context.Background(), tc.network, sess, 2*time.Second, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func upload(t *testing.T, ch *channel.Channel, data []byte, partSize int) *protocol.Media {
	t.Helper()
	ctx := context.Background()
	parts := 0
	for off := 0; off < len(data); off += partSize {
		end := min(off+partSize, len(data))
		_, err := ch.Send(ctx, &protocol.SavePart{FileID: "f1", Part: parts, Bytes: data[off:end]})
		require.NoError(t, err)
		parts++
	}
	sum := sha256.Sum256(data)
	resp, err := ch.Send(ctx, &protocol.Finalize{FileID: "f1", Parts: parts, Size: int64(len(data)), SHA256: sum[:]})
	require.NoError(t, err)
	media, ok := resp.(*protocol.Media)
	require.True(t, ok, "got %s", resp.Type())
	return media
}

func rpcCode(err error) string {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return ""
}

func TestServer_UploadLocateDownload(t *testing.T) {
	tc := startCluster(t, RedirectNever, Config{DCID: 1})
	ch := tc.open(t, 1, session.KindMain)

	data := bytes.Repeat([]byte("0123456789"), 500)
	media := upload(t, ch, data, 1024)
	assert.Equal(t, int64(len(data)), media.Size)
	assert.Equal(t, 1, media.DCID)

	resp, err := ch.Send(context.Background(), &protocol.Locate{Ref: media.Ref})
	require.NoError(t, err)
	assert.Equal(t, media.SHA256, resp.(*protocol.Media).SHA256)

	resp, err = ch.Send(context.Background(), &protocol.GetFile{Ref: media.Ref, Offset: 4096, Limit: 1024})
	require.NoError(t, err)
	part := resp.(*protocol.FilePart)
	assert.Equal(t, data[4096:], part.Bytes)
	assert.True(t, part.Last)
}

func TestServer_FinalizeRejectsBadUploads(t *testing.T) {
	tc := startCluster(t, RedirectNever, Config{DCID: 1})
	ch := tc.open(t, 1, session.KindMain)
	ctx := context.Background()

	_, err := ch.Send(ctx, &protocol.SavePart{FileID: "gap", Part: 1, Bytes: []byte("x")})
	require.NoError(t, err)
	_, err = ch.Send(ctx, &protocol.Finalize{FileID: "gap", Parts: 2, Size: 2})
	assert.Equal(t, protocol.CodePartMissing, rpcCode(err))

	_, err = ch.Send(ctx, &protocol.SavePart{FileID: "sum", Part: 0, Bytes: []byte("abc")})
	require.NoError(t, err)
	wrong := sha256.Sum256([]byte("abd"))
	_, err = ch.Send(ctx, &protocol.Finalize{FileID: "sum", Parts: 1, Size: 3, SHA256: wrong[:]})
	assert.Equal(t, protocol.CodeChecksumInvalid, rpcCode(err))
}

func TestServer_RedirectAfterFirstDownload(t *testing.T) {
	tc := startCluster(t, RedirectAfterFirst, Config{DCID: 1}, Config{DCID: 5, CDN: true})
	main := tc.open(t, 1, session.KindMain)
	data := bytes.Repeat([]byte{7, 1, 3}, 4000)
	media := upload(t, main, data, 4096)
	ctx := context.Background()

	resp, err := main.Send(ctx, &protocol.GetFile{Ref: media.Ref, Limit: 4096})
	require.NoError(t, err)
	require.IsType(t, &protocol.FilePart{}, resp)

	resp, err = main.Send(ctx, &protocol.GetFile{Ref: media.Ref, Limit: 4096})
	require.NoError(t, err)
	redirect, ok := resp.(*protocol.Redirect)
	require.True(t, ok, "second download should redirect, got %s", resp.Type())
	assert.Equal(t, 5, redirect.DCID)
	assert.Equal(t, media.SHA256, redirect.FileHash)
	assert.Len(t, redirect.PartHashes, 3)

	cdnCh := tc.open(t, 5, session.KindCDN)
	resp, err = cdnCh.Send(ctx, &protocol.GetCdnFile{FileToken: redirect.FileToken, Offset: 4096, Limit: 4096})
	require.NoError(t, err)
	enc := resp.(*protocol.CdnPart).Bytes

	ciph, err := cdn.NewCipher(redirect.Key, redirect.IV)
	require.NoError(t, err)
	require.NoError(t, ciph.XORKeyStream(enc, enc, 4096))
	assert.Equal(t, data[4096:8192], enc)

	_, err = cdnCh.Send(ctx, &protocol.GetCdnFile{FileToken: redirect.FileToken, Offset: 4096, Limit: 4096})
	assert.Equal(t, protocol.CodeTokenExhausted, rpcCode(err), "token is single use per offset")
}

func TestServer_CDNOnlyServesCdnRequests(t *testing.T) {
	tc := startCluster(t, RedirectAlways, Config{DCID: 1}, Config{DCID: 5, CDN: true})
	cdnCh := tc.open(t, 5, session.KindCDN)

	_, err := cdnCh.Send(context.Background(), &protocol.GetFile{Ref: "x", Limit: 1024})
	assert.Equal(t, protocol.CodeBadRequest, rpcCode(err))

	_, err = cdnCh.Send(context.Background(), &protocol.GetCdnFile{FileToken: []byte("nope"), Limit: 1024})
	assert.Equal(t, protocol.CodeBadRequest, rpcCode(err))
}

func TestServer_LocateMigratesToHome(t *testing.T) {
	tc := startCluster(t, RedirectNever, Config{DCID: 1}, Config{DCID: 2})
	media := upload(t, tc.open(t, 1, session.KindMain), []byte("stored on one"), 1024)

	other := tc.open(t, 2, session.KindMain)
	_, err := other.Send(context.Background(), &protocol.Locate{Ref: media.Ref})
	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, protocol.CodeMigrate, rpcErr.Code)
	assert.Equal(t, 1, rpcErr.DCID)
}

func TestServer_ForgetKeysRejectsResume(t *testing.T) {
	tc := startCluster(t, RedirectNever, Config{DCID: 1})
	ch := tc.open(t, 1, session.KindMain)
	stored := ch.Session()
	tc.servers[1].ForgetKeys()

	again, err := channel.Open(context.Background(), tc.network, stored, time.Second, quietLogger())
	require.NoError(t, err)
	defer again.Close()
	assert.NotEqual(t, stored.AuthKey, again.Session().AuthKey)
}

func TestServer_GetConfig(t *testing.T) {
	tc := startCluster(t, RedirectNever, Config{DCID: 1}, Config{DCID: 5, CDN: true})
	resp, err := tc.open(t, 1, session.KindMain).Send(context.Background(), &protocol.GetConfig{})
	require.NoError(t, err)
	cfg := resp.(*protocol.Config)
	require.Len(t, cfg.DCs, 2)
	assert.True(t, cfg.DCs[1].CDN)
}

func TestParseRedirectPolicy(t *testing.T) {
	for in, want := range map[string]RedirectPolicy{"": RedirectNever, "always": RedirectAlways, "after-first": RedirectAfterFirst} {
		got, err := ParseRedirectPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRedirectPolicy("sometimes")
	assert.Error(t, err)
}
