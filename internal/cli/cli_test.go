package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/dcxfer/internal/dc"
	"github.com/sheerbytes/dcxfer/internal/dcserver"
	"github.com/sheerbytes/dcxfer/internal/transport"
)

var testDCs = []dc.Option{
	{ID: 1, Host: "dc1", Port: 443},
	{ID: 203, Host: "cdn203", Port: 443, CDN: true},
}

func newEnv(t *testing.T) (Env, *bytes.Buffer, []string) {
	t.Helper()
	network := transport.NewMemNetwork()
	cluster := dcserver.NewCluster(dcserver.RedirectAfterFirst, testDCs...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, o := range testDCs {
		l, err := network.Listen(o.Host + ":443")
		require.NoError(t, err)
		go dcserver.New(dcserver.Config{DCID: o.ID, CDN: o.CDN, Logger: quiet}, cluster).Serve(ctx, l)
	}

	tablePath := filepath.Join(t.TempDir(), "dcs.yaml")
	data, err := dc.NewTable(testDCs[0]).Marshal()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tablePath, data, 0o600))

	stdout := &bytes.Buffer{}
	env := Env{Stdout: stdout, Stderr: io.Discard, Dialer: network}
	flags := []string{"-table", tablePath, "-session-dir", "", "-part-size", "16384", "-log-level", "error"}
	return env, stdout, flags
}

var refPattern = regexp.MustCompile(`ref=(\S+)`)

func TestUploadLocateDownload(t *testing.T) {
	env, stdout, flags := newEnv(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "in.bin")
	payload := bytes.Repeat([]byte("dcxfer "), 10000)
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	require.NoError(t, Upload(context.Background(), env, append(flags, src)))
	m := refPattern.FindStringSubmatch(stdout.String())
	require.Len(t, m, 2, "upload output: %q", stdout.String())
	ref := m[1]

	stdout.Reset()
	require.NoError(t, Locate(context.Background(), env, append(flags, ref)))
	assert.Contains(t, stdout.String(), "size=70000")

	dst := filepath.Join(dir, "out.bin")
	require.NoError(t, Download(context.Background(), env, append(flags, "-o", dst, ref)))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The repeated download is redirected; stdout gets only verified bytes.
	stdout.Reset()
	require.NoError(t, Download(context.Background(), env, append(flags, "-o", "-", ref)))
	assert.Equal(t, payload, stdout.Bytes())
}

func TestOutputPath(t *testing.T) {
	cases := []struct {
		out, ref, want string
	}{
		{"", "abc", "abc"},
		{"", "../../etc/passwd", "passwd"},
		{"", "/tmp/x/y", "y"},
		{"-", "../x", "-"},
		{"given.bin", "../x", "given.bin"},
	}
	for _, c := range cases {
		got, err := outputPath(c.out, c.ref)
		require.NoError(t, err, c.ref)
		assert.Equal(t, c.want, got, c.ref)
	}

	for _, ref := range []string{"..", "/", "a/.."} {
		_, err := outputPath("", ref)
		assert.Error(t, err, ref)
	}
}

func TestScenarioCommand(t *testing.T) {
	env, stdout, flags := newEnv(t)
	require.NoError(t, Scenario(context.Background(), env, flags))

	out := stdout.String()
	assert.Contains(t, out, "size=131072")
	assert.Contains(t, out, "cdn_parts=0 cdn_dc=0")
	assert.Contains(t, out, "cdn_parts=8 cdn_dc=203")
	assert.NotContains(t, out, "note:")
}

func TestConfigCommand(t *testing.T) {
	env, stdout, flags := newEnv(t)
	require.NoError(t, Config(context.Background(), env, flags))
	assert.Contains(t, stdout.String(), "cdn203")
}

func TestCommandErrors(t *testing.T) {
	env, _, flags := newEnv(t)

	err := Upload(context.Background(), env, flags)
	assert.ErrorContains(t, err, "usage")

	err = Download(context.Background(), env, append(flags, "no-such-ref"))
	assert.ErrorContains(t, err, "FILE_NOT_FOUND")

	err = Scenario(context.Background(), env, append(flags, "lots"))
	assert.ErrorContains(t, err, "invalid size")

	err = Locate(context.Background(), env, append(flags, "-log-level", "loud", "x"))
	assert.ErrorContains(t, err, "log level")
}
