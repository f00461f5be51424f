package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Transports understood by both binaries.
const (
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// ServerConfig holds configuration for the reference datacenter binary.
type ServerConfig struct {
	TablePath        string // YAML datacenter table; empty selects the local default
	Transport        string
	Redirect         string // never, always, after-first
	MigrateUploadsTo int    // non-zero makes the main DC answer uploads with MIGRATE
	Serve            []int  // datacenter ids to serve (default: all in the table)
	UDPBuffer        int    // requested UDP socket buffer in bytes, 0 keeps the OS default
	LogLevel         string
}

// ClientConfig holds configuration for the client binary.
type ClientConfig struct {
	TablePath   string
	MainDC      int
	SessionDir  string // badger directory for persisted sessions; empty keeps them in memory
	Transport   string
	PartSize    int
	Retries     int
	Window      int
	SendTimeout time.Duration
	IdleTimeout time.Duration
	LogLevel    string
	Out         string   // download destination, "-" for stdout
	Args        []string // positional arguments left after flags
}

// ParseServerConfig parses server configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: transport="quic", redirect="after-first", logLevel="info"
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Transport: TransportQUIC,
		Redirect:  "after-first",
		LogLevel:  "info",
	}

	// Read from environment first
	cfg.TablePath = envString("DCXFER_TABLE", cfg.TablePath)
	cfg.Transport = envString("DCXFER_TRANSPORT", cfg.Transport)
	cfg.Redirect = envString("DCXFER_REDIRECT", cfg.Redirect)
	cfg.LogLevel = envString("DCXFER_LOG_LEVEL", cfg.LogLevel)
	var err error
	if cfg.MigrateUploadsTo, err = envInt("DCXFER_MIGRATE_UPLOADS_TO", 0); err != nil {
		return cfg, err
	}
	if cfg.UDPBuffer, err = envInt("DCXFER_UDP_BUFFER", 0); err != nil {
		return cfg, err
	}

	// Flags override environment
	fs.StringVar(&cfg.TablePath, "table", cfg.TablePath, "datacenter table (YAML)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (quic, ws)")
	fs.StringVar(&cfg.Redirect, "redirect", cfg.Redirect, "CDN redirect policy (never, always, after-first)")
	fs.IntVar(&cfg.MigrateUploadsTo, "migrate-uploads-to", cfg.MigrateUploadsTo, "answer uploads on the main DC with MIGRATE to this DC")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "UDP socket buffer in bytes (quic only)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	// Handle repeatable --dc flag
	fs.Var((*idList)(&cfg.Serve), "dc", "datacenter id to serve (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, validateTransport(cfg.Transport)
}

// ParseClientConfig parses client configuration from flags and environment variables.
// Flags take precedence over environment variables.
// Defaults: mainDC=1, transport="quic", partSize=64 KiB, retries=5, window=4
func ParseClientConfig(args []string) (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.NewFlagSet("dcxfer", flag.ContinueOnError), args)
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		MainDC:      1,
		SessionDir:  defaultSessionDir(),
		Transport:   TransportQUIC,
		PartSize:    64 * 1024,
		Retries:     5,
		Window:      4,
		SendTimeout: 10 * time.Second,
		IdleTimeout: 30 * time.Second,
		LogLevel:    "info",
	}

	// Read from environment first
	cfg.TablePath = envString("DCXFER_TABLE", cfg.TablePath)
	cfg.SessionDir = envString("DCXFER_SESSION_DIR", cfg.SessionDir)
	cfg.Transport = envString("DCXFER_TRANSPORT", cfg.Transport)
	cfg.LogLevel = envString("DCXFER_LOG_LEVEL", cfg.LogLevel)
	var err error
	if cfg.MainDC, err = envInt("DCXFER_MAIN_DC", cfg.MainDC); err != nil {
		return cfg, err
	}
	if cfg.PartSize, err = envInt("DCXFER_PART_SIZE", cfg.PartSize); err != nil {
		return cfg, err
	}
	if cfg.Retries, err = envInt("DCXFER_RETRIES", cfg.Retries); err != nil {
		return cfg, err
	}
	if cfg.Window, err = envInt("DCXFER_WINDOW", cfg.Window); err != nil {
		return cfg, err
	}
	if cfg.SendTimeout, err = envDuration("DCXFER_SEND_TIMEOUT", cfg.SendTimeout); err != nil {
		return cfg, err
	}

	// Flags override environment
	fs.StringVar(&cfg.TablePath, "table", cfg.TablePath, "datacenter table (YAML)")
	fs.IntVar(&cfg.MainDC, "dc", cfg.MainDC, "datacenter to start from when no session is stored")
	fs.StringVar(&cfg.SessionDir, "session-dir", cfg.SessionDir, "directory for persisted sessions (empty: in memory)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (quic, ws)")
	fs.IntVar(&cfg.PartSize, "part-size", cfg.PartSize, "part size in bytes (multiple of 1024, up to 512 KiB)")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "retry budget per request (negative disables retries)")
	fs.IntVar(&cfg.Window, "window", cfg.Window, "part requests in flight (1..32)")
	fs.DurationVar(&cfg.SendTimeout, "timeout", cfg.SendTimeout, "per-request timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "how long an unused channel stays open")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Out, "o", cfg.Out, "download destination (default: the reference, - for stdout)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Args = fs.Args()
	return cfg, validateTransport(cfg.Transport)
}

func defaultSessionDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dcxfer", "sessions")
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func validateTransport(t string) error {
	switch t {
	case TransportQUIC, TransportWS:
		return nil
	}
	return fmt.Errorf("unknown transport %q (want quic or ws)", t)
}

// idList implements flag.Value for repeatable datacenter id flags.
type idList []int

func (l *idList) String() string {
	parts := make([]string, len(*l))
	for i, id := range *l {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func (l *idList) Set(value string) error {
	for _, field := range strings.Split(value, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return fmt.Errorf("datacenter id %q: %w", field, err)
		}
		*l = append(*l, id)
	}
	return nil
}

func (l *idList) Get() interface{} {
	return []int(*l)
}

var _ flag.Value = (*idList)(nil)
var _ flag.Getter = (*idList)(nil)
