package transfer

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	DefaultPartSize = 64 * 1024
	MinPartSize     = 1024
	MaxPartSize     = 512 * 1024
	DefaultRetries  = 5
	DefaultWindow   = 4
	maxWindow       = 32

	// MaxFileSize bounds a payload. Downloads are spooled in memory.
	MaxFileSize int64 = 2 << 30
)

// ErrInvalidOptions is returned by New for tunables outside their range.
var ErrInvalidOptions = errors.New("invalid transfer options")

// Options are the engine tunables. Zero values select defaults.
type Options struct {
	// PartSize must be a positive multiple of 1 KiB, at most 512 KiB.
	PartSize int
	// Retries is the per-part retry budget for transient failures. A
	// negative value disables retries.
	Retries int
	// Window is how many part requests a download keeps in flight.
	Window   int
	Observer Observer
	Logger   *slog.Logger
}

// NormalizeOptions applies defaults and validates the result.
func NormalizeOptions(o Options) (Options, error) {
	out := o
	if out.PartSize == 0 {
		out.PartSize = DefaultPartSize
	}
	if out.PartSize < MinPartSize || out.PartSize > MaxPartSize || out.PartSize%MinPartSize != 0 {
		return Options{}, fmt.Errorf("%w: part size %d must be a multiple of %d in [%d, %d]",
			ErrInvalidOptions, out.PartSize, MinPartSize, MinPartSize, MaxPartSize)
	}
	if out.Retries == 0 {
		out.Retries = DefaultRetries
	}
	if out.Retries < 0 {
		out.Retries = 0
	}
	if out.Window == 0 {
		out.Window = DefaultWindow
	}
	if out.Window < 1 {
		out.Window = 1
	}
	if out.Window > maxWindow {
		out.Window = maxWindow
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out, nil
}
