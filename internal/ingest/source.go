package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
)

// ErrUnsupportedScheme is returned by Open for an input URL scheme no
// source handles.
var ErrUnsupportedScheme = errors.New("ingest: unsupported scheme")

// Input is an open byte source.
type Input struct {
	io.ReadCloser
	URL      string
	Protocol string
	// Size is the total length for file inputs, zero when unknown.
	Size int64
	// Live is true for network sources, whose packets are paced by the
	// sender rather than read as fast as possible.
	Live bool
}

// OpenFunc opens an input URL of a registered scheme.
type OpenFunc func(ctx context.Context, u *url.URL, log *slog.Logger) (*Input, error)

var (
	schemesMu sync.RWMutex
	schemes   = map[string]OpenFunc{}
)

// RegisterScheme makes Open handle scheme with fn. Sources living in
// their own packages register from init.
func RegisterScheme(scheme string, fn OpenFunc) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	schemes[scheme] = fn
}

func lookupScheme(scheme string) (OpenFunc, bool) {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	fn, ok := schemes[scheme]
	return fn, ok
}

// Open opens the input named by raw. A path without a scheme is a file,
// "-" is standard input, udp:// and rtp:// receive datagrams (joining the
// group when the host is multicast), and other schemes are looked up among
// the registered sources.
func Open(ctx context.Context, raw string, log *slog.Logger) (*Input, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest")

	if raw == "-" {
		return &Input{ReadCloser: io.NopCloser(os.Stdin), URL: raw, Protocol: "file"}, nil
	}
	if !strings.Contains(raw, "://") {
		return openFile(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ingest: parse %q: %w", raw, err)
	}
	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "udp":
		return openUDP(ctx, u, false, log)
	case "rtp":
		return openUDP(ctx, u, true, log)
	}
	if fn, ok := lookupScheme(u.Scheme); ok {
		return fn(ctx, u, log)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

func openFile(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	in := &Input{ReadCloser: f, URL: path, Protocol: "file"}
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		in.Size = fi.Size()
	}
	return in, nil
}
