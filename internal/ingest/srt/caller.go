package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsclock/internal/ingest"
)

// dialTimeout bounds how long Dial waits for the handshake.
const dialTimeout = 10 * time.Second

func init() {
	ingest.RegisterScheme("srt", open)
}

// IsListener reports whether an srt:// URL asks for listener mode
// (mode=listener, or no host to dial).
func IsListener(u *url.URL) bool {
	if u.Query().Get("mode") == "listener" {
		return true
	}
	return u.Hostname() == ""
}

// Dial connects to a remote SRT listener, giving up after dialTimeout or
// when ctx ends.
func Dial(ctx context.Context, address, streamID string) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	// A dial abandoned on timeout or cancellation still completes in the
	// background; close whatever it returns.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", address, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt: dial %s timed out after %s", address, dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

// open dials srt://host:port?streamid=... as a single input.
func open(ctx context.Context, u *url.URL, log *slog.Logger) (*ingest.Input, error) {
	if IsListener(u) {
		return nil, fmt.Errorf("srt: %s is listener mode; serve it with a Server", u.Redacted())
	}
	log = log.With("component", "srt-caller")
	log.Info("dialing", "address", u.Host)

	conn, err := Dial(ctx, u.Host, u.Query().Get("streamid"))
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	log.Info("connected", "address", u.Host)

	return &ingest.Input{
		ReadCloser: conn,
		URL:        u.String(),
		Protocol:   "srt",
		Live:       true,
	}, nil
}

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote SRT sources
// and streaming their data into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that uses the given registry to register
// pulled streams. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously, returning an error if
// the connection fails. On success, streaming continues in a background
// goroutine until ctx ends, Stop is called or the remote closes.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("srt: address is required")
	}
	if req.StreamKey == "" {
		return errors.New("srt: streamKey is required")
	}
	if c.active(req.StreamKey) {
		return fmt.Errorf("srt: pull already active for stream key %q", req.StreamKey)
	}

	streamID := req.StreamID
	if streamID == "" {
		streamID = "live/" + req.StreamKey
	}
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)
	conn, err := Dial(ctx, req.Address, streamID)
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return fmt.Errorf("srt: pull already active for stream key %q", req.StreamKey)
	}
	stream, err := c.registry.Register(req.StreamKey, "srt", req.Address)
	if err != nil {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return err
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	context.AfterFunc(pullCtx, func() { conn.Close() })
	go func() {
		log := c.log.With("stream_key", req.StreamKey)
		pump(pullCtx, conn, stream, log)
		cancel()
		c.registry.Unregister(stream)
		c.mu.Lock()
		delete(c.pulls, req.StreamKey)
		c.mu.Unlock()
		st := stream.Stats()
		log.Info("pull ended",
			"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
	}()

	return nil
}

func (c *Caller) active(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pulls[key]
	return ok
}

// Stop ends an active pull.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("srt: no active pull for stream key %q", streamKey)
	}

	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls by stream key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
