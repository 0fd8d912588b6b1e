package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsclock/internal/ingest"
)

const (
	// readSize holds ten SRT payloads of seven transport packets each.
	readSize = 10 * 7 * 188
	// latency is the SRT receiver latency, for publishers and pulls.
	latency = 120_000_000 // ns
)

// Server accepts SRT publishers and registers each one as a session.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server for addr. If log is nil, slog.Default() is
// used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	// Refuse a second publisher during the handshake. The registry makes
	// the final decision after accept.
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if s.registry.InUse(streamKey(req.StreamID)) {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	key := streamKey(conn.StreamID())
	log := s.log.With("stream_key", key, "remote", conn.RemoteAddr())
	stream, err := s.registry.Register(key, "srt", conn.RemoteAddr().String())
	if err != nil {
		log.Warn("publisher refused", "error", err)
		return
	}
	log.Info("publisher connected")

	pump(ctx, conn, stream, log)
	s.registry.Unregister(stream)

	st := stream.Stats()
	log.Info("publisher gone",
		"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
}

// pump copies src into dst until either fails or ctx ends.
func pump(ctx context.Context, src io.Reader, dst io.Writer, log *slog.Logger) {
	buf := make([]byte, readSize)
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				log.Debug("session stopped reading", "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read failed", "error", err)
			}
			return
		}
	}
}

// streamKey derives the session key from an SRT stream ID by dropping a
// leading "/" and "live/".
func streamKey(streamID string) string {
	key := strings.TrimPrefix(strings.TrimPrefix(streamID, "/"), "live/")
	if key == "" {
		return "default"
	}
	return key
}
