// Package api serves the status API: active sessions, their per-PID
// statistics, trends and findings, and a websocket feed of findings and
// trend snapshots as they happen. It listens for HTTPS over TCP and
// HTTP/3 over QUIC on the same port.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsclock/internal/certs"
	"github.com/zsiec/tsclock/internal/engine"
	"github.com/zsiec/tsclock/internal/ingest"
	"github.com/zsiec/tsclock/internal/ingest/srt"
	"github.com/zsiec/tsclock/internal/mpegts"
	"github.com/zsiec/tsclock/internal/pipeline"
	"github.com/zsiec/tsclock/internal/session"
)

const shutdownTimeout = 5 * time.Second

// Sessions is the subset of session.Manager the API reads.
type Sessions interface {
	List() []*session.Session
	Get(id string) (*session.Session, bool)
	Pipeline(*session.Session) *pipeline.Pipeline
}

// IngestLookup resolves a stream key to its ingest connection stats, or
// nil if the stream did not arrive through a listener.
type IngestLookup func(key string) *ingest.IngestStats

// SRTPuller starts and stops SRT caller-mode pulls.
type SRTPuller interface {
	Pull(ctx context.Context, req srt.PullRequest) error
	Stop(streamKey string) error
	ActivePulls() []srt.PullRequest
}

// ServerConfig holds the configuration for the API Server.
type ServerConfig struct {
	Addr         string
	Cert         *certs.CertInfo
	Sessions     Sessions
	Feed         *Hub
	IngestLookup IngestLookup
	// SRT, when set, enables /api/srt-pull.
	SRT SRTPuller
	Log *slog.Logger
}

// SessionInfo is the JSON summary of a session returned by /api/sessions.
type SessionInfo struct {
	ID         string              `json:"id"`
	Key        string              `json:"key"`
	Protocol   string              `json:"protocol"`
	StartedAt  time.Time           `json:"startedAt"`
	UptimeMs   int64               `json:"uptimeMs"`
	SCRPID     uint16              `json:"scrPid"`
	PCRPIDs    map[uint16]uint16   `json:"pcrPids,omitempty"`
	Packets    int64               `json:"packets"`
	Findings   int64               `json:"findings"`
	StreamTime time.Time           `json:"streamTime"`
	Reader     mpegts.ReaderStats  `json:"reader"`
	Ingest     *ingest.IngestStats `json:"ingest,omitempty"`
}

type statusResponse struct {
	Sessions    int   `json:"sessions"`
	FeedClients int   `json:"feedClients"`
	FeedDropped int64 `json:"feedDropped"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

// Server is the HTTPS and HTTP/3 status API server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
	// pullCtx scopes SRT pulls started through the API to Start.
	pullCtx context.Context
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Sessions == nil {
		return nil, errors.New("api: Sessions is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	if config.Feed == nil {
		config.Feed = NewHub(log)
	}
	return &Server{
		config:  config,
		log:     log.With("component", "api"),
		pullCtx: context.Background(),
	}, nil
}

// Feed returns the hub publishing to /api/feed.
func (s *Server) Feed() *Hub { return s.config.Feed }

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/pids", s.handlePIDs)
	mux.HandleFunc("GET /api/sessions/{id}/trends", s.handleTrends)
	mux.HandleFunc("GET /api/sessions/{id}/findings", s.handleFindings)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.Handle("GET /api/feed", s.config.Feed)
	mux.HandleFunc("GET /api/srt-pull", s.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", s.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handleSRTPullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handleSRTPullOptions)
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 endpoint on TCP responses.
func altSvcMiddleware(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves HTTPS and HTTP/3 on Addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	s.pullCtx = ctx

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   handler,
		TLSConfig: s.config.Cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	https := &http.Server{
		Addr:              s.config.Addr,
		Handler:           altSvcMiddleware(s.h3, handler),
		TLSConfig:         s.config.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTP/3 API listening", "addr", s.config.Addr)
		err := s.h3.ListenAndServe()
		if gctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("api: http3: %w", err)
	})
	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		if err := https.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: https: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.h3.Close()
		return https.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) info(sess *session.Session) SessionInfo {
	info := SessionInfo{
		ID:        sess.ID,
		Key:       sess.Key,
		Protocol:  sess.Protocol,
		StartedAt: sess.StartedAt,
		UptimeMs:  time.Since(sess.StartedAt).Milliseconds(),
	}
	if p := s.config.Sessions.Pipeline(sess); p != nil {
		st := p.Stats()
		info.SCRPID = st.SCRPID
		info.PCRPIDs = st.PCRPIDs
		info.Findings = st.Findings
		info.Reader = st.Reader
		info.Packets = p.Engine().TotalPackets()
		info.StreamTime = p.Engine().StreamTime()
	}
	if s.config.IngestLookup != nil {
		info.Ingest = s.config.IngestLookup(sess.Key)
	}
	return info
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Sessions:    len(s.config.Sessions.List()),
		FeedClients: s.config.Feed.Clients(),
		FeedDropped: s.config.Feed.Dropped(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.config.Sessions.List()
	resp := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		resp = append(resp, s.info(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup resolves the {id} path value to a running pipeline, writing a
// 404 when there is none.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *pipeline.Pipeline {
	sess, ok := s.config.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	p := s.config.Sessions.Pipeline(sess)
	if p == nil {
		writeError(w, http.StatusNotFound, "session not started")
		return nil
	}
	return p
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	if p := s.lookup(w, r); p != nil {
		writeJSON(w, http.StatusOK, nonNil(p.Engine().PIDs()))
	}
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	if p := s.lookup(w, r); p != nil {
		writeJSON(w, http.StatusOK, nonNil(p.Engine().Trends()))
	}
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	p := s.lookup(w, r)
	if p == nil {
		return
	}
	findings := p.Findings()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := findings[:0]
		for _, f := range findings {
			if f.Kind.String() == kind {
				filtered = append(filtered, f)
			}
		}
		findings = filtered
	}
	writeJSON(w, http.StatusOK, nonNil(findings))
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

func (s *Server) handleSRTPullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: The SRT pull endpoint accepts arbitrary addresses, which could be
// used for SSRF if exposed to untrusted clients. Restrict the API to
// operators or internal networks.
func (s *Server) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRT == nil {
		writeJSON(w, http.StatusOK, []srt.PullRequest{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRT.ActivePulls())
}

func (s *Server) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRT == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.config.SRT.Pull(s.pullCtx, req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRT == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRT.Stop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}

var _ engine.TrendSink = (*SessionFeed)(nil)
