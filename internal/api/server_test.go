package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/tsclock/internal/certs"
	"github.com/zsiec/tsclock/internal/engine"
	"github.com/zsiec/tsclock/internal/ingest"
	"github.com/zsiec/tsclock/internal/ingest/srt"
	"github.com/zsiec/tsclock/internal/pipeline"
	"github.com/zsiec/tsclock/internal/session"
	"github.com/zsiec/tsclock/internal/trend"
	"github.com/zsiec/tsclock/internal/tsgen"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSessions struct {
	sessions []*session.Session
}

func (f *fakeSessions) List() []*session.Session { return f.sessions }

func (f *fakeSessions) Get(id string) (*session.Session, bool) {
	for _, s := range f.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

func (f *fakeSessions) Pipeline(s *session.Session) *pipeline.Pipeline { return s.Pipeline }

// analysed returns a finished pipeline over a stream with one PTS 2s late
// mid-stream.
func analysed(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	data := tsgen.New(tsgen.Config{Frames: 20, PTSOffset: 9000, PTSAt: func(i int, pts int64) int64 {
		if i == 10 {
			return pts - 2*90_000
		}
		return pts
	}}).Bytes()
	cfg := pipeline.Config{Engine: engine.DefaultConfig()}
	cfg.Engine.Pacing = engine.PacingStream
	p := pipeline.New("cam1", bytes.NewReader(data), cfg, pipeline.OptLogger(quiet))
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return p
}

type fakePuller struct {
	pulls []srt.PullRequest
}

func (f *fakePuller) Pull(_ context.Context, req srt.PullRequest) error {
	f.pulls = append(f.pulls, req)
	return nil
}

func (f *fakePuller) Stop(key string) error {
	for i, p := range f.pulls {
		if p.StreamKey == key {
			f.pulls = append(f.pulls[:i], f.pulls[i+1:]...)
			return nil
		}
	}
	return io.EOF
}

func (f *fakePuller) ActivePulls() []srt.PullRequest { return f.pulls }

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	cfg := ServerConfig{
		Addr: ":0",
		Cert: cert,
		Sessions: &fakeSessions{sessions: []*session.Session{
			{ID: "s1", Key: "cam1", Protocol: "file", StartedAt: time.Now(), Pipeline: analysed(t)},
			{ID: "s2", Key: "cam2", Protocol: "srt", StartedAt: time.Now()},
		}},
		IngestLookup: func(key string) *ingest.IngestStats {
			if key == "cam2" {
				return &ingest.IngestStats{Protocol: "srt", BytesReceived: 1316}
			}
			return nil
		},
		Log: quiet,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHandleListSessions(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	rec := get(t, h, "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var list []SessionInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d sessions, want 2", len(list))
	}
	if list[0].SCRPID != 0x31 || list[0].Packets == 0 || list[0].Findings == 0 {
		t.Errorf("session 1 = %+v", list[0])
	}
	if list[0].Ingest != nil {
		t.Error("file session should have no ingest stats")
	}
	if list[1].Ingest == nil || list[1].Ingest.BytesReceived != 1316 {
		t.Errorf("session 2 ingest = %+v", list[1].Ingest)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	hub := srv.Feed()
	// Nobody drains this client, so everything published to it is dropped.
	hub.mu.Lock()
	hub.clients[&feedClient{ch: make(chan FeedMessage)}] = struct{}{}
	hub.mu.Unlock()
	hub.Session("s1").OnFinding(engine.Finding{Kind: engine.PTSBehindPCR})
	hub.Session("s2").OnFinding(engine.Finding{Kind: engine.PTSBehindPCR})

	rec := get(t, srv.Handler(), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := statusResponse{Sessions: 2, FeedClients: 1, FeedDropped: 2}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestHandleSessionDetail(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	rec := get(t, h, "/api/sessions/s1/pids")
	if rec.Code != http.StatusOK {
		t.Fatalf("pids status = %d", rec.Code)
	}
	var pids []engine.PIDStats
	if err := json.NewDecoder(rec.Body).Decode(&pids); err != nil {
		t.Fatalf("decode pids: %v", err)
	}
	if len(pids) == 0 {
		t.Error("no PID stats")
	}

	rec = get(t, h, "/api/sessions/s1/findings")
	if !strings.Contains(rec.Body.String(), `"excess-clock-delta"`) {
		t.Errorf("findings = %s", rec.Body.String())
	}
	rec = get(t, h, "/api/sessions/s1/findings?kind=excess-clock-delta")
	var findings []engine.Finding
	if err := json.NewDecoder(rec.Body).Decode(&findings); err != nil {
		t.Fatalf("decode findings: %v", err)
	}
	if len(findings) != 1 || findings[0].PID != 0x100 {
		t.Errorf("filtered findings = %+v, want one on 0x100", findings)
	}
	rec = get(t, h, "/api/sessions/s1/findings?kind=continuity-gap")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("continuity findings = %s, want []", got)
	}

	rec = get(t, h, "/api/sessions/s1/trends")
	if rec.Code != http.StatusOK {
		t.Errorf("trends status = %d", rec.Code)
	}
}

func TestHandleSessionNotFound(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	for _, path := range []string{"/api/sessions/nope/pids", "/api/sessions/s2/trends"} {
		rec := get(t, h, path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want %d", path, rec.Code, http.StatusNotFound)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s content-type = %q", path, ct)
		}
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	var resp certHashResponse
	if err := json.NewDecoder(get(t, srv.Handler(), "/api/cert-hash").Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintBase64() || resp.Addr != ":0" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleSRTPull(t *testing.T) {
	t.Parallel()
	puller := &fakePuller{}
	h := newTestServer(t, func(c *ServerConfig) { c.SRT = puller }).Handler()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/api/srt-pull", `{"address":"host:6000"}`, http.StatusBadRequest},
		{"POST", "/api/srt-pull", `not json`, http.StatusBadRequest},
		{"POST", "/api/srt-pull", `{"address":"host:6000","streamKey":"cam9"}`, http.StatusCreated},
		{"GET", "/api/srt-pull", "", http.StatusOK},
		{"DELETE", "/api/srt-pull", "", http.StatusBadRequest},
		{"DELETE", "/api/srt-pull?streamKey=missing", "", http.StatusNotFound},
		{"DELETE", "/api/srt-pull?streamKey=cam9", "", http.StatusOK},
		{"OPTIONS", "/api/srt-pull", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
	if len(puller.pulls) != 0 {
		t.Errorf("pulls = %+v, want none", puller.pulls)
	}
}

func TestHandleSRTPullNotConfigured(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, nil).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/srt-pull", strings.NewReader(`{"address":"a","streamKey":"b"}`)))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
	if got := strings.TrimSpace(get(t, h, "/api/srt-pull").Body.String()); got != "[]" {
		t.Errorf("list = %s, want []", got)
	}
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()
	rec := get(t, newTestServer(t, nil).Handler(), "/api/sessions")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no cert", ServerConfig{Addr: ":0", Sessions: &fakeSessions{}}},
		{"no addr", ServerConfig{Cert: cert, Sessions: &fakeSessions{}}},
		{"no sessions", ServerConfig{Addr: ":0", Cert: cert}},
	}
	for _, tt := range tests {
		if _, err := NewServer(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestFeedWebsocket(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/feed?session=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hub := srv.Feed()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Session("s2").OnFinding(engine.Finding{Kind: engine.PTSBehindPCR, PID: 0x200})
	hub.Session("s1").OnFinding(engine.Finding{Kind: engine.ExcessClockDelta, PID: 0x100})
	hub.Session("s1").OnTrend(engine.TrendSnapshot{PID: 0x100, Points: make([]trend.Point, 5)})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m FeedMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != "finding" || m.Session != "s1" || m.Finding == nil || m.Finding.PID != 0x100 {
		t.Errorf("first message = %+v", m)
	}
	m = FeedMessage{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Type != "trend" || m.Trend == nil || len(m.Trend.Points) != 0 {
		t.Errorf("second message = %+v", m)
	}
}
