package api

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/tsclock/internal/engine"
)

const (
	feedBuffer       = 256
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

// FeedMessage is one item pushed to /api/feed clients.
type FeedMessage struct {
	Type    string                `json:"type"`
	Session string                `json:"session"`
	Finding *engine.Finding       `json:"finding,omitempty"`
	Trend   *engine.TrendSnapshot `json:"trend,omitempty"`
}

// Hub fans findings and trend snapshots out to websocket clients. A client
// that falls behind loses messages rather than stalling analysis.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*feedClient]struct{}

	dropped atomic.Int64
}

type feedClient struct {
	session string
	ch      chan FeedMessage
}

// NewHub creates a Hub. If log is nil, slog.Default() is used.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "feed"),
		clients: make(map[*feedClient]struct{}),
	}
}

// Publish delivers m to every client subscribed to its session or to all
// sessions.
func (h *Hub) Publish(m FeedMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.session != "" && c.session != m.Session {
			continue
		}
		select {
		case c.ch <- m:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(session string) *feedClient {
	c := &feedClient{session: session, ch: make(chan FeedMessage, feedBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *feedClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// SessionFeed publishes one session's findings and trends. It implements
// engine.Observer and engine.TrendSink.
type SessionFeed struct {
	engine.NopObserver
	hub *Hub
	id  string
}

// Session returns the feed for the session with the given id.
func (h *Hub) Session(id string) *SessionFeed {
	return &SessionFeed{hub: h, id: id}
}

// OnFinding publishes a finding.
func (f *SessionFeed) OnFinding(x engine.Finding) {
	f.hub.Publish(FeedMessage{Type: "finding", Session: f.id, Finding: &x})
}

// OnTrend publishes a trend snapshot without its dataset.
func (f *SessionFeed) OnTrend(s engine.TrendSnapshot) {
	s.Points = nil
	f.hub.Publish(FeedMessage{Type: "trend", Session: f.id, Trend: &s})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API serves tooling on trusted networks; origins are not checked.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades to a websocket and streams FeedMessages as JSON. The
// optional session query parameter limits the feed to one session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := h.subscribe(r.URL.Query().Get("session"))
	defer h.unsubscribe(c)
	h.log.Debug("feed client connected", "remote", r.RemoteAddr, "session", c.session)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case m := <-c.ch:
			conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				h.log.Debug("feed write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				return
			}
		}
	}
}
