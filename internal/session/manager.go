// Package session tracks the inputs being analysed. Each session owns one
// pipeline; a single-input run has one session, an SRT listener one per
// publisher.
package session

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tsclock/internal/pipeline"
)

// Session is one analysed input.
type Session struct {
	ID        string
	Key       string
	Protocol  string
	StartedAt time.Time
	Pipeline  *pipeline.Pipeline
	done      chan struct{}
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Manager manages the lifecycle of active sessions.
type Manager struct {
	base *slog.Logger
	log  *slog.Logger
	mu   sync.RWMutex
	// sessions is keyed by stream key; ids index the same sessions.
	sessions map[string]*Session
	ids      map[string]*Session

	// Opts, when set, returns extra pipeline options for a new session.
	Opts func(*Session) []pipeline.Opt
	// OnCreate, when set, is called for each new session before its
	// pipeline runs.
	OnCreate func(*Session)
}

// NewManager creates a new session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		base:     log,
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
		ids:      make(map[string]*Session),
	}
}

// Create registers a new session. Returns the session and true if created,
// or nil and false if a session with this key already exists.
func (m *Manager) Create(key, protocol string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.sessions[key] = s
	m.ids[s.ID] = s
	m.log.Info("session created", "key", key, "id", s.ID)
	return s, true
}

// Remove removes a session from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
		delete(m.ids, s.ID)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key, "id", s.ID)
	}
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.ids[id]
	return s, ok
}

// List returns all active sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Run analyses input as a new session until it ends, then removes the
// session. Trend exports without a prefix are named after the session
// id. It returns false without reading if the key is already active.
func (m *Manager) Run(ctx context.Context, key, protocol string, input io.Reader, cfg pipeline.Config, opts ...pipeline.Opt) (*Session, bool, error) {
	s, created := m.Create(key, protocol)
	if !created {
		return nil, false, nil
	}
	defer m.Remove(key)

	if cfg.Reporter.Prefix == "" {
		cfg.Reporter.Prefix = s.ID
	}
	opts = append([]pipeline.Opt{pipeline.OptLogger(m.base), pipeline.OptProtocol(protocol)}, opts...)
	if m.Opts != nil {
		opts = append(opts, m.Opts(s)...)
	}
	p := pipeline.New(key, input, cfg, opts...)

	m.mu.Lock()
	s.Pipeline = p
	m.mu.Unlock()
	if m.OnCreate != nil {
		m.OnCreate(s)
	}

	err := p.Run(ctx)
	if err != nil {
		m.log.Error("pipeline error", "key", key, "error", err)
	}
	m.log.Info("session ended", "key", key, "id", s.ID)
	return s, true, err
}

// Pipeline returns the session's pipeline, or nil before it starts.
func (m *Manager) Pipeline(s *Session) *pipeline.Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s.Pipeline
}
