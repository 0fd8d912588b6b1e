// Package ingest acquires transport stream bytes. Open turns an input URL
// into a byte stream; the Registry tracks publishers accepted by listeners
// and pull callers, one analysis session per stream key.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrKeyInUse is returned by Register when the stream key already has a
// publisher.
var ErrKeyInUse = errors.New("ingest: stream key in use")

// IngestStats describes the connection behind a session, as shown by the
// status API.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
	Protocol      string `json:"protocol"`
}

// Stream is one registered publisher. Receivers write the bytes they read
// from the network into it; the session reads them from the other end.
type Stream struct {
	Key        string
	Protocol   string
	RemoteAddr string
	StartedAt  time.Time

	pw   *io.PipeWriter
	done chan struct{}

	bytes  atomic.Int64
	writes atomic.Int64
}

// Write forwards p to the session, blocking until it has been read, and
// counts it as one network read.
func (s *Stream) Write(p []byte) (int, error) {
	s.bytes.Add(int64(len(p)))
	s.writes.Add(1)
	return s.pw.Write(p)
}

// Done is closed once the stream has been unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns the connection counters so far.
func (s *Stream) Stats() IngestStats {
	return IngestStats{
		BytesReceived: s.bytes.Load(),
		ReadCount:     s.writes.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    s.RemoteAddr,
		Protocol:      s.Protocol,
	}
}

// Handler runs a session over a newly registered stream. It must read
// input until EOF.
type Handler func(s *Stream, input io.Reader)

// Registry maps stream keys to their publishers.
type Registry struct {
	handle Handler

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates a Registry that starts handle in its own goroutine for
// each registered stream.
func NewRegistry(handle Handler) *Registry {
	return &Registry{
		handle:  handle,
		streams: make(map[string]*Stream),
	}
}

// Register claims key for a new publisher. It fails with ErrKeyInUse while
// another publisher holds the key.
func (r *Registry) Register(key, protocol, remote string) (*Stream, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:        key,
		Protocol:   protocol,
		RemoteAddr: remote,
		StartedAt:  time.Now(),
		pw:         pw,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, taken := r.streams[key]; taken {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrKeyInUse, key)
	}
	r.streams[key] = s
	r.mu.Unlock()

	if r.handle != nil {
		go r.handle(s, pr)
	}
	return s, nil
}

// Unregister releases s's key and ends its input. Calling it more than once
// is harmless, and a key already claimed by a later publisher is left alone.
func (r *Registry) Unregister(s *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[s.Key]
	if ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()

	if ok && cur == s {
		s.pw.Close()
		close(s.done)
	}
}

// Lookup returns the publisher holding key.
func (r *Registry) Lookup(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// InUse reports whether key has a publisher.
func (r *Registry) InUse(key string) bool {
	_, ok := r.Lookup(key)
	return ok
}

// Len returns the number of publishers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
