// Package pipeline runs the analysis of a single input: it reads packets
// with an mpegts.Reader, feeds them to a correlation engine, keeps the
// trend reporter running alongside, and keeps the most recent findings for
// the status API.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsclock/internal/engine"
	"github.com/zsiec/tsclock/internal/mpegts"
)

// DefaultFindingHistory is how many findings a Pipeline retains.
const DefaultFindingHistory = 1024

// closeTimeout bounds how long Run waits for the reporter after ingest
// stops.
const closeTimeout = 5 * time.Second

// Config controls a Pipeline.
type Config struct {
	Engine   engine.Config
	Reporter engine.ReporterConfig
	// StopAfter ends the run after this long; zero runs until the input
	// ends or the context is cancelled.
	StopAfter time.Duration
	// Size is the input length in bytes, used for progress; zero if
	// unknown.
	Size int64
	// Progress receives a progress line every ProgressEvery packets.
	Progress      func(pos, size uint64)
	ProgressEvery int64
}

// Stats summarizes a pipeline's progress.
type Stats struct {
	Key       string             `json:"key"`
	Protocol  string             `json:"protocol"`
	StartedAt time.Time          `json:"startedAt"`
	UptimeMs  int64              `json:"uptimeMs"`
	Reader    mpegts.ReaderStats `json:"reader"`
	SCRPID    uint16             `json:"scrPid"`
	// PCRPIDs maps program number to the PCR PID its PMT declares.
	PCRPIDs  map[uint16]uint16 `json:"pcrPids"`
	Findings int64             `json:"findings"`
}

// Opt configures a Pipeline.
type Opt func(*Pipeline)

// OptLogger sets the logger.
func OptLogger(log *slog.Logger) Opt {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// OptObserver adds an observer of everything the engine measures.
func OptObserver(obs engine.Observer) Opt {
	return func(p *Pipeline) {
		if obs != nil {
			p.observers = append(p.observers, obs)
		}
	}
}

// OptTrendSink adds a receiver of periodic trend snapshots.
func OptTrendSink(sink engine.TrendSink) Opt {
	return func(p *Pipeline) {
		if sink != nil {
			p.sinks = append(p.sinks, sink)
		}
	}
}

// OptPacketHook calls fn for every packet before it is analysed.
func OptPacketHook(fn func(seq int64, pkt *mpegts.Packet)) Opt {
	return func(p *Pipeline) {
		p.onPacket = fn
	}
}

// OptProtocol records the ingest protocol for Stats.
func OptProtocol(proto string) Opt {
	return func(p *Pipeline) {
		p.protocol = proto
	}
}

// Pipeline bridges one input and its engine.
type Pipeline struct {
	log       *slog.Logger
	key       string
	input     io.Reader
	cfg       Config
	protocol  string
	startTime time.Time

	observers engine.Observers
	sinks     []engine.TrendSink
	onPacket  func(seq int64, pkt *mpegts.Packet)

	engine   *engine.Engine
	reporter *engine.Reporter
	findings *findingLog

	readerStats atomic.Pointer[mpegts.ReaderStats]
	pcrPIDs     atomic.Pointer[map[uint16]uint16]
}

// New creates a Pipeline that analyses input.
func New(key string, input io.Reader, cfg Config, opts ...Opt) *Pipeline {
	p := &Pipeline{
		log:       slog.Default(),
		key:       key,
		input:     input,
		cfg:       cfg,
		startTime: time.Now(),
		findings:  newFindingLog(DefaultFindingHistory),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("stream", key)

	p.observers = append(p.observers, p.findings)
	p.engine = engine.New(cfg.Engine,
		engine.OptLogger(p.log),
		engine.OptObserver(p.observers))
	p.reporter = p.engine.NewReporter(cfg.Reporter, trendSinks(p.sinks))
	p.readerStats.Store(&mpegts.ReaderStats{})
	p.pcrPIDs.Store(&map[uint16]uint16{})
	return p
}

// Engine returns the pipeline's engine.
func (p *Pipeline) Engine() *engine.Engine { return p.engine }

// Key returns the stream key.
func (p *Pipeline) Key() string { return p.key }

// Findings returns the retained findings, oldest first.
func (p *Pipeline) Findings() []engine.Finding { return p.findings.list() }

// Stats returns a snapshot of the pipeline's progress.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Key:       p.key,
		Protocol:  p.protocol,
		StartedAt: p.startTime,
		UptimeMs:  time.Since(p.startTime).Milliseconds(),
		Reader:    *p.readerStats.Load(),
		SCRPID:    p.engine.SCRPID(),
		PCRPIDs:   *p.pcrPIDs.Load(),
		Findings:  p.findings.total(),
	}
}

// Run reads the input until it ends, ctx is cancelled or StopAfter
// elapses, then closes the engine. A stop by deadline or cancellation is
// not an error.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.cfg.StopAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StopAfter)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.reporter.Run(gctx)
	})
	g.Go(func() error {
		err := p.ingest(gctx)
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := p.engine.Close(closeCtx); cerr != nil {
			p.log.Warn("engine close", "error", cerr)
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *Pipeline) ingest(ctx context.Context) error {
	rd := mpegts.NewReader(ctx, p.input,
		mpegts.ReaderOptLogger(p.log),
		mpegts.ReaderOptPMTHandler(p.engine.OnPMT))

	every := p.cfg.ProgressEvery
	if every <= 0 {
		every = 10_000
	}

	var seq int64
	for {
		pkt, err := rd.Next()
		if err != nil {
			p.publishStats(rd)
			if errors.Is(err, io.EOF) {
				p.log.Info("input ended", "packets", seq, "bytes", rd.Offset())
				return nil
			}
			return err
		}
		if p.onPacket != nil {
			p.onPacket(seq, pkt)
		}
		if err := p.engine.Process(pkt); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		seq++
		if seq%every == 0 {
			p.publishStats(rd)
			if p.cfg.Progress != nil {
				p.cfg.Progress(rd.Offset(), uint64(p.cfg.Size))
			}
		}
	}
}

func (p *Pipeline) publishStats(rd *mpegts.Reader) {
	s := rd.Stats()
	p.readerStats.Store(&s)
	pcr := rd.PCRPIDs()
	p.pcrPIDs.Store(&pcr)
}

type trendSinks []engine.TrendSink

func (t trendSinks) OnTrend(s engine.TrendSnapshot) {
	for _, sink := range t {
		sink.OnTrend(s)
	}
}

// findingLog keeps the most recent findings.
type findingLog struct {
	engine.NopObserver

	mu    sync.Mutex
	ring  []engine.Finding
	next  int
	count int64
}

func newFindingLog(capacity int) *findingLog {
	return &findingLog{ring: make([]engine.Finding, 0, capacity)}
}

func (l *findingLog) OnFinding(f engine.Finding) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	if len(l.ring) < cap(l.ring) {
		l.ring = append(l.ring, f)
		return
	}
	l.ring[l.next] = f
	l.next = (l.next + 1) % len(l.ring)
}

func (l *findingLog) list() []engine.Finding {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]engine.Finding, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

func (l *findingLog) total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
