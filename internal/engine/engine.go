// Package engine correlates the clocks carried on each PID of a transport
// stream. For every packet it checks continuity, follows the SCR, PTS and
// DTS timelines through their wraps, measures drift against wall time,
// feeds per-PID trend estimators and raises findings when timing leaves the
// configured bounds. A Reporter summarizes the trends on its own goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/tsclock/internal/clock"
	"github.com/zsiec/tsclock/internal/mpegts"
	"github.com/zsiec/tsclock/internal/reorder"
	"github.com/zsiec/tsclock/internal/trend"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("engine: closed")

// Opt configures an Engine.
type Opt func(*Engine)

// OptLogger sets the logger. A nil logger keeps slog.Default().
func OptLogger(log *slog.Logger) Opt {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// OptObserver sets the receiver of records and findings.
func OptObserver(obs Observer) Opt {
	return func(e *Engine) {
		if obs != nil {
			e.obs = obs
		}
	}
}

// Engine is fed by a single goroutine through Process. Its read methods
// and any Reporter may run concurrently with it.
type Engine struct {
	cfg Config
	log *slog.Logger
	obs Observer

	mu         sync.RWMutex
	pids       map[uint16]*pidState
	total      int64
	scrPID     uint16
	adopted    bool // scrPID came from a PMT
	initial    time.Time
	streamTime time.Time
	closed     bool
	reporters  []*Reporter

	closing chan struct{}

	// pending holds events raised under mu until they can be delivered.
	// Only the Process goroutine touches it.
	pending []any
}

// New creates an engine.
func New(cfg Config, opts ...Opt) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		cfg:     cfg,
		log:     slog.Default(),
		obs:     NopObserver{},
		pids:    make(map[uint16]*pidState),
		scrPID:  cfg.SCRPID,
		initial: cfg.InitialTime,
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	return e
}

// Config returns the normalized configuration.
func (e *Engine) Config() Config { return e.cfg }

// SCRPID returns the PID whose SCR timestamps are compared against.
func (e *Engine) SCRPID() uint16 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scrPID
}

// OnPMT adopts the PCR PID announced by the first PMT when AutoSCRPID is
// set. Later PMTs are ignored.
func (e *Engine) OnPMT(pmt *mpegts.PMTData) {
	if !e.cfg.AutoSCRPID || pmt == nil || pmt.PCRPID == mpegts.NullPID {
		return
	}
	e.mu.Lock()
	if e.adopted {
		e.mu.Unlock()
		return
	}
	prev := e.scrPID
	e.scrPID = pmt.PCRPID
	e.adopted = true
	e.mu.Unlock()

	e.log.Info("using PCR PID from PMT",
		"program", pmt.ProgramNumber,
		"pid", fmt.Sprintf("0x%04x", pmt.PCRPID),
		"previous", fmt.Sprintf("0x%04x", prev))
}

// Process updates the engine with one packet and delivers the resulting
// records and findings to the observer before returning.
func (e *Engine) Process(pkt *mpegts.Packet) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.process(pkt)
	pending := e.pending
	e.mu.Unlock()

	for _, ev := range pending {
		switch ev := ev.(type) {
		case Finding:
			e.obs.OnFinding(ev)
		case SCRRecord:
			e.obs.OnSCR(ev)
		case TimestampRecord:
			e.obs.OnTimestamp(ev)
		case DeliveryRecord:
			e.obs.OnDelivery(ev)
		}
	}
	clear(pending)
	e.pending = pending[:0]
	return nil
}

func (e *Engine) process(pkt *mpegts.Packet) {
	if e.initial.IsZero() {
		e.initial = pkt.WallTime
	}
	if e.streamTime.IsZero() {
		e.streamTime = e.initial
	}

	ps, ok := e.pids[pkt.PID]
	if !ok {
		ps = newPIDState(pkt.PID)
		e.pids[pkt.PID] = ps
	}
	e.total++

	e.checkContinuity(ps, pkt)
	if pkt.HasSCR {
		e.processSCR(ps, pkt)
	}
	if pkt.PID != 0 && pkt.PID != mpegts.NullPID {
		e.processPES(ps, pkt)
	}
}

// checkContinuity compares the counter of payload-bearing packets with the
// previous one. The first packet of a PID and the null PID are exempt. After
// a repeated counter, the next packet may follow either the repeat or the
// packet the repeat replaced.
func (e *Engine) checkContinuity(ps *pidState, pkt *mpegts.Packet) {
	ps.packets++
	cc := pkt.ContinuityCounter
	if pkt.HasPayload && ps.packets > 1 && pkt.PID != mpegts.NullPID {
		want := (ps.cc + 1) & 0x0F
		switch {
		case cc == want:
		case ps.ccDup && cc == (ps.cc+2)&0x0F:
		default:
			ps.ccErrors++
			e.pending = append(e.pending, Finding{
				Kind:       ContinuityGap,
				PID:        pkt.PID,
				Offset:     pkt.Offset,
				Expected:   want,
				Got:        cc,
				StreamTime: e.streamTime,
			})
		}
		ps.ccDup = cc == ps.cc
	}
	ps.cc = cc
}

func (e *Engine) processSCR(ps *pidState, pkt *mpegts.Packet) {
	var delta int64
	if ps.scrCount == 0 {
		ps.scrFirstAt = pkt.WallTime
		ps.scrModel = clock.NewModel(clock.SCR)
		e.log.Debug("first SCR", "pid", fmt.Sprintf("0x%04x", pkt.PID), "scr", pkt.SCR)
	} else {
		delta = clock.SCR.Diff(ps.scr, pkt.SCR)
		ps.scrElapsed += delta
	}
	ps.scr = pkt.SCR
	ps.scrCount++
	e.streamTime = e.initial.Add(clock.SCR.Duration(ps.scrElapsed))

	wall := e.wallTime(pkt)
	ps.scrModel.EstablishWallclock(pkt.SCR, wall)
	ps.scrModel.SetTicks(pkt.SCR, wall)
	// Arrival jitter needs real capture times; stream pacing has none.
	if ps.scrCount > 1 && e.cfg.Pacing != PacingStream {
		ps.recordJitter(pkt.WallTime)
	}

	rec := SCRRecord{
		PID:        pkt.PID,
		Seq:        ps.scrCount,
		Offset:     pkt.Offset,
		SCR:        pkt.SCR,
		DeltaTicks: delta,
		StreamTime: e.streamTime,
		Wall:       wall,
	}
	rec.DriftMs, rec.DriftOK = ps.scrModel.DriftMillis()
	e.pending = append(e.pending, rec)
}

// wallTime is the time a packet is measured against. With stream pacing it
// follows the reference clock instead of the host clock.
func (e *Engine) wallTime(pkt *mpegts.Packet) time.Time {
	if e.cfg.Pacing != PacingStream {
		return pkt.WallTime
	}
	if ref, ok := e.pids[e.scrPID]; ok && ref.scrCount > 0 {
		return e.initial.Add(clock.SCR.Duration(ref.scrElapsed))
	}
	return e.initial
}

// refSCR returns the latest SCR of the reference PID.
func (e *Engine) refSCR() (int64, bool) {
	ref, ok := e.pids[e.scrPID]
	if !ok || ref.scrCount == 0 {
		return 0, false
	}
	return ref.scr, true
}

func (e *Engine) processPES(ps *pidState, pkt *mpegts.Packet) {
	scr, hasSCR := e.refSCR()

	var prior *DeliveryRecord
	if pkt.PayloadUnitStart {
		if ps.pesStarted {
			prior = &DeliveryRecord{
				PID:    ps.pid,
				Ticks:  clock.SCR.Diff(ps.scrAtPESStart, ps.scrLastSeen),
				Micros: ps.lastSeenWall.Sub(ps.pesStartWall).Microseconds(),
			}
		}
		ps.pesStarted = true
		ps.scrAtPESStart, ps.pesStartWall = scr, pkt.WallTime
		ps.scrLastSeen, ps.lastSeenWall = scr, pkt.WallTime
	} else {
		ps.scrLastSeen, ps.lastSeenWall = scr, pkt.WallTime
	}

	h := pkt.PES
	if h == nil {
		return
	}
	if h.HasPTS {
		e.timestamp(ps, ps.pts, h.PTS, pkt, scr, hasSCR)
		if prior != nil && e.cfg.PESDelivery {
			prior.Seq = ps.pts.count - 1
			e.pending = append(e.pending, *prior)
		}
		if e.cfg.Reorder {
			if ps.order == nil {
				ps.order = reorder.New(clock.PTS)
			}
			ps.order.Insert(ps.pts.count, h.PTS, pkt.Offset)
		}
	}
	if h.HasDTS {
		e.timestamp(ps, ps.dts, h.DTS, pkt, scr, hasSCR)
	}
}

func (e *Engine) timestamp(ps *pidState, ct *clockTrack, ts int64, pkt *mpegts.Packet, scr int64, hasSCR bool) {
	delta := ct.observe(ts)

	wall := e.wallTime(pkt)
	if ct.model == nil {
		ct.model = clock.NewModel(clock.PTS)
	}
	ct.model.EstablishWallclock(ts, wall)
	ct.model.SetTicks(ts, wall)
	e.addTrendSample(ps, ct, wall)

	rec := TimestampRecord{
		PID:        ps.pid,
		Clock:      ct.name,
		Seq:        ct.count,
		Offset:     pkt.Offset,
		Ticks:      ts,
		DeltaTicks: delta,
		Wall:       wall,
		PES:        pkt.PES,
	}
	rec.DriftMs, rec.DriftOK = ct.model.DriftMillis()
	if hasSCR {
		rec.HasSCR = true
		rec.MinusSCRTicks = clock.SCR.Diff(scr, ts*clock.SCRPerPTSTick)
		rec.SCRDeltaMs = ct.scrStep(scr) / clock.SCRTicksPerMs
	}

	finding := Finding{
		PID:        ps.pid,
		Clock:      ct.name,
		Seq:        ct.count,
		Offset:     pkt.Offset,
		StreamTime: e.streamTime,
	}
	if hasSCR && rec.MinusSCRTicks < 0 && ct == ps.pts && e.cfg.NonConformance {
		f := finding
		f.Kind = PTSBehindPCR
		f.ValueMs = float64(rec.MinusSCRTicks) / clock.SCRTicksPerMs
		e.pending = append(e.pending, f)
	}
	// Signed: only forward steps past the limit count, so a misplaced
	// timestamp is flagged once, at the step that recovers from it.
	if delta/clock.PTSTicksPerMs >= e.cfg.MaxDriftMs {
		f := finding
		f.Kind = ExcessClockDelta
		f.ValueMs = float64(delta) / clock.PTSTicksPerMs
		f.ThresholdMs = e.cfg.MaxDriftMs
		e.pending = append(e.pending, f)
	}
	if hasSCR && rec.SCRDeltaMs >= e.cfg.MaxDriftMs {
		f := finding
		f.Kind = ExcessSCRDelta
		f.ValueMs = float64(rec.SCRDeltaMs)
		f.ThresholdMs = e.cfg.MaxDriftMs
		e.pending = append(e.pending, f)
	}

	e.pending = append(e.pending, rec)
}

// addTrendSample offers (wall seconds, clock seconds) to the clock's
// estimator, allocating it on first use.
func (e *Engine) addTrendSample(ps *pidState, ct *clockTrack, wall time.Time) {
	if ct.trendOff {
		return
	}
	if ct.trend == nil {
		name := fmt.Sprintf("%s 0x%04x to wallclock delta", ct.name, ps.pid)
		est, err := trend.New(name, e.cfg.TrendCapacity, trend.OptWarmup(max(e.cfg.TrendWarmup, 0)))
		if err != nil {
			ct.trendOff = true
			e.log.Warn("trend tracking disabled",
				"pid", fmt.Sprintf("0x%04x", ps.pid),
				"clock", ct.name,
				"error", err)
			return
		}
		ct.trend = est
	}
	x := float64(wall.UnixMicro()) / 1e6
	y := clock.PTS.Seconds(ct.model.Ticks())
	ct.trend.Add(x, y)
}

// TotalPackets returns the number of packets processed.
func (e *Engine) TotalPackets() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.total
}

// StreamTime returns the calendar time of the latest SCR.
func (e *Engine) StreamTime() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.streamTime
}

// JitterStats summarizes how far a PID's SCR has strayed from capture
// time, in microseconds.
type JitterStats struct {
	Min  int64   `json:"min"`
	Max  int64   `json:"max"`
	Mean float64 `json:"mean"`
	P50  int64   `json:"p50"`
	P99  int64   `json:"p99"`
}

// PIDStats is a point-in-time view of one PID.
type PIDStats struct {
	PID      uint16 `json:"pid"`
	Packets  int64  `json:"packets"`
	CCErrors int64  `json:"ccErrors"`
	// Share is the PID's percentage of all packets.
	Share float64 `json:"share"`

	SCRCount   int64        `json:"scrCount"`
	SCR        int64        `json:"scr,omitempty"`
	SCRDriftMs int64        `json:"scrDriftMs,omitempty"`
	SCRDriftOK bool         `json:"scrDriftOk"`
	Jitter     *JitterStats `json:"jitter,omitempty"`

	PTSCount int64 `json:"ptsCount"`
	DTSCount int64 `json:"dtsCount"`
}

// PIDs returns statistics for every PID seen, in PID order.
func (e *Engine) PIDs() []PIDStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]PIDStats, 0, len(e.pids))
	for _, ps := range e.pids {
		st := PIDStats{
			PID:      ps.pid,
			Packets:  ps.packets,
			CCErrors: ps.ccErrors,
			SCRCount: ps.scrCount,
			SCR:      ps.scr,
			PTSCount: ps.pts.count,
			DTSCount: ps.dts.count,
		}
		if e.total > 0 {
			st.Share = float64(ps.packets) / float64(e.total) * 100
		}
		if ps.scrModel != nil {
			st.SCRDriftMs, st.SCRDriftOK = ps.scrModel.DriftMillis()
		}
		if h := ps.jitter; h != nil && h.TotalCount() > 0 {
			st.Jitter = &JitterStats{
				Min:  h.Min(),
				Max:  h.Max(),
				Mean: h.Mean(),
				P50:  h.ValueAtQuantile(50),
				P99:  h.ValueAtQuantile(99),
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Reordered drains the presentation-order PTS sequence of every PID. It
// returns nil unless Reorder is configured and is meant to be called once,
// after ingestion has stopped.
func (e *Engine) Reordered() map[uint16][]reorder.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out map[uint16][]reorder.Entry
	for pid, ps := range e.pids {
		if ps.order == nil || ps.order.Len() == 0 {
			continue
		}
		if out == nil {
			out = make(map[uint16][]reorder.Entry)
		}
		out[pid] = ps.order.Drain()
	}
	return out
}

// Close stops the engine and waits until every running Reporter has
// returned, so final reports see a quiescent state. Process returns
// ErrClosed afterwards; the read methods keep working.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.closing)
	}
	reporters := e.reporters
	e.mu.Unlock()

	for _, r := range reporters {
		if !r.started.Load() {
			continue
		}
		select {
		case <-r.Done():
		case <-ctx.Done():
			return fmt.Errorf("engine: waiting for reporter: %w", ctx.Err())
		}
	}
	return nil
}
