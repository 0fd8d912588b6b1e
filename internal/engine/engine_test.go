package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/tsclock/internal/mpegts"
	"github.com/zsiec/tsclock/internal/trend"
)

var base = time.Date(2024, 2, 9, 9, 13, 52, 0, time.UTC)

type recorder struct {
	mu         sync.Mutex
	findings   []Finding
	scrs       []SCRRecord
	timestamps []TimestampRecord
	deliveries []DeliveryRecord
}

func (r *recorder) OnSCR(rec SCRRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrs = append(r.scrs, rec)
}

func (r *recorder) OnTimestamp(rec TimestampRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timestamps = append(r.timestamps, rec)
}

func (r *recorder) OnDelivery(rec DeliveryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, rec)
}

func (r *recorder) OnFinding(f Finding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, f)
}

func (r *recorder) count(kind FindingKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

func scrPacket(pid uint16, cc uint8, scr int64, wall time.Time) *mpegts.Packet {
	return &mpegts.Packet{
		PID:               pid,
		ContinuityCounter: cc,
		HasAdaptation:     true,
		HasSCR:            true,
		SCR:               scr,
		WallTime:          wall,
	}
}

func pesPacket(pid uint16, cc uint8, pts int64, wall time.Time) *mpegts.Packet {
	return &mpegts.Packet{
		PID:               pid,
		ContinuityCounter: cc,
		HasPayload:        true,
		PayloadUnitStart:  true,
		WallTime:          wall,
		PES:               &mpegts.PESHeader{StreamID: 0xE0, PTSDTSFlags: 2, HasPTS: true, PTS: pts},
	}
}

func payloadPacket(pid uint16, cc uint8) *mpegts.Packet {
	return &mpegts.Packet{PID: pid, ContinuityCounter: cc, HasPayload: true, WallTime: base}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *recorder) {
	t.Helper()
	rec := &recorder{}
	return New(cfg, OptObserver(rec)), rec
}

func process(t *testing.T, e *Engine, pkts ...*mpegts.Packet) {
	t.Helper()
	for _, p := range pkts {
		if err := e.Process(p); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
}

// syntheticStream alternates an SCR packet on 0x31 with a PES on 0x100. The
// SCR advances one second per packet and each PTS leads it by three seconds.
func syntheticStream(n int) []*mpegts.Packet {
	var pkts []*mpegts.Packet
	for i := 0; i < n/2; i++ {
		wall := base.Add(time.Duration(i) * time.Second)
		pkts = append(pkts,
			scrPacket(0x31, uint8(i), int64(i)*27_000_000, wall),
			pesPacket(0x100, uint8(i)&0x0F, int64(i)*90_000+270_000, wall),
		)
	}
	return pkts
}

func TestContinuityDuplicateThenSkip(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, DefaultConfig())

	for _, cc := range []uint8{0, 1, 2, 2, 4} {
		process(t, e, payloadPacket(0x100, cc))
	}

	if len(rec.findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(rec.findings))
	}
	f := rec.findings[0]
	if f.Kind != ContinuityGap {
		t.Errorf("kind = %v, want %v", f.Kind, ContinuityGap)
	}
	if f.Expected != 3 || f.Got != 2 {
		t.Errorf("expected/got = %d/%d, want 3/2", f.Expected, f.Got)
	}
	if got := e.PIDs()[0].CCErrors; got != 1 {
		t.Errorf("CCErrors = %d, want 1", got)
	}
}

func TestContinuity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pid  uint16
		ccs  []uint8
		want int
	}{
		{name: "in order with wrap", pid: 0x100, ccs: []uint8{14, 15, 0, 1}, want: 0},
		{name: "first packet exempt", pid: 0x100, ccs: []uint8{9, 10}, want: 0},
		{name: "gap", pid: 0x100, ccs: []uint8{0, 1, 5, 6}, want: 1},
		{name: "repeat then resume", pid: 0x100, ccs: []uint8{0, 1, 1, 2}, want: 1},
		{name: "two gaps", pid: 0x100, ccs: []uint8{0, 3, 9}, want: 2},
		{name: "null pid exempt", pid: mpegts.NullPID, ccs: []uint8{0, 7, 3}, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e, rec := newTestEngine(t, DefaultConfig())
			for _, cc := range tc.ccs {
				process(t, e, payloadPacket(tc.pid, cc))
			}
			if got := rec.count(ContinuityGap); got != tc.want {
				t.Errorf("continuity findings = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestContinuityIgnoresAdaptationOnly(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, DefaultConfig())

	process(t, e,
		payloadPacket(0x31, 4),
		scrPacket(0x31, 4, 0, base), // adaptation only, counter does not advance
		payloadPacket(0x31, 5),
	)
	if got := rec.count(ContinuityGap); got != 0 {
		t.Errorf("continuity findings = %d, want 0", got)
	}
}

func TestSyntheticStreamHasNoFindings(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxDriftMs = 1500
	e, rec := newTestEngine(t, cfg)

	process(t, e, syntheticStream(20)...)

	if len(rec.findings) != 0 {
		t.Fatalf("findings = %+v, want none", rec.findings)
	}
	if len(rec.scrs) != 10 || len(rec.timestamps) != 10 {
		t.Errorf("records = %d SCR, %d PTS, want 10 and 10", len(rec.scrs), len(rec.timestamps))
	}
	last := rec.timestamps[len(rec.timestamps)-1]
	if last.DeltaTicks != 90_000 {
		t.Errorf("PTS delta = %d, want 90000", last.DeltaTicks)
	}
	if !last.HasSCR || last.MinusSCRTicks != 3*27_000_000 {
		t.Errorf("PTS minus SCR = %d, want %d", last.MinusSCRTicks, 3*27_000_000)
	}
	if last.SCRDeltaMs != 1000 {
		t.Errorf("SCR delta = %d ms, want 1000", last.SCRDeltaMs)
	}
}

func TestMisplacedTimestampRaisesOneClockDelta(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"PTS", "DTS"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.MaxDriftMs = 1500
			e, rec := newTestEngine(t, cfg)

			pkts := syntheticStream(20)
			for _, p := range pkts {
				if p.PES != nil {
					p.PES.PTSDTSFlags = 3
					p.PES.HasDTS = true
					p.PES.DTS = p.PES.PTS - 3600
				}
			}
			// The fifth PES lands 2s behind the fourth; the sixth is back
			// on time.
			if name == "PTS" {
				pkts[9].PES.PTS = pkts[7].PES.PTS - 2*90_000
			} else {
				pkts[9].PES.DTS = pkts[7].PES.DTS - 2*90_000
			}
			process(t, e, pkts...)

			if got := rec.count(ExcessClockDelta); got != 1 {
				t.Fatalf("excess clock delta findings = %d, want 1: %+v", got, rec.findings)
			}
			for _, f := range rec.findings {
				if f.Kind != ExcessClockDelta {
					continue
				}
				if f.Clock != name || f.PID != 0x100 {
					t.Errorf("finding on %s 0x%x, want %s 0x100", f.Clock, f.PID, name)
				}
				if f.Seq != 6 {
					t.Errorf("seq = %d, want 6", f.Seq)
				}
				if f.ValueMs != 4000 {
					t.Errorf("value = %v ms, want 4000", f.ValueMs)
				}
				if f.ThresholdMs != 1500 {
					t.Errorf("threshold = %d, want 1500", f.ThresholdMs)
				}
			}
		})
	}
}

func TestBackwardStepAloneRaisesNoClockDelta(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxDriftMs = 1500
	e, rec := newTestEngine(t, cfg)

	pkts := syntheticStream(20)
	pkts[len(pkts)-1].PES.PTS = pkts[len(pkts)-3].PES.PTS - 2*90_000
	process(t, e, pkts...)

	if got := rec.count(ExcessClockDelta); got != 0 {
		t.Errorf("excess clock delta findings = %d, want 0", got)
	}
	last := rec.timestamps[len(rec.timestamps)-1]
	if last.DeltaTicks != -2*90_000 {
		t.Errorf("delta = %d, want %d", last.DeltaTicks, -2*90_000)
	}
}

func TestPTSDeltaAcrossWrap(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, DefaultConfig())

	const maxPTS = int64(1) << 33
	process(t, e,
		pesPacket(0x100, 0, maxPTS-1500, base),
		pesPacket(0x100, 1, 1500, base),
	)
	if got := rec.timestamps[1].DeltaTicks; got != 3000 {
		t.Errorf("delta = %d, want 3000", got)
	}
	if got := rec.count(ExcessClockDelta); got != 0 {
		t.Errorf("excess clock delta findings = %d, want 0", got)
	}
}

func TestPTSForwardJumpOverTenSecondsIsBackward(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, DefaultConfig())

	process(t, e,
		pesPacket(0x100, 0, 1_000_000, base),
		pesPacket(0x100, 1, 1_000_000+20*90_000, base),
	)
	got := rec.timestamps[1].DeltaTicks
	want := int64(20*90_000) - int64(1)<<33
	if got != want {
		t.Errorf("delta = %d, want %d", got, want)
	}
	if n := rec.count(ExcessClockDelta); n != 1 {
		t.Errorf("excess clock delta findings = %d, want 1", n)
	}
}

func TestPTSBehindPCR(t *testing.T) {
	t.Parallel()

	for _, enabled := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.NonConformance = enabled
		e, rec := newTestEngine(t, cfg)

		process(t, e,
			scrPacket(0x31, 0, 10*27_000_000, base),
			pesPacket(0x100, 0, 9*90_000, base),
		)

		want := 0
		if enabled {
			want = 1
		}
		if got := rec.count(PTSBehindPCR); got != want {
			t.Errorf("enabled=%v: findings = %d, want %d", enabled, got, want)
		}
		if ts := rec.timestamps[0]; ts.MinusSCRTicks != -27_000_000 {
			t.Errorf("minus SCR = %d, want -27000000", ts.MinusSCRTicks)
		}
	}
}

func TestExcessSCRDelta(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, DefaultConfig())

	process(t, e,
		scrPacket(0x31, 0, 0, base),
		pesPacket(0x100, 0, 90_000, base),
		scrPacket(0x31, 0, 27_000_000, base.Add(time.Second)),
		pesPacket(0x100, 1, 90_000+3_003, base.Add(time.Second)),
	)
	if got := rec.count(ExcessSCRDelta); got != 1 {
		t.Fatalf("excess SCR delta findings = %d, want 1", got)
	}
	if got := rec.count(ExcessClockDelta); got != 0 {
		t.Errorf("excess clock delta findings = %d, want 0", got)
	}
}

func TestDTSTrackedWithPTS(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, DefaultConfig())

	p := pesPacket(0x100, 0, 2_790_000, base)
	p.PES.PTSDTSFlags = 3
	p.PES.HasDTS = true
	p.PES.DTS = 2_782_492
	process(t, e, p)

	if len(rec.timestamps) != 2 {
		t.Fatalf("timestamps = %d, want 2", len(rec.timestamps))
	}
	if rec.timestamps[0].Clock != "PTS" || rec.timestamps[1].Clock != "DTS" {
		t.Errorf("clocks = %s,%s, want PTS,DTS", rec.timestamps[0].Clock, rec.timestamps[1].Clock)
	}
	st := e.PIDs()[0]
	if st.PTSCount != 1 || st.DTSCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", st.PTSCount, st.DTSCount)
	}
}

func TestAutoSCRPID(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, DefaultConfig())
	e.OnPMT(&mpegts.PMTData{ProgramNumber: 1, PCRPID: 0x100})
	e.OnPMT(&mpegts.PMTData{ProgramNumber: 2, PCRPID: 0x200})
	if got := e.SCRPID(); got != 0x100 {
		t.Errorf("SCRPID = 0x%x, want 0x100", got)
	}

	cfg := DefaultConfig()
	cfg.AutoSCRPID = false
	fixed, _ := newTestEngine(t, cfg)
	fixed.OnPMT(&mpegts.PMTData{ProgramNumber: 1, PCRPID: 0x100})
	if got := fixed.SCRPID(); got != DefaultSCRPID {
		t.Errorf("SCRPID = 0x%x, want 0x%x", got, DefaultSCRPID)
	}
}

func TestPESDelivery(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.PESDelivery = true
	e, rec := newTestEngine(t, cfg)

	cont := payloadPacket(0x100, 1)
	cont.WallTime = base.Add(2 * time.Millisecond)

	process(t, e,
		scrPacket(0x31, 0, 27_000_000, base),
		pesPacket(0x100, 0, 90_000, base),
		scrPacket(0x31, 0, 27_000_000+54_000, base.Add(2*time.Millisecond)),
		cont,
		pesPacket(0x100, 2, 93_003, base.Add(3*time.Millisecond)),
	)

	if len(rec.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(rec.deliveries))
	}
	d := rec.deliveries[0]
	if d.Ticks != 54_000 {
		t.Errorf("ticks = %d, want 54000", d.Ticks)
	}
	if d.Micros != 2000 {
		t.Errorf("micros = %d, want 2000", d.Micros)
	}
	if d.Seq != 1 {
		t.Errorf("seq = %d, want 1", d.Seq)
	}
}

func TestReordered(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Reorder = true
	e, _ := newTestEngine(t, cfg)

	for i, pts := range []int64{300, 100, 200} {
		p := pesPacket(0x100, uint8(i), pts, base)
		p.Offset = uint64(i * mpegts.PacketSize)
		process(t, e, p)
	}

	got := e.Reordered()[0x100]
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	wantTicks := []int64{100, 200, 300}
	wantDelta := []int64{0, 100, 100}
	for i := range got {
		if got[i].Ticks != wantTicks[i] || got[i].Delta != wantDelta[i] {
			t.Errorf("entry %d = %d/%d, want %d/%d", i, got[i].Ticks, got[i].Delta, wantTicks[i], wantDelta[i])
		}
	}
	if e.Reordered() != nil {
		t.Error("second drain should be empty")
	}
}

func TestTrendStreamPacing(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Pacing = PacingStream
	cfg.InitialTime = base
	cfg.MaxDriftMs = 1500
	e, _ := newTestEngine(t, cfg)

	process(t, e, syntheticStream(80)...)

	trends := e.Trends()
	if len(trends) != 1 {
		t.Fatalf("trends = %d, want 1", len(trends))
	}
	s := trends[0]
	if s.Samples != 40-trend.DefaultWarmup {
		t.Errorf("samples = %d, want %d", s.Samples, 40-trend.DefaultWarmup)
	}
	if !s.Valid {
		t.Fatal("trend should be valid")
	}
	if math.Abs(s.Slope-1) > 1e-9 {
		t.Errorf("slope = %v, want 1", s.Slope)
	}
	if math.Abs(s.RSquared-1) > 1e-9 {
		t.Errorf("r2 = %v, want 1", s.RSquared)
	}
}

func TestStreamTimeFollowsSCR(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.InitialTime = base
	e, rec := newTestEngine(t, cfg)

	process(t, e,
		scrPacket(0x31, 0, 5*27_000_000, base),
		scrPacket(0x31, 0, 65*27_000_000, base.Add(time.Second)),
	)
	if got, want := e.StreamTime(), base.Add(time.Minute); !got.Equal(want) {
		t.Errorf("stream time = %v, want %v", got, want)
	}
	if rec.scrs[1].DeltaTicks != 60*27_000_000 {
		t.Errorf("SCR delta = %d, want %d", rec.scrs[1].DeltaTicks, 60*27_000_000)
	}
}

func TestTrendAllocationFailureDisablesTracking(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.TrendCapacity = trend.MaxCapacity + 1
	e, rec := newTestEngine(t, cfg)

	process(t, e, syntheticStream(20)...)

	if n := len(e.Trends()); n != 0 {
		t.Errorf("trends = %d, want 0", n)
	}
	if len(rec.timestamps) != 10 {
		t.Errorf("timestamps = %d, want 10", len(rec.timestamps))
	}
}

func TestPIDStats(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, DefaultConfig())

	process(t, e, syntheticStream(20)...)
	process(t, e, payloadPacket(mpegts.NullPID, 0), payloadPacket(mpegts.NullPID, 0))

	stats := e.PIDs()
	if len(stats) != 3 {
		t.Fatalf("pids = %d, want 3", len(stats))
	}
	if e.TotalPackets() != 22 {
		t.Errorf("total = %d, want 22", e.TotalPackets())
	}
	scr := stats[0]
	if scr.PID != 0x31 || scr.SCRCount != 10 {
		t.Errorf("SCR pid = 0x%x with %d SCRs, want 0x31 with 10", scr.PID, scr.SCRCount)
	}
	if scr.Jitter == nil {
		t.Error("SCR pid should carry jitter stats")
	} else if scr.Jitter.Max != 0 {
		t.Errorf("jitter max = %d, want 0", scr.Jitter.Max)
	}
	if math.Abs(stats[2].Share-100*2.0/22) > 1e-9 {
		t.Errorf("null share = %v, want %v", stats[2].Share, 100*2.0/22)
	}
}

func TestStreamPacingHasNoJitter(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Pacing = PacingStream
	cfg.InitialTime = base
	e, _ := newTestEngine(t, cfg)

	process(t, e, syntheticStream(20)...)

	stats := e.PIDs()
	if stats[0].PID != 0x31 || stats[0].SCRCount != 10 {
		t.Fatalf("SCR pid = 0x%x with %d SCRs, want 0x31 with 10", stats[0].PID, stats[0].SCRCount)
	}
	if stats[0].Jitter != nil {
		t.Errorf("jitter = %+v, want nil", stats[0].Jitter)
	}
}

func TestCloseStopsProcessing(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, DefaultConfig())

	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Process(payloadPacket(0x100, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Process after Close = %v, want ErrClosed", err)
	}
}

func TestNormalizeFloors(t *testing.T) {
	t.Parallel()
	cfg := Config{TrendCapacity: 10, ReportPeriod: time.Second}.normalize()
	if cfg.TrendCapacity != MinTrendCapacity {
		t.Errorf("capacity = %d, want %d", cfg.TrendCapacity, MinTrendCapacity)
	}
	if cfg.ReportPeriod != MinReportPeriod {
		t.Errorf("period = %v, want %v", cfg.ReportPeriod, MinReportPeriod)
	}
	if cfg.MaxDriftMs != DefaultMaxDriftMs {
		t.Errorf("max drift = %d, want %d", cfg.MaxDriftMs, DefaultMaxDriftMs)
	}
}

func TestNormalizeWarmup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want int
	}{
		{0, trend.DefaultWarmup},
		{4, 4},
		{NoWarmup, NoWarmup},
		{-20, NoWarmup},
	}
	for _, tt := range tests {
		if got := (Config{TrendWarmup: tt.in}).normalize().TrendWarmup; got != tt.want {
			t.Errorf("TrendWarmup %d normalized to %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestZeroConfigWarmsUp(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, Config{})
	process(t, e, syntheticStream(40)...)

	trends := e.Trends()
	if len(trends) != 1 {
		t.Fatalf("trends = %d, want 1", len(trends))
	}
	if got, want := trends[0].Samples, 20-trend.DefaultWarmup; got != want {
		t.Errorf("samples = %d, want %d", got, want)
	}
}

func TestParsePacing(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Pacing{"realtime": PacingRealtime, "live": PacingRealtime, "stream": PacingStream, "file": PacingStream} {
		got, err := ParsePacing(in)
		if err != nil || got != want {
			t.Errorf("ParsePacing(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParsePacing("warp"); err == nil {
		t.Error("expected error for unknown pacing")
	}
}

func TestFindingKindText(t *testing.T) {
	t.Parallel()
	for _, k := range []FindingKind{PTSBehindPCR, ExcessClockDelta, ExcessSCRDelta, ContinuityGap} {
		b, err := k.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got FindingKind
		if err := got.UnmarshalText(b); err != nil || got != k {
			t.Errorf("UnmarshalText(%q) = %v, %v, want %v", b, got, err, k)
		}
	}
	var k FindingKind
	if err := k.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown kind")
	}
}
