// Package report renders engine output as the fixed-width text tables the
// tool prints: SCR and PTS/DTS timing lines, findings, trend summaries and
// the end-of-run PID and ordered-timestamp reports. Column headers repeat
// every 24 lines.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/tsclock/internal/clock"
	"github.com/zsiec/tsclock/internal/engine"
	"github.com/zsiec/tsclock/internal/mpegts"
	"github.com/zsiec/tsclock/internal/reorder"
)

const headerEvery = 24

// Options selects what the Printer writes.
type Options struct {
	// SCR prints a line per SCR.
	SCR bool
	// PES prints a line per PTS/DTS; 2 or more also dumps the PES header.
	PES int
	// Reorder suppresses the per-PTS lines; PTS are printed in order at the
	// end instead.
	Reorder bool
	// HexDump prints the first 32 bytes of each packet; 2 or more prints
	// all of it.
	HexDump int
	// TrendLevel 3 or more prints each trend's dataset.
	TrendLevel int
}

// Printer writes reports to w. It implements engine.Observer and
// engine.TrendSink and is safe for use from the ingest and reporter
// goroutines at once.
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	opts Options
	now  func() time.Time

	scrLine, pesLine, tsLine int
}

// New creates a Printer.
func New(w io.Writer, opts Options) *Printer {
	return &Printer{w: w, opts: opts, now: time.Now}
}

// header writes lines when the counter is at the top of a page.
func (p *Printer) header(n *int, lines ...string) {
	if *n == 0 {
		for _, l := range lines {
			fmt.Fprintln(p.w, l)
		}
	}
	*n++
	if *n > headerEvery {
		*n = 0
	}
}

func ctime(t time.Time) string { return t.Format(time.ANSIC) }

func wallColumns(t time.Time) (int64, int64) {
	return t.Unix(), int64(t.Nanosecond()) / int64(time.Millisecond)
}

// OnSCR prints one SCR timing line.
func (p *Printer) OnSCR(r engine.SCRRecord) {
	if !p.opts.SCR {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.header(&p.scrLine,
		"+SCR Timing           filepos ------------>                   SCR  <--- SCR-DIFF ------>  SCR           Walltime ----------------------------->  Drift",
		"+SCR Timing               Hex           Dec   PID       27MHz VAL       TICKS         uS  Timecode      Now                      secs               ms")

	drift := "    NA"
	if r.DriftOK {
		drift = fmt.Sprintf("%6d", r.DriftMs)
	}
	sec, ms := wallColumns(r.Wall)
	fmt.Fprintf(p.w, "SCR #%09d -- %011x %13d  %04x  %14d  %10d  %9d  %s  %s %08d.%03d %s\n",
		r.Seq, r.Offset, r.Offset, r.PID, r.SCR, r.DeltaTicks, r.DeltaTicks/clock.SCRTicksPerUs,
		clock.SCR.Timecode(r.SCR), ctime(p.now()), sec, ms, drift)
}

// OnTimestamp prints one PTS or DTS timing line.
func (p *Printer) OnTimestamp(r engine.TimestampRecord) {
	if p.opts.PES == 0 || (p.opts.Reorder && r.Clock == "PTS") {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.header(&p.pesLine,
		"+PTS/DTS Timing       filepos ------------>               PTS/DTS  <------- DIFF ------> <---- SCR <--PTS*300--------->  Walltime ----------------------------->  Drift",
		"+PTS/DTS Timing           Hex           Dec   PID       90KHz VAL       TICKS         MS   Diff MS  minus SCR        ms  Now                      secs               ms")

	sec, ms := wallColumns(r.Wall)
	fmt.Fprintf(p.w, "%s #%09d -- %011x %13d  %04x  %14d  %10d %10.2f %9d %10d %9.2f  %s %08d.%03d %6d\n",
		r.Clock, r.Seq, r.Offset, r.Offset, r.PID, r.Ticks,
		r.DeltaTicks, float64(r.DeltaTicks)/clock.PTSTicksPerMs,
		r.SCRDeltaMs, r.MinusSCRTicks, float64(r.MinusSCRTicks)/clock.SCRTicksPerMs,
		ctime(p.now()), sec, ms, r.DriftMs)

	if p.opts.PES >= 2 && r.Clock == "PTS" && r.PES != nil {
		writePESHeader(p.w, r.PES)
	}
}

func writePESHeader(w io.Writer, h *mpegts.PESHeader) {
	fmt.Fprintf(w, "    stream_id = 0x%02x\n", h.StreamID)
	fmt.Fprintf(w, "    PES_packet_length = %d\n", h.PacketLength)
	fmt.Fprintf(w, "    PTS_DTS_flags = %d\n", h.PTSDTSFlags)
	fmt.Fprintf(w, "    PES_header_data_length = %d\n", h.HeaderLength)
	if h.HasPTS {
		fmt.Fprintf(w, "    PTS = %d (%s)\n", h.PTS, clock.PTS.Timecode(h.PTS))
	}
	if h.HasDTS {
		fmt.Fprintf(w, "    DTS = %d (%s)\n", h.DTS, clock.PTS.Timecode(h.DTS))
	}
}

// OnDelivery prints how long the previous PES took to arrive.
func (p *Printer) OnDelivery(r engine.DeliveryRecord) {
	if p.opts.PES == 0 || p.opts.Reorder {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	note := ""
	if r.Ticks == 0 {
		note = "(delivered within one SCR interval)"
	}
	fmt.Fprintf(p.w, "!PTS #%09d                              %04x took %10d SCR ticks to arrive, or %9.03f ms, %9d uS walltime %s\n",
		r.Seq, r.PID, r.Ticks, float64(r.Ticks)/clock.SCRTicksPerMs, r.Micros, note)
}

// OnFinding prints a finding.
func (p *Printer) OnFinding(f engine.Finding) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, FormatFinding(f))
}

// FormatFinding renders a finding as a single line.
func FormatFinding(f engine.Finding) string {
	at := ctime(f.StreamTime)
	switch f.Kind {
	case engine.ContinuityGap:
		return fmt.Sprintf("!CC Error. PID %04x expected %02x got %02x @ %s", f.PID, f.Expected, f.Got, at)
	case engine.PTSBehindPCR:
		return fmt.Sprintf("!%s #%09d Error. The %s is arriving BEHIND the PCR by %.2f ms, the stream is not timing conformant @ %s",
			f.Clock, f.Seq, f.Clock, -f.ValueMs, at)
	case engine.ExcessClockDelta:
		return fmt.Sprintf("!%s #%09d Error. Difference between previous and current 90KHz clock >= +-%dms (is %d) @ %s",
			f.Clock, f.Seq, f.ThresholdMs, int64(f.ValueMs), at)
	case engine.ExcessSCRDelta:
		return fmt.Sprintf("!%s #%09d Error. Difference between previous and current %s frame measured in SCR ticks >= +-%dms (is %d) @ %s",
			f.Clock, f.Seq, f.Clock, f.ThresholdMs, int64(f.ValueMs), at)
	}
	return fmt.Sprintf("!%v PID %04x @ %s", f.Kind, f.PID, at)
}

// OnTrend prints one trend summary.
func (p *Printer) OnTrend(s engine.TrendSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.TrendLevel >= 3 {
		fmt.Fprintf(p.w, "Trend '%s' dataset, %d entries\n", s.Name, len(s.Points))
		for i, pt := range s.Points {
			fmt.Fprintf(p.w, "%8d: %18.6f %18.6f\n", i, pt.X, pt.Y)
		}
	}
	fmt.Fprintln(p.w, FormatTrend(s))
}

// FormatTrend renders a trend summary as a single line.
func FormatTrend(s engine.TrendSnapshot) string {
	if !s.Valid {
		return fmt.Sprintf("PID 0x%04x - Trend '%s', %8d entries, no model yet @ %s",
			s.PID, s.Name, s.Samples, ctime(s.At))
	}
	return fmt.Sprintf("PID 0x%04x - Trend '%s', %8d entries, Slope %18.8f, Deviation is %12.2f, r2 is %12.8f @ %s",
		s.PID, s.Name, s.Samples, s.Slope, s.Deviation, s.RSquared, ctime(s.At))
}

// Packet prints a hex dump of a packet when HexDump is enabled.
func (p *Printer) Packet(seq int64, pkt *mpegts.Packet) {
	if p.opts.HexDump == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.header(&p.tsLine,
		"+TS Packet         filepos ------------>",
		"+TS Packet             Hex           Dec   PID  Packet --------------------------------------------------------------------------------------->")

	n := 32
	if p.opts.HexDump >= 2 {
		n = mpegts.PacketSize
	}
	fmt.Fprintf(p.w, "TS  #%09d -- %08x %13d  %04x  ", seq, pkt.Offset, pkt.Offset, pkt.PID)
	writeHex(p.w, pkt.Bytes[:n], 32)
}

// writeHex writes b as hex bytes, perLine to a line, continuation lines
// indented under the first.
func writeHex(w io.Writer, b []byte, perLine int) {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 && i%perLine == 0 {
			sb.WriteString("\n")
			sb.WriteString(strings.Repeat(" ", 49))
		}
		fmt.Fprintf(&sb, "%02x ", c)
	}
	sb.WriteString("\n")
	io.WriteString(w, sb.String())
}

// PIDReport prints the end-of-run packet counts per PID.
func PIDReport(w io.Writer, stats []engine.PIDStats) {
	for _, s := range stats {
		fmt.Fprintf(w, "pid: 0x%04x pkts: %12d discontinuities: %12d using: %7.1f%%", s.PID, s.Packets, s.CCErrors, s.Share)
		if s.Jitter != nil {
			fmt.Fprintf(w, " pcr-jitter p50: %dus p99: %dus max: %dus", s.Jitter.P50, s.Jitter.P99, s.Jitter.Max)
		}
		fmt.Fprintln(w)
	}
}

// OrderedDump prints a PID's timestamps in presentation order.
func OrderedDump(w io.Writer, pid uint16, entries []reorder.Entry) {
	for i, e := range entries {
		if i%headerEvery == 0 {
			fmt.Fprintln(w, "+PTS/DTS (ordered) filepos ------------>               PTS/DTS  <------- DIFF ------>")
			fmt.Fprintln(w, "+PTS/DTS #             Hex           Dec   PID       90KHz VAL       TICKS         MS")
		}
		fmt.Fprintf(w, "PTS #%09d -- %09x %13d  %04x  %14d  %10d %10.2f\n",
			e.Seq, e.Offset, e.Offset, pid, e.Ticks, e.Delta, float64(e.Delta)/clock.PTSTicksPerMs)
	}
}

// Progress writes a carriage-return progress line.
func Progress(w io.Writer, pos, total uint64) {
	if total == 0 {
		return
	}
	fmt.Fprintf(w, "\rprocessing ... %.02f%%", float64(pos)/float64(total)*100)
}
