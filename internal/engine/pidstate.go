package engine

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/zsiec/tsclock/internal/clock"
	"github.com/zsiec/tsclock/internal/reorder"
	"github.com/zsiec/tsclock/internal/trend"
)

// maxJitterMicros bounds the PCR jitter histogram at one minute.
const maxJitterMicros = int64(time.Minute / time.Microsecond)

// pidState is everything the engine knows about one PID.
type pidState struct {
	pid      uint16
	packets  int64
	cc       uint8
	ccErrors int64
	// ccDup is set after a repeated counter, when the next packet may
	// continue from either the repeat or the packet it replaced.
	ccDup bool

	scrCount   int64
	scr        int64 // last raw value
	scrElapsed int64 // unwrapped ticks since the first SCR
	scrModel   *clock.Model
	scrFirstAt time.Time // capture time of the first SCR
	jitter     *hdrhistogram.Histogram

	// Reference clock values bracketing the delivery of the current PES.
	pesStarted    bool
	scrAtPESStart int64
	pesStartWall  time.Time
	scrLastSeen   int64
	lastSeenWall  time.Time

	pts, dts *clockTrack
	order    *reorder.Reconstructor
}

func newPIDState(pid uint16) *pidState {
	return &pidState{
		pid: pid,
		pts: &clockTrack{name: "PTS"},
		dts: &clockTrack{name: "DTS"},
	}
}

// clockTrack follows the PTS or DTS timeline of one PID.
type clockTrack struct {
	name string

	count   int64
	last    int64
	lastSCR int64
	hasSCR  bool // lastSCR is set

	model *clock.Model
	trend *trend.Estimator
	// trendOff is set when the estimator could not be allocated.
	trendOff bool
}

// observe records ts and returns the step from the previous value. A forward
// step longer than ten seconds is taken as a backward step across the wrap.
func (ct *clockTrack) observe(ts int64) int64 {
	var delta int64
	if ct.count > 0 {
		delta = clock.PTS.Forward(ct.last, ts)
		if delta > 10*clock.PTS.Hz {
			delta -= clock.PTS.Modulus
		}
	}
	ct.count++
	ct.last = ts
	return delta
}

// scrStep records the reference clock value seen with the current timestamp
// and returns how far it moved since the previous one.
func (ct *clockTrack) scrStep(scr int64) int64 {
	var step int64
	if ct.hasSCR {
		step = clock.SCR.Diff(ct.lastSCR, scr)
	}
	ct.lastSCR = scr
	ct.hasSCR = true
	return step
}

// recordJitter stores how far the SCR has strayed from capture time since
// the first SCR on the PID.
func (ps *pidState) recordJitter(at time.Time) {
	if ps.jitter == nil {
		ps.jitter = hdrhistogram.New(1, maxJitterMicros, 3)
	}
	j := clock.SCR.Micros(ps.scrElapsed) - at.Sub(ps.scrFirstAt).Microseconds()
	if j < 0 {
		j = -j
	}
	if j > maxJitterMicros {
		j = maxJitterMicros
	}
	_ = ps.jitter.RecordValue(j)
}
